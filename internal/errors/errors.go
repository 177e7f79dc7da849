// Package errors provides the error taxonomy shared by the pricing and risk engine.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an engine failure so callers can map it to a response
// without inspecting messages.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindArbitrageViolation  Kind = "arbitrage_violation"
	KindConvergenceFailure  Kind = "convergence_failure"
	KindNotFound            Kind = "not_found"
	KindPartialBatchFailure Kind = "partial_batch_failure"
	KindRiskLimitBreach     Kind = "risk_limit_breach"
	KindInvalidTransition   Kind = "invalid_transition"
	KindAppendOnly          Kind = "append_only"
	KindInternal            Kind = "internal"
)

// Standard sentinel errors, one per kind.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrArbitrageViolation  = errors.New("arbitrage violation")
	ErrConvergenceFailure  = errors.New("convergence failure")
	ErrNotFound            = errors.New("not found")
	ErrPartialBatchFailure = errors.New("partial batch failure")
	ErrRiskLimitBreach     = errors.New("risk limit breach")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAppendOnly          = errors.New("append-only collection")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrDatabaseError       = errors.New("database error")
)

var sentinels = map[Kind]error{
	KindInvalidInput:        ErrInvalidInput,
	KindArbitrageViolation:  ErrArbitrageViolation,
	KindConvergenceFailure:  ErrConvergenceFailure,
	KindNotFound:            ErrNotFound,
	KindPartialBatchFailure: ErrPartialBatchFailure,
	KindRiskLimitBreach:     ErrRiskLimitBreach,
	KindInvalidTransition:   ErrInvalidTransition,
	KindAppendOnly:          ErrAppendOnly,
}

// EngineError is a structured (kind, message, context) failure.
type EngineError struct {
	Kind    Kind
	Op      string
	Message string
	Context map[string]interface{}
	Err     error
}

func (e *EngineError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind. An arbitrage violation is
// also an invalid input.
func (e *EngineError) Is(target error) bool {
	if e.Kind == KindArbitrageViolation && target == ErrInvalidInput {
		return true
	}
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// With returns the error with an extra context entry.
func (e *EngineError) With(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an EngineError of the given kind.
func New(kind Kind, op, message string) *EngineError {
	return &EngineError{Kind: kind, Op: op, Message: message}
}

// InvalidInput creates an InvalidInput error.
func InvalidInput(op, message string) *EngineError {
	return New(KindInvalidInput, op, message)
}

// ArbitrageViolation creates an ArbitrageViolation error.
func ArbitrageViolation(op, message string) *EngineError {
	return New(KindArbitrageViolation, op, message)
}

// NotFound creates a NotFound error for the given entity and id.
func NotFound(op, entity, id string) *EngineError {
	return New(KindNotFound, op, entity+" not found").With("id", id)
}

// InvalidTransition creates an InvalidTransition error.
func InvalidTransition(op, id, from, to string) *EngineError {
	return New(KindInvalidTransition, op, fmt.Sprintf("cannot move from %s to %s", from, to)).
		With("id", id)
}

// AppendOnly creates an AppendOnly error for an attempted overwrite.
func AppendOnly(op, collection, id string) *EngineError {
	return New(KindAppendOnly, op, collection+" records cannot be overwritten").With("id", id)
}

// ConvergenceError reports an implied volatility search that gave up.
type ConvergenceError struct {
	*EngineError
	LastSigma  float64
	Iterations int
}

// NewConvergenceError creates a ConvergenceError carrying the last attempted sigma.
func NewConvergenceError(op, message string, lastSigma float64, iterations int) *ConvergenceError {
	base := New(KindConvergenceFailure, op, message).
		With("last_sigma", lastSigma).
		With("iterations", iterations)
	return &ConvergenceError{EngineError: base, LastSigma: lastSigma, Iterations: iterations}
}

func (e *ConvergenceError) Unwrap() error {
	return e.EngineError
}

// ValidationError represents a validation error on a single field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// Is lets validation failures match ErrInvalidInput.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// RiskError represents a risk limit violation.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s (current: %.2f, limit: %.2f)", e.Rule, e.Message, e.Current, e.Limit)
}

// Is lets risk violations match ErrRiskLimitBreach.
func (e *RiskError) Is(target error) bool {
	return target == ErrRiskLimitBreach
}

// NewRiskError creates a new RiskError.
func NewRiskError(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Message: message,
	}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindInvalidInput
	}
	var re *RiskError
	if errors.As(err, &re) {
		return KindRiskLimitBreach
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindInternal
}

// Describe flattens err into a (kind, message, context) record.
func Describe(err error) map[string]interface{} {
	out := map[string]interface{}{
		"kind":    string(KindOf(err)),
		"message": err.Error(),
	}
	var ee *EngineError
	if errors.As(err, &ee) && len(ee.Context) > 0 {
		out["context"] = ee.Context
	}
	return out
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
