// Package batch runs independent per-position work concurrently and
// collects failures instead of aborting.
package batch

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	apperrors "options-desk/internal/errors"
	"options-desk/internal/logging"
)

// Failure records one item excluded from a batch result.
type Failure struct {
	ID      string         `json:"position_id"`
	Kind    apperrors.Kind `json:"kind"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
}

// Report summarizes a batch run.
type Report struct {
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Skipped returns how many items failed.
func (r *Report) Skipped() int {
	if r == nil {
		return 0
	}
	return len(r.Failures)
}

// Err returns a PartialBatchFailure describing the failures, or nil.
// Aggregates remain valid when Err is non-nil.
func (r *Report) Err(op string) error {
	if r.Skipped() == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		ids = append(ids, f.ID)
	}
	return apperrors.New(apperrors.KindPartialBatchFailure, op,
		fmt.Sprintf("%d of %d positions skipped", r.Skipped(), r.Total)).
		With("skipped", ids)
}

// Merge folds another report into r.
func (r *Report) Merge(o *Report) {
	if o == nil {
		return
	}
	r.Total += o.Total
	r.Succeeded += o.Succeeded
	r.Failures = append(r.Failures, o.Failures...)
}

// Options configure a batch run.
type Options struct {
	Op     string
	Limit  int
	Logger zerolog.Logger
}

// Run applies fn to every item with at most opts.Limit in flight. Results
// for successful items are returned in input order. A failing item is
// logged and recorded in the report; it never cancels the others.
func Run[T any, R any](ctx context.Context, opts Options, items []T, key func(T) string, fn func(context.Context, T) (R, error)) ([]R, *Report) {
	limit := opts.Limit
	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	type outcome struct {
		value R
		err   error
	}
	outcomes := make([]outcome, len(items))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i].err = err
				return nil
			}
			v, err := fn(ctx, item)
			outcomes[i] = outcome{value: v, err: err}
			return nil
		})
	}
	_ = g.Wait()

	logger := logging.WithOperation(opts.Logger, opts.Op)
	report := &Report{Total: len(items)}
	results := make([]R, 0, len(items))
	for i, o := range outcomes {
		if o.err != nil {
			id := key(items[i])
			logging.LogBatchFailure(logger, id, o.err)
			report.Failures = append(report.Failures, Failure{
				ID:      id,
				Kind:    apperrors.KindOf(o.err),
				Message: o.err.Error(),
				Err:     o.err,
			})
			continue
		}
		report.Succeeded++
		results = append(results, o.value)
	}
	return results, report
}

// KeyedMutex serializes work per key. Different keys never block each other.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu      sync.Mutex
	waiters int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.waiters++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.waiters--
		if l.waiters == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
