// Package models provides domain models for the options book.
package models

import (
	"math"
	"time"
)

// PositionStatus represents the lifecycle state of a position.
type PositionStatus string

const (
	StatusOpen    PositionStatus = "open"
	StatusClosed  PositionStatus = "closed"
	StatusExpired PositionStatus = "expired"
)

// CanTransition reports whether a position may move from s to next.
// Only open -> closed and open -> expired are allowed.
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	return s == StatusOpen && (next == StatusClosed || next == StatusExpired)
}

// Quote represents a market quote for an underlying.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Valid reports whether the quote carries a usable price.
func (q *Quote) Valid() bool {
	return q != nil && q.Price > 0 && !math.IsInf(q.Price, 0) && !math.IsNaN(q.Price)
}

