package exchange

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderNotCancellable  = errors.New("order cannot be cancelled")
	ErrNoPosition           = errors.New("position not found")
	ErrCloseExceedsPosition = errors.New("close quantity exceeds position size")
)

// Validation reasons.
const (
	ReasonInvalidQuantity  = "invalid quantity"
	ReasonInvalidSide      = "invalid side"
	ReasonMissingPrice     = "missing price"
	ReasonMissingStopPrice = "missing stop price"
	ReasonNoPrice          = "no price"
	ReasonInsufficient     = "insufficient margin"
)

// ValidationError is bad order input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Reason
}

// InsufficientMarginError carries the computed shortfall.
type InsufficientMarginError struct {
	Required  float64
	Available float64
}

func (e *InsufficientMarginError) Error() string {
	return fmt.Sprintf("insufficient margin: required %.2f, available %.2f", e.Required, e.Available)
}

// Shortfall is how much more available balance the order needed.
func (e *InsufficientMarginError) Shortfall() float64 { return e.Required - e.Available }

// reasonLabel collapses an error into a low-cardinality metric label.
func reasonLabel(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	var me *InsufficientMarginError
	if errors.As(err, &me) {
		return ReasonInsufficient
	}
	return "other"
}
