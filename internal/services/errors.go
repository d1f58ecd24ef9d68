package services

import "errors"

var (
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrInvalidThreshold  = errors.New("alert threshold must be positive")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidPrice      = errors.New("price must be positive")
	ErrExecutionState    = errors.New("execution is not in a state that allows this action")
	ErrInvalidAgentInput = errors.New("invalid agent configuration")
)
