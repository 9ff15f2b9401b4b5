package domain

import "errors"

// Expected trading failures. Callers branch with errors.Is; anything else
// coming back from the exchange is treated as transient and retried.
var (
	ErrOrderRejected     = errors.New("order rejected by exchange")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrBotAlreadyRunning = errors.New("bot already running")
	ErrBotNotRunning     = errors.New("bot not running")
	ErrBotNotFound       = errors.New("bot not found")
)
