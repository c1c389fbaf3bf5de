package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")
	ErrConnectivity       = errors.New("transient connectivity failure")

	// Broker Errors
	ErrBrokerUnavailable    = errors.New("broker API is unavailable")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthExpired          = errors.New("broker session expired")
	ErrAuthenticationFailed = errors.New("broker authentication failed (check credentials)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrPositionNotFound     = errors.New("position not found at the broker")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrStopConflict         = errors.New("broker rejected stop modification as conflicting")

	// Trading Errors
	ErrSignalGeneration   = errors.New("signal generation failed")
	ErrNoTrade            = errors.New("no trade opportunity")
	ErrBusinessRule       = errors.New("business rule violated")
	ErrMissingStopLoss    = errors.New("signal has no valid stop loss")
	ErrRiskCapExceeded    = errors.New("risk cap exceeded")
	ErrInvariantViolation = errors.New("internal invariant violated")
	ErrSessionStopping    = errors.New("session is stopping")
	ErrSessionNotFound    = errors.New("session not found")
	ErrMarketBusy         = errors.New("market already has an active session")

	// Stream Errors
	ErrMalformedMessage = errors.New("malformed stream message")
	ErrStreamFailed     = errors.New("price stream failed permanently")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
)
