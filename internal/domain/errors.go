package domain

import "errors"

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrInvalidHandle      = errors.New("invalid handle")
	ErrInvalidCode        = errors.New("invalid verification code")
	ErrAlreadyResolved    = errors.New("request already resolved")
	ErrSelfVerification   = errors.New("cannot verify own request")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrBadRequest         = errors.New("bad request")
)
