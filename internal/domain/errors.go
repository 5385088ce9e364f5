package domain

import "errors"

var (
	ErrGlobalCapacity = errors.New("live connection capacity reached")
	ErrUserCapacity   = errors.New("live connection limit per user reached")
	ErrInvalidUser    = errors.New("invalid user id")
	ErrMalformedEvent = errors.New("malformed invalidation message")
)
