package domain

import "errors"

var (
	ErrUnauthenticated     = errors.New("not authenticated")
	ErrNotFound            = errors.New("not found")
	ErrEngineFailure       = errors.New("media engine failure")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrBadRequest          = errors.New("bad request")
	ErrForbidden           = errors.New("forbidden")
	ErrSessionClosed       = errors.New("session closed")
	ErrRateLimited         = errors.New("rate limited")
)
