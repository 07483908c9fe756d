package domain

import "errors"

var (
	// ErrNotFound means neither the cache nor the source API has the identifier.
	ErrNotFound = errors.New("bulletin not found")

	// ErrSourceUnavailable means the source API failed and nothing was cached.
	ErrSourceUnavailable = errors.New("bulletin source unavailable")

	// ErrUnknownKind is returned for a bulletin kind outside the six known kinds.
	ErrUnknownKind = errors.New("unknown bulletin kind")

	// ErrInvalidIdentifier is returned for an empty or malformed identifier.
	ErrInvalidIdentifier = errors.New("invalid bulletin identifier")
)
