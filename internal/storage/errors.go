package storage

import "errors"

var (
	// ErrAPIKeyNotFound is returned when no active key matches a hash.
	ErrAPIKeyNotFound = errors.New("api key not found")

	// ErrConnectionNotFound is returned when no active farmer
	// connection matches the requested (developer, farmer, provider).
	ErrConnectionNotFound = errors.New("farmer connection not found")
)
