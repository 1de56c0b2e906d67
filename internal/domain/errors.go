package domain

import "errors"

var (
	// ErrInstanceNotFound is returned when the provider cannot resolve an instance id.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrMalformedRecord is returned when a provider payload cannot be normalized.
	ErrMalformedRecord = errors.New("malformed provider record")

	// ErrPoolNotFound is returned when no pool is registered under the requested name.
	ErrPoolNotFound = errors.New("pool not found")

	// ErrUnknownProvider is returned when a pool references a provider with no adapter.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrStoreUnavailable is returned when the pool state store cannot be reached.
	ErrStoreUnavailable = errors.New("pool state store unavailable")
)
