package regencache

import "errors"

// Common errors returned by regencache operations.
var (
	// ErrKeyspaceRequired is returned by New when no keyspace is given.
	ErrKeyspaceRequired = errors.New("keyspace must not be empty")

	// ErrNilCollaborator is returned by New when a required collaborator
	// (external cache, lock factory, bus) is nil.
	ErrNilCollaborator = errors.New("collaborator must not be nil")

	// ErrInvalidTolerance is returned when a configured duration is negative.
	ErrInvalidTolerance = errors.New("tolerance durations must not be negative")

	// ErrKeyRequired is returned when an operation is called with an empty key.
	ErrKeyRequired = errors.New("key must not be empty")

	// ErrNilGenerate is returned when the generate callback is nil.
	ErrNilGenerate = errors.New("generate callback cannot be nil")

	// ErrInvalidInterval is returned when the regeneration interval is not positive.
	ErrInvalidInterval = errors.New("regeneration interval must be positive")

	// ErrGenerationFailed indicates the generate callback returned an error;
	// the wrapped message carries the callback's error text, possibly from a
	// peer node.
	ErrGenerationFailed = errors.New("value generation failed")

	// ErrGenerationRaced indicates a success notification arrived but the
	// entry had already expired when read back. This points at a
	// misconfigured, ultra-short entry TTL.
	ErrGenerationRaced = errors.New("generated value expired before it could be read back")

	// ErrExternalStore wraps failures of the external cache collaborator.
	// Fatal for the current call, not for the process.
	ErrExternalStore = errors.New("external cache failure")

	// ErrLockService wraps failures of the distributed lock collaborator.
	ErrLockService = errors.New("distributed lock service failure")

	// ErrBus wraps failures of the fan-out bus collaborator.
	ErrBus = errors.New("fan-out bus failure")
)
