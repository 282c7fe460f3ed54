package capture

import "errors"

// Error taxonomy shared by the pipeline, worker and ledgers.
var (
	// ErrActivationFailed means every trigger strategy was exhausted.
	ErrActivationFailed = errors.New("activation failed")
	// ErrSurfaceNotActive means the surface never became visible after activation.
	ErrSurfaceNotActive = errors.New("surface not active")
	// ErrSurfaceNotFound means the rendering surface vanished after activation.
	ErrSurfaceNotFound = errors.New("surface not found")
	// ErrUnsupportedImage means a capture could not be decoded.
	ErrUnsupportedImage = errors.New("unsupported image")
	// ErrStorageWriteFailed means the artifact could not be written durably.
	ErrStorageWriteFailed = errors.New("storage write failed")
	// ErrLedgerUnavailable means a claim or resolve call against the ledger failed.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrTaskNotFound is returned by ledgers when resolving an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrStaleElement means an element handle outlived the DOM it was resolved from.
	ErrStaleElement = errors.New("element is detached")
)
