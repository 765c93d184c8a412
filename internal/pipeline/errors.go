package pipeline

import "errors"

// Pipeline stage errors. Callers classify failures with errors.Is to decide
// whether a message is dropped, retried, or left stored without analysis.
var (
	// ErrMalformedMessage marks a raw message missing required fields.
	// The message is logged and dropped; it never reaches the store.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrPersistence marks a database failure. The message may be
	// redelivered; every write is idempotent so redelivery is safe.
	ErrPersistence = errors.New("persistence failed")

	// ErrAnalysis marks an analyzer failure. The raw message is already
	// stored when this is returned; only the derived signals are missing.
	ErrAnalysis = errors.New("analysis failed")
)
