package core

import "errors"

// Error kinds used across the engine. Parse and type-mismatch conditions are
// diagnostics, not errors; the sentinels below mark conditions that surface
// to callers.
var (
	// ErrLogic marks an invariant violation. A component that observes it
	// stops its loop instead of continuing with corrupt state.
	ErrLogic = errors.New("core: invariant violation")
	// ErrCatalog marks a rejected catalog merge/replace/erase.
	ErrCatalog = errors.New("core: catalog rejection")
	// ErrShutdown is returned by operations racing a node shutdown.
	ErrShutdown = errors.New("core: shutting down")
	// ErrUnknownQuery is returned for operations on query ids the index does
	// not know.
	ErrUnknownQuery = errors.New("core: unknown query id")
	// ErrDataLoss reports a flush that did not complete within its budget.
	ErrDataLoss = errors.New("core: risk of data loss")
)
