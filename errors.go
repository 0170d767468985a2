package pmap

import "github.com/pkg/errors"

// Error kinds surfaced by the public API. Everything below the API
// boundary (CAS failures, probe exhaustion, sequence mismatches
// during helping) is a transient concurrency outcome and is retried
// silently, never reported.
var (
	// ErrReservedKey is returned when a caller passes a key that
	// collides with the reserved sentinel range or carries tag bits.
	ErrReservedKey = errors.New("pmap: key is reserved")

	// ErrReservedValue is the value-side counterpart of ErrReservedKey.
	ErrReservedValue = errors.New("pmap: value is reserved")

	// ErrBadRegionSize is returned when a mapped file's length is not
	// a whole number of slots.
	ErrBadRegionSize = errors.New("pmap: region size is not a multiple of the slot size")

	// ErrIO wraps mapping failures and failures of the whole-region
	// flushes at region creation and close. A generation that hits one
	// is unusable; nothing proceeds on those failures. The per-word
	// flush on the persist path discards msync errors and reports
	// nothing.
	ErrIO = errors.New("pmap: region i/o failure")
)
