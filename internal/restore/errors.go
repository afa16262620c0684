package restore

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per error kind in spec.md §7. Fatal errors wrap one
// of these in a *RestoreError; callers match with errors.Is.
var (
	ErrPlatformUnavailable = errors.New("restore: platform probe hypercall failed")
	ErrOutOfMemory         = errors.New("restore: domain memory reservation failed")
	ErrStreamTruncated     = errors.New("restore: stream ended before expected data")
	ErrStreamInvalid       = errors.New("restore: stream violates wire format")
	ErrLDTInvalid          = errors.New("restore: LDT alignment, size, or range rejected")

	// ErrPTRace is not fatal. It signals a page-type race the save side
	// left behind (§7 "pt-race"): the uncanonicalizer found a PFN outside
	// range inside a page the stream tagged as a page table. Callers
	// count it and skip the page; they never propagate it as a restore
	// failure.
	ErrPTRace = errors.New("restore: page-table race: pfn out of range")
)

// RestoreError wraps a sentinel error kind with the operation and detail
// that triggered it, the same shape as internal/dockerfile's ParseError /
// BuildError: Op names the failing component, Err is one of the sentinels
// above (or nil for ad-hoc detail-only failures), and Error() renders both.
type RestoreError struct {
	Op     string // component/operation that failed, e.g. "stream.readBatch"
	Detail string // human-readable detail
	Err    error  // the sentinel kind, or a wrapped lower-level error
}

func (e *RestoreError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

func fail(op string, kind error, detail string) error {
	return &RestoreError{Op: op, Detail: detail, Err: kind}
}

func failf(op string, kind error, format string, args ...any) error {
	return &RestoreError{Op: op, Detail: fmt.Sprintf(format, args...), Err: kind}
}
