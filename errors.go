package pkindex

import (
	"errors"
	"fmt"

	"github.com/hupe1980/pkindex/immutable"
	"github.com/hupe1980/pkindex/meta"
	"github.com/hupe1980/pkindex/mutable"
	"github.com/hupe1980/pkindex/wal"
)

var (
	// ErrInvalidArgument reports a malformed request.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrCorruption reports a checksum, magic or format failure.
	ErrCorruption = errors.New("corruption")
	// ErrNotFound reports a missing file on an expected path.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists reports a duplicate key on insert or a positive
	// uniqueness probe.
	ErrAlreadyExists = errors.New("already exists")
	// ErrMemLimitExceeded reports a rejected memory reservation.
	ErrMemLimitExceeded = errors.New("memory limit exceeded")
	// ErrAborted reports a pre-empted background operation.
	ErrAborted = errors.New("aborted")
	// ErrClosed reports use of a closed index.
	ErrClosed = errors.New("index closed")
)

// ChecksumMismatchError indicates a corrupted on-disk artifact, carrying
// the stored and recomputed checksums. It matches ErrCorruption under
// errors.Is.
//
// The original underlying error can be accessed via errors.Unwrap.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
	cause    error
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %08x, got %08x", e.Expected, e.Actual)
}

func (e *ChecksumMismatchError) Unwrap() error { return e.cause }

// translateError maps sub-package errors onto the index's public kinds.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Checksum mismatch normalization: keep the expected/actual pair.
	var wcm *wal.ChecksumMismatchError
	if errors.As(err, &wcm) {
		return &ChecksumMismatchError{
			Expected: wcm.Expected,
			Actual:   wcm.Actual,
			cause:    fmt.Errorf("%w: %w", ErrCorruption, err),
		}
	}
	var icm *immutable.ChecksumMismatchError
	if errors.As(err, &icm) {
		return &ChecksumMismatchError{
			Expected: icm.Expected,
			Actual:   icm.Actual,
			cause:    fmt.Errorf("%w: %w", ErrCorruption, err),
		}
	}

	switch {
	case errors.Is(err, mutable.ErrAlreadyExists), errors.Is(err, immutable.ErrAlreadyExists):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case errors.Is(err, mutable.ErrMemLimitExceeded):
		return fmt.Errorf("%w: %w", ErrMemLimitExceeded, err)
	case errors.Is(err, wal.ErrChecksumMismatch),
		errors.Is(err, wal.ErrBadMagic),
		errors.Is(err, wal.ErrBadFormat),
		errors.Is(err, immutable.ErrChecksumMismatch),
		errors.Is(err, immutable.ErrBadMagic),
		errors.Is(err, immutable.ErrBadFormat),
		errors.Is(err, meta.ErrBadFormat):
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	}
	return err
}
