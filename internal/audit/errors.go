package audit

import (
	"errors"
	"fmt"

	"github.com/witnz/auditvault/internal/event"
)

// ErrImmutabilityViolation is returned by Write once the store is sealed.
var ErrImmutabilityViolation = errors.New("immutability violation: store is sealed")

// Record-level failures reported by ParseStoredEvent.
var (
	ErrMalformedRecord  = errors.New("malformed record")
	ErrLinkMismatch     = errors.New("chain link hash mismatch")
	ErrDataHashMismatch = errors.New("chain link does not bind the event")
)

// StorageError wraps a persistence or internal failure. No state change is
// observable after one.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ChainIntegrityError reports historical tampering or corruption found by
// Verify or Restore. It is never repaired automatically.
type ChainIntegrityError struct {
	Index  uint64
	Reason string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("INTEGRITY VIOLATION at index %d: %s", e.Index, e.Reason)
}

func IsImmutabilityViolation(err error) bool {
	return errors.Is(err, ErrImmutabilityViolation)
}

func IsValidationError(err error) bool {
	var ve *event.ValidationError
	return errors.As(err, &ve)
}

func IsStorageError(err error) bool {
	return AsStorageError(err) != nil
}

func AsStorageError(err error) *StorageError {
	var se *StorageError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

func IsChainIntegrityError(err error) bool {
	return AsChainIntegrityError(err) != nil
}

func AsChainIntegrityError(err error) *ChainIntegrityError {
	var ce *ChainIntegrityError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
