package verify

import (
	"errors"
	"fmt"
)

// IntegrityError is returned by a verification run that found damage.
// Source is "store" for the in-memory chain or a segment filename.
type IntegrityError struct {
	Source  string
	Index   int64
	Message string
}

func (e *IntegrityError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("INTEGRITY VIOLATION in %s at %d: %s", e.Source, e.Index, e.Message)
	}
	return fmt.Sprintf("INTEGRITY VIOLATION in %s: %s", e.Source, e.Message)
}

func NewIntegrityError(source string, index int64, message string) *IntegrityError {
	return &IntegrityError{
		Source:  source,
		Index:   index,
		Message: message,
	}
}

func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

func AsIntegrityError(err error) *IntegrityError {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie
	}
	return nil
}
