package identity

import (
	"errors"
	"fmt"
)

// ErrIdentityCorrupt indicates the persisted identity could not be used.
var ErrIdentityCorrupt = errors.New("identity corrupt")

// CorruptError describes why an identity file was rejected.
type CorruptError struct {
	Path   string // file that failed to load
	Reason string // short description of the defect
	Err    error  // underlying error, may be nil
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("identity %s: %s", e.Path, e.Reason)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrIdentityCorrupt.
func (e *CorruptError) Is(target error) bool {
	return target == ErrIdentityCorrupt
}
