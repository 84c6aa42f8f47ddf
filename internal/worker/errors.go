package worker

import (
	"errors"
	"fmt"
)

// ErrUnknownJobType is returned when a dispatch names a job no handler is
// registered for; the delivery is rejected without requeue.
var ErrUnknownJobType = errors.New("unknown job type")

// PermanentError marks a handler failure that retrying cannot fix (bad input,
// unsatisfiable precondition). Permanent failures skip the retry budget and
// go straight to the dead-letter pipeline.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a permanent failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the permanent marker.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
