package queue

import "errors"

// TransientError marks a failure worth retrying: network trouble, timeouts,
// the broker being briefly unavailable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient queue failure: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure no retry will fix: a malformed envelope or a
// job the queue rejects outright. The dispatcher routes these straight to the
// DLQ without consuming retry budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent queue failure: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
