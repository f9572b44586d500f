package worker

import "errors"

// terminalError marks a failure that retrying cannot fix: a missing
// template, an unknown step type, a payload that does not decode. The
// executor routes these straight to the DLQ instead of burning attempts.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err as permanently unprocessable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether any error in the chain was marked terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}
