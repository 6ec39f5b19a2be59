// Package executor sends chat requests to the CodeWhisperer streaming API
// and transcodes the response stream into OpenAI-style deltas. It owns the
// retry policy, the first-token watchdog, and the event parser.
package executor

import (
	"errors"
	"fmt"
)

// statusErr carries an HTTP status through the executor so handlers can map
// upstream failures onto downstream responses.
type statusErr struct {
	code int
	msg  string
}

func (e statusErr) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("upstream status %d", e.code)
}

// StatusCode returns the HTTP status associated with the error.
func (e statusErr) StatusCode() int { return e.code }

// NewStatusError builds an executor error with an explicit HTTP status.
func NewStatusError(code int, msg string) error {
	return statusErr{code: code, msg: msg}
}

// HTTPStatusFrom extracts the embedded status from an executor error,
// defaulting to 500.
func HTTPStatusFrom(err error) int {
	type statusCoder interface{ StatusCode() int }
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 500
}

// ErrFirstTokenTimeout is returned when every streaming attempt was
// abandoned waiting for the first byte of the response.
var ErrFirstTokenTimeout = errors.New("upstream produced no output within the first-token timeout")
