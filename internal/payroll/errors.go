package payroll

import (
	"errors"
	"fmt"
)

// ErrUnsupportedLanguage is wrapped by a GatewayError when the requested
// invitation language is neither "en" nor "es".
var ErrUnsupportedLanguage = errors.New("unsupported invitation language")

// GatewayError is the single error kind returned by Client. StatusCode is 0
// when no HTTP response was received.
type GatewayError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("payroll %s: status %d: %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("payroll %s: %s", e.Op, msg)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// countsAsFailure reports whether err should trip the circuit breaker.
// Client-side rejections (4xx, bad input) say nothing about provider health.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		if errors.Is(gwErr.Err, ErrUnsupportedLanguage) {
			return false
		}
		if gwErr.StatusCode >= 400 && gwErr.StatusCode < 500 {
			return false
		}
	}
	return true
}
