package client

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// HTTPError represents an HTTP error with status code.
type HTTPError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP error: %d", e.StatusCode)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String fallback for untyped transport errors.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection refused", "connection reset", "no such host", "eof"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// contextWindowPatterns are the vendor phrasings of a prompt that no longer
// fits the model's context window.
var contextWindowPatterns = []string{
	"context_length_exceeded",
	"maximum context length",
	"context window",
	"too many tokens",
	"prompt is too long",
	"prompt too long",
	"input is too long",
}

// outputLimitPatterns are the vendor phrasings of a completion cut off by
// the output token limit.
var outputLimitPatterns = []string{
	"max_tokens",
	"max output tokens",
	"could not finish the message",
	"completion length",
	"output limit",
}

// IsContextWindowError reports whether the error means the prompt exceeded
// the model's context window.
func IsContextWindowError(err error) bool {
	return matchesAny(err, contextWindowPatterns)
}

// IsOutputLimitError reports whether the error means the completion hit the
// output token limit.
func IsOutputLimitError(err error) bool {
	return matchesAny(err, outputLimitPatterns)
}

func matchesAny(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range patterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
