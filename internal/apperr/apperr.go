// Package apperr defines the error taxonomy shared by the ingestion gate,
// the archive scanner, the process runner and the orchestrator.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for propagation and client reporting.
type Kind string

const (
	KindInput       Kind = "INPUT_ERROR"
	KindSecurity    Kind = "SECURITY_RISK"
	KindUnsupported Kind = "UNSUPPORTED_FORMAT"
	KindToolMissing Kind = "TOOL_MISSING"
	KindToolCrash   Kind = "TOOL_CRASH"
	KindTimeout     Kind = "JOB_TIMEOUT"
	KindSystem      Kind = "INTERNAL_ERROR"
)

// Error carries a Kind plus optional tool diagnostics.
type Error struct {
	Kind    Kind
	Message string
	// ExitCode and Stderr are set for KindToolCrash.
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Kind == KindToolCrash {
		if line := lastLine(e.Stderr); line != "" {
			msg += ": " + line
		}
	}
	if e.Err != nil && msg == "" {
		return e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind that unwraps to err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindSystem when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindSystem
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Stderr returns the captured tool stderr from err's chain, if any.
func Stderr(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stderr
	}
	return ""
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
