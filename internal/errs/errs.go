// Package errs classifies receiver failures so callers can decide whether a
// failure is fatal, recoverable, or terminal for a single message.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindConfig is fatal and only raised during startup
	KindConfig
	// KindConnection triggers the reconnect procedure
	KindConnection
	// KindParse drops a single message
	KindParse
	// KindLookup is a geocoding failure
	KindLookup
	// KindStore is a persistence failure
	KindStore
	// KindValidation rejects a write with absent inputs
	KindValidation
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindConnection:
		return "connection"
	case KindParse:
		return "parse"
	case KindLookup:
		return "lookup"
	case KindStore:
		return "store"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error wraps an error with its kind and the operation that produced it
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with kind and op. A nil err stays nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost kind found in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries kind anywhere in its chain
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
