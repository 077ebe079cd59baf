// Package voxerr defines the single error taxonomy shared by every voxrt
// subsystem. Every failure surfaced across package boundaries carries one of
// these classes so callers can decide whether to retry, back off, or abort.
package voxerr

import (
	"errors"
	"fmt"
)

// Class classifies a voxrt error for propagation-policy decisions.
type Class string

const (
	// Io covers file-not-found, permission-denied, and short-read failures.
	Io Class = "io"
	// NativeRuntime covers failures reported by the native tensor runtime.
	NativeRuntime Class = "native_runtime"
	// Shape covers tensor shape/rank mismatches against what a caller expected.
	Shape Class = "shape"
	// Tokenizer covers encode/decode failures in the SentencePiece tokenizer.
	Tokenizer Class = "tokenizer"
	// Runtime covers logic errors: empty prompt, missing metadata key, bad config.
	Runtime Class = "runtime"
	// UnsupportedDevice covers an execution provider that is unavailable.
	UnsupportedDevice Class = "unsupported_device"
	// Device covers audio/video device failures.
	Device Class = "device"
)

// Error is a classified, wrapped error.
type Error struct {
	Class Class
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Msg, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a message only.
func New(class Class, msg string) error {
	return &Error{Class: class, Msg: msg}
}

// Wrap builds a classified error wrapping an underlying cause.
func Wrap(class Class, msg string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Class: class, Msg: msg, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(class Class, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return &Error{Class: class, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ClassOf extracts the Class of err, walking the unwrap chain. Returns ("", false)
// if err (or anything it wraps) is not a *Error.
func ClassOf(err error) (Class, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}

	return "", false
}

// Is reports whether err is classified as class, anywhere in its unwrap chain.
func Is(err error, class Class) bool {
	c, ok := ClassOf(err)
	return ok && c == class
}
