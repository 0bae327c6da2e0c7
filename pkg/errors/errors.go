// Package errors provides the error taxonomy shared across the wsiarch
// pipeline. Errors carry structured fields and a stack trace from
// cockroachdb/errors, and implement zerolog.LogObjectMarshaler so they can be
// attached to structured log events.
//
// All errors are raised synchronously at the point of violation and are not
// recovered locally: a single malformed sample aborts the whole run. This is
// an offline experimentation tool, not a serving path.
package errors

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// NotFoundError reports a missing backing feature file, or a missing named
// dataset inside a container file.
type NotFoundError struct {
	Store string // store kind, e.g. "tensor" or "hdf5"
	ID    string // sample identifier from the metadata table
	Path  string // resolved on-disk path
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("wsiarch: %s store: feature artifact for sample %q not found at %s", e.Store, e.ID, e.Path)
}

// MarshalZerologObject adds the structured fields to a zerolog event.
func (e *NotFoundError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("store", e.Store).
		Str("sample_id", e.ID).
		Str("path", e.Path).
		Str("type", "NotFoundError")
}

// NewNotFoundError creates a NotFoundError with a stack trace attached.
func NewNotFoundError(store, id, path string) error {
	err := &NotFoundError{Store: store, ID: id, Path: path}
	return errors.WithStack(err)
}

// ShapeError reports a tensor whose shape violates a configured contract:
// a feature map exceeding the padding maxima, a sequence whose length does
// not match the configured maximum, or a model-internal shape invariant
// broken after a computation stage.
type ShapeError struct {
	Op       string
	Expected []int
	Got      []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("wsiarch: %s: shape mismatch, expected %v, got %v", e.Op, e.Expected, e.Got)
}

// MarshalZerologObject adds the structured fields to a zerolog event.
func (e *ShapeError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Ints("expected", e.Expected).
		Ints("got", e.Got).
		Str("type", "ShapeError")
}

// NewShapeError creates a ShapeError with a stack trace attached.
func NewShapeError(op string, expected, got []int) error {
	err := &ShapeError{Op: op, Expected: expected, Got: got}
	return errors.WithStack(err)
}

// ConfigError reports an invalid hyperparameter combination detected at
// construction time, before any forward pass runs.
type ConfigError struct {
	Param  string
	Reason string
	Value  interface{}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("wsiarch: invalid configuration for %q: %s (got: %v)", e.Param, e.Reason, e.Value)
}

// MarshalZerologObject adds the structured fields to a zerolog event.
func (e *ConfigError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("param", e.Param).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "ConfigError")
}

// NewConfigError creates a ConfigError with a stack trace attached.
func NewConfigError(param, reason string, value interface{}) error {
	err := &ConfigError{Param: param, Reason: reason, Value: value}
	return errors.WithStack(err)
}

// Passthroughs so callers only import this package.

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with a message.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New creates a new error with a stack trace.
func New(message string) error {
	return errors.New(message)
}

// Newf creates a new formatted error with a stack trace.
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// WithStack annotates err with a stack trace.
func WithStack(err error) error {
	return errors.WithStack(err)
}
