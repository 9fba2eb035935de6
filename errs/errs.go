// Package errs provides structured error types and helpers for Typewire components.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category raised by the pipeline.
type Code string

const (
	// CodeInvalidRecord indicates a malformed or oversized event record.
	CodeInvalidRecord Code = "invalid_record"
	// CodeOutOfRange indicates an index outside the valid payload range.
	CodeOutOfRange Code = "out_of_range"
	// CodeTruncated indicates a read past the declared record size.
	CodeTruncated Code = "truncated_record"
	// CodeQueueClosed indicates a submit against a closed queue.
	CodeQueueClosed Code = "queue_closed"
	// CodeStorage indicates a journal persistence failure.
	CodeStorage Code = "storage"
	// CodeNetwork indicates a forwarder transport failure.
	CodeNetwork Code = "network"
	// CodeScript indicates a filter script compilation or evaluation failure.
	CodeScript Code = "script"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the component is shutting down or saturated.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the Typewire stack.
type E struct {
	Component string
	Code      Code
	Message   string
	Device    uint32

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		Device:    0,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithDevice records the destination device the failing record addressed.
func WithDevice(device uint32) Option {
	return func(e *E) {
		e.Device = device
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Device != 0 {
		parts = append(parts, "device="+strconv.FormatUint(uint64(e.Device), 10))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err when it carries an envelope.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// IsOutOfRange reports whether err represents an out-of-range payload access.
func IsOutOfRange(err error) bool {
	return CodeOf(err) == CodeOutOfRange
}

// IsTruncated reports whether err represents a truncated-record read.
func IsTruncated(err error) bool {
	return CodeOf(err) == CodeTruncated
}
