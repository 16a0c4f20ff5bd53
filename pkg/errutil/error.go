package errutil

import (
	"errors"
	"fmt"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = details }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

// Code extracts the CoreStatus from err, StatusUnknown when err carries none.
func Code(err error) CoreStatus {
	if err == nil {
		return ""
	}
	var base BaseError
	if errors.As(err, &base) {
		return base.Code
	}
	var coder interface{ Status() CoreStatus }
	if errors.As(err, &coder) {
		return coder.Status()
	}
	return StatusUnknown
}

// IsCode reports whether err classifies as the given status.
func IsCode(err error, code CoreStatus) bool {
	return Code(err) == code
}

func Validation(msg string, options ...Option) error {
	return New(StatusValidation, msg, options...)
}

func NotFound(msg string, options ...Option) error {
	return New(StatusNotFound, msg, options...)
}

func Precondition(msg string, options ...Option) error {
	return New(StatusPrecondition, msg, options...)
}

func Concurrency(msg string, options ...Option) error {
	return New(StatusConcurrency, msg, options...)
}

func Dispatch(msg string, options ...Option) error {
	return New(StatusDispatch, msg, options...)
}

func Timeout(msg string, options ...Option) error {
	return New(StatusTimeout, msg, options...)
}

func Internal(msg string, options ...Option) error {
	return New(StatusInternal, msg, options...)
}
