// Copyright 2025 Gaigentic AI
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs defines the typed errors every Regulens public call returns.
//
// The platform distinguishes five error kinds: validation (bad input, never
// retried), backpressure (bounded queue full, caller retries or sheds),
// persistence (store write failed after retries), timeout (deadline hit),
// and breaker open (downstream fenced off). Internal covers programming
// faults surfaced at a worker boundary.
package errs

import "errors"

// Kind classifies a platform error.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindBackpressure Kind = "backpressure"
	KindPersistence  Kind = "persistence"
	KindTimeout      Kind = "timeout"
	KindBreakerOpen  Kind = "breaker_open"
	KindInternal     Kind = "internal"
)

// Error carries the kind plus the component and operation that produced it.
type Error struct {
	Kind      Kind
	Component string
	Op        string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Component + "." + e.Op + ": " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return e.Component + "." + e.Op + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, component, op, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Op:        op,
		Message:   message,
		Cause:     cause,
	}
}

// Validation creates a validation error. Validation errors are surfaced
// synchronously, never retried, and never open a circuit breaker.
func Validation(component, op, message string, cause error) *Error {
	return New(KindValidation, component, op, message, cause)
}

// Backpressure creates a backpressure error for a full bounded queue.
func Backpressure(component, op, message string, cause error) *Error {
	return New(KindBackpressure, component, op, message, cause)
}

// Persistence creates a persistence error for a store failure that survived
// the adapter's retries.
func Persistence(component, op, message string, cause error) *Error {
	return New(KindPersistence, component, op, message, cause)
}

// Timeout creates a timeout error for a blown deadline.
func Timeout(component, op, message string, cause error) *Error {
	return New(KindTimeout, component, op, message, cause)
}

// Internal creates an internal error for an unexpected fault caught at a
// worker boundary.
func Internal(component, op, message string, cause error) *Error {
	return New(KindInternal, component, op, message, cause)
}

// KindOf returns the kind of err, or empty when err is not a platform Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err is a platform Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsBackpressure reports whether err is a backpressure error.
func IsBackpressure(err error) bool { return IsKind(err, KindBackpressure) }

// IsPersistence reports whether err is a persistence error.
func IsPersistence(err error) bool { return IsKind(err, KindPersistence) }

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }

// IsBreakerOpen reports whether err is a breaker-open error.
func IsBreakerOpen(err error) bool { return IsKind(err, KindBreakerOpen) }
