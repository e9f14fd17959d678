/*
Copyright 2024 The VPNC Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package vpncerr defines the error taxonomy shared across the config
// store, allocator, reconciler, and connection drivers.
package vpncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of retry policy and
// surfacing to the CLI/status endpoint.
type Kind int

const (
	// KindOther is any error not otherwise classified.
	KindOther Kind = iota
	// KindInvalidConfig marks a structural or semantic validation failure.
	// It is surfaced to the CLI and never applied.
	KindInvalidConfig
	// KindAllocatorExhausted marks service prefixes too small for the
	// configured tenants. Surfaced at commit time.
	KindAllocatorExhausted
	// KindDriverTransient marks a timeout or disconnect talking to a
	// subordinate daemon or the kernel. The owning connection moves to
	// DEGRADED and is retried on the supervisor's next reconcile pass,
	// which runs at a fixed interval; no exponential backoff is applied.
	KindDriverTransient
	// KindDriverFatal marks configuration rejected by a subordinate
	// daemon. Logged; the connection stays CONFIGURED with a reason.
	KindDriverFatal
	// KindKernelBusy marks a retryable EBUSY/EEXIST from rtnl.
	KindKernelBusy
	// KindSAReapFailed marks an SA delete that failed after its retry
	// budget was exhausted.
	KindSAReapFailed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidConfig:
		return "InvalidConfig"
	case KindAllocatorExhausted:
		return "AllocatorExhausted"
	case KindDriverTransient:
		return "DriverTransient"
	case KindDriverFatal:
		return "DriverFatal"
	case KindKernelBusy:
		return "KernelBusy"
	case KindSAReapFailed:
		return "SAReapFailed"
	default:
		return "Other"
	}
}

// Error is a classified error carrying enough context to decide a retry
// policy and to render a CLI-facing message.
type Error struct {
	Kind Kind
	// Path is the offending config path for InvalidConfig, or the
	// component/identity path for driver errors (e.g. "C0001/C0001-00/0").
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and path.
func New(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// Invalid builds an InvalidConfig error citing the offending path.
func Invalid(path string, format string, args ...any) *Error {
	return New(KindInvalidConfig, path, fmt.Errorf(format, args...))
}

// Is classifies err as the given kind. It walks the error chain so that
// wrapped errors are still recognized.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or KindOther if err is not a
// classified *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// Retryable reports whether err's kind is recovered locally via retry
// rather than surfaced as a terminal failure.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindDriverTransient, KindKernelBusy:
		return true
	default:
		return false
	}
}
