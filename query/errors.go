//  Copyright (c) 2021-2024 Magma Authors.
//
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

package query

import (
	"github.com/pkg/errors"
)

// ErrorKind classifies query failures so the orchestrating layer can decide
// between retrying, falling back and surfacing.
type ErrorKind int

// Query failure kinds.
const (
	// ErrorKindFatal is an unrecoverable query failure.
	ErrorKindFatal ErrorKind = iota
	// ErrorKindMustRunOnCpu signals the caller to retry the query on the
	// CPU path. Not fatal.
	ErrorKindMustRunOnCpu
	// ErrorKindCardinalityEstimationRequired signals the caller to run a
	// cardinality estimation pass before retrying a baseline-hash group by.
	ErrorKindCardinalityEstimationRequired
	// ErrorKindColumnarConversionNotSupported is raised when a varlen
	// target is requested through the simple conversion path.
	ErrorKindColumnarConversionNotSupported
	// ErrorKindInterrupted is a cooperative cancellation observed by a
	// row-level check or a columnarizer poll.
	ErrorKindInterrupted
	// ErrorKindWatchdogTimeout is the dynamic watchdog firing inside
	// generated code.
	ErrorKindWatchdogTimeout
	// ErrorKindOutOfMemory is a device or artifact-upload memory failure.
	ErrorKindOutOfMemory
	// ErrorKindIRParse is malformed generated code. Always fatal.
	ErrorKindIRParse
)

var errorKindNames = map[ErrorKind]string{
	ErrorKindFatal:                          "fatal",
	ErrorKindMustRunOnCpu:                   "must run on cpu",
	ErrorKindCardinalityEstimationRequired:  "cardinality estimation required",
	ErrorKindColumnarConversionNotSupported: "columnar conversion not supported",
	ErrorKindInterrupted:                    "interrupted",
	ErrorKindWatchdogTimeout:                "watchdog timeout",
	ErrorKindOutOfMemory:                    "out of memory",
	ErrorKindIRParse:                        "ir parse",
}

func (k ErrorKind) String() string {
	return errorKindNames[k]
}

// Error is a query failure tagged with its kind.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

// NewError creates a query error of the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: errors.Errorf(format, args...).Error()}
}

// WrapError tags an underlying error with a kind.
func WrapError(kind ErrorKind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the error kind; non-query errors report ErrorKindFatal.
func KindOf(err error) ErrorKind {
	if qerr, ok := errors.Cause(err).(*Error); ok {
		return qerr.Kind
	}
	if qerr, ok := err.(*Error); ok {
		return qerr.Kind
	}
	return ErrorKindFatal
}

// IsInterrupted reports whether the error is a cooperative cancellation.
func IsInterrupted(err error) bool {
	return err != nil && KindOf(err) == ErrorKindInterrupted
}
