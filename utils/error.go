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

package utils

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// StackedError carries the message chain accumulated while an error
// propagates up, plus the stack of the goroutine that created it.
type StackedError struct {
	Messages []string `json:"messages"`
	Stack    []string `json:"stack"`
}

// Error renders the messages newest first, followed by the stack.
func (e *StackedError) Error() string {
	var b strings.Builder
	for i := len(e.Messages) - 1; i >= 0; i-- {
		b.WriteString(e.Messages[i])
		b.WriteString("\n")
	}
	b.WriteString(strings.Join(e.Stack, "\n"))
	return b.String()
}

func captureStack() []string {
	buf := make([]byte, 0x10000)
	n := runtime.Stack(buf, false)
	return strings.Split(strings.TrimRight(string(buf[:n]), "\n"), "\n")
}

// StackError appends one message to err. A StackedError is extended in
// place; any other error (or nil) seeds a new StackedError with the stack
// of the calling goroutine.
func StackError(err error, message string, args ...interface{}) *StackedError {
	e, ok := err.(*StackedError)
	if !ok {
		var messages []string
		if err != nil {
			messages = append(messages, err.Error())
		}
		e = &StackedError{Messages: messages, Stack: captureStack()}
	}
	if message != "" {
		e.Messages = append(e.Messages, fmt.Sprintf(message, args...))
	}
	return e
}

// RecoverWrap runs call with a recover guard, converting any panic into the
// returned error.
func RecoverWrap(call func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch x := r.(type) {
			case string:
				err = errors.New(x)
			case error:
				err = x
			default:
				err = errors.New("Unknown panic")
			}
		}
	}()

	err = call()
	return
}
