/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package ioerr defines the stable error taxonomy for RingMaster and a
// logrus formatter that renders it as the spec-mandated
// `Error: <message> (Code: <n>)` line.
package ioerr

import "fmt"

// Code is a stable error taxonomy identifier. Values are part of the
// wire contract with embedders and must not be renumbered.
type Code int

const (
	None Code = iota
	MemoryAllocFailed
	SocketCreateFailed
	SocketBindFailed
	SocketListenFailed
	URingInitFailed
	URingQueueFull
	ConnectionLimitReached
	InvalidArgument
	ResourceInitFailed
)

var names = [...]string{
	"NONE",
	"MEMORY_ALLOC_FAILED",
	"SOCKET_CREATE_FAILED",
	"SOCKET_BIND_FAILED",
	"SOCKET_LISTEN_FAILED",
	"URING_INIT_FAILED",
	"URING_QUEUE_FULL",
	"CONNECTION_LIMIT_REACHED",
	"INVALID_ARGUMENT",
	"RESOURCE_INIT_FAILED",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(names) {
		return "UNKNOWN"
	}
	return names[c]
}

// Fatal reports whether an error of this code must terminate the process
// when it occurs during startup (spec.md §7 policy).
func (c Code) Fatal() bool {
	switch c {
	case MemoryAllocFailed, SocketCreateFailed, SocketBindFailed,
		SocketListenFailed, URingInitFailed, ResourceInitFailed:
		return true
	default:
		return false
	}
}

// Error is the concrete error type carrying a taxonomy Code plus a
// human-readable message. It implements `error` and is the value logged
// through the logrus Formatter in this package.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (Code: %d): %v", e.Message, int(e.Code), e.Cause)
	}
	return fmt.Sprintf("%s (Code: %d)", e.Message, int(e.Code))
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Line renders the literal `Error: <message> (Code: <n>)` form required
// by spec.md §7, independent of any Cause chaining (Cause is not part of
// this line; Error() is the form that appends it).
func (e *Error) Line() string {
	return fmt.Sprintf("Error: %s (Code: %d)", e.Message, int(e.Code))
}
