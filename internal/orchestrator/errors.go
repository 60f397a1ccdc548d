// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package orchestrator

import "fmt"

// ArgumentError is a malformed CLI invocation; it aborts before any child
// is spawned.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return "argument error: " + e.Msg }

// StartupError is a failure during the fixed startup sequence of spec
// §4.6 (socket bind, log file create, missing config, watcher init):
// fatal, and any already-spawned children are killed before returning.
type StartupError struct {
	Msg string
	Err error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("startup error: %s: %s", e.Msg, e.Err)
	}
	return "startup error: " + e.Msg
}

func (e *StartupError) Unwrap() error { return e.Err }

// MessageError is a malformed inbound interesting-input or metric reply.
// Fatal to the loop; children are drained via the stop procedure.
type MessageError struct {
	Err error
}

func (e *MessageError) Error() string { return fmt.Sprintf("message error: %s", e.Err) }
func (e *MessageError) Unwrap() error { return e.Err }

// TransportError is a socket send/recv failure during evaluation. Fatal.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %s", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ChildExitObserved is not an error per se, but it triggers shutdown: some
// driver's child process has terminated (normally or not).
type ChildExitObserved struct {
	FuzzerID string
	Success  bool
}

func (e *ChildExitObserved) Error() string {
	status := "with error"
	if e.Success {
		status = "normally"
	}
	return fmt.Sprintf("%s exited %s", e.FuzzerID, status)
}

// IoError is a log write failure. Fatal.
type IoError struct {
	Err error
}

func (e *IoError) Error() string { return fmt.Sprintf("io error: %s", e.Err) }
func (e *IoError) Unwrap() error { return e.Err }
