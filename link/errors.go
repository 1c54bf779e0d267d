// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package link

import "fmt"

// ValidationError reports rejected input: empty or illegal-character
// identifiers, bad device paths, unsupported commands.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// TransportError reports device open, resolution, connect, read or write
// failures, including unexpected peer closure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or rejecting bridge reply.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return e.Reason }

// SubprocessError reports a missing helper binary or a non-zero remote exit.
type SubprocessError struct {
	Reason string
}

func (e *SubprocessError) Error() string { return e.Reason }

// NotConnectedError reports an operation against an empty session slot.
type NotConnectedError struct {
	What string
}

func (e *NotConnectedError) Error() string { return "no active " + e.What + " connection" }
