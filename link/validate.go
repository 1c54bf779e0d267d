// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package link

import (
	"strings"
)

func isIdentifierChar(ch rune) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		return true
	case ch == '.' || ch == '-' || ch == '_':
		return true
	}
	return false
}

// SanitizeIdentifier accepts non-empty strings of [A-Za-z0-9._-] and returns
// them unchanged. fieldName is only used in the error message.
func SanitizeIdentifier(value, fieldName string) (string, error) {
	if value == "" {
		return "", validationErrorf("%s cannot be empty", fieldName)
	}
	for _, ch := range value {
		if !isIdentifierChar(ch) {
			return "", validationErrorf("invalid characters in %s", fieldName)
		}
	}
	return value, nil
}

// SanitizeDevicePath accepts absolute /dev/ paths of [A-Za-z0-9/._-].
func SanitizeDevicePath(path string) (string, error) {
	if !strings.HasPrefix(path, "/dev/") {
		return "", validationErrorf("serial path must start with /dev/")
	}
	for _, ch := range path {
		if !isIdentifierChar(ch) && ch != '/' {
			return "", validationErrorf("serial path contains invalid characters")
		}
	}
	return path, nil
}

// NormalizeCommand reduces a mecanum command to its canonical single letter:
// the first character of the trimmed input, upper-cased.
func NormalizeCommand(command string) (byte, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return 0, validationErrorf("command cannot be empty")
	}
	cmd := trimmed[0]
	if cmd >= 'a' && cmd <= 'z' {
		cmd -= 'a' - 'A'
	}
	switch cmd {
	case 'F', 'B', 'L', 'R', 'Q', 'E', 'S':
		return cmd, nil
	}
	return 0, validationErrorf("unsupported mecanum command (allowed: F,B,L,R,Q,E,S)")
}

// ShellQuote wraps value in single quotes for a POSIX shell. Embedded single
// quotes close the quote, emit an escaped quote, and reopen.
func ShellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampDuration bounds a hold duration to the range the firmware accepts.
func ClampDuration(durationMS int) int {
	return clampInt(durationMS, 0, 10000)
}

// ClampBaud bounds a baud rate to the range the remote python driver accepts.
func ClampBaud(baud int) int {
	return clampInt(baud, 1200, 1000000)
}
