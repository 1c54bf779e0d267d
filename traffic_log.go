// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// TrafficLog appends every serial line (both directions) to a per-session
// file on disk. A logger that failed to open its file degrades to a no-op so
// serial traffic keeps flowing.
type TrafficLog struct {
	file *os.File
}

func NewTrafficLog(logDir string) *TrafficLog {
	tl := &TrafficLog{}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		slog.Error("Failed to create log directory", "dir", logDir, "error", err)
		return tl
	}

	filename := tl.findNextFileName(logDir, time.Now())
	if filename == "" {
		slog.Error("Failed to read log directory, continuing without traffic log", "dir", logDir)
		return tl
	}

	logPath := filepath.Join(logDir, filename)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Error("Failed to create traffic log file", "path", logPath, "error", err)
		return tl
	}

	tl.file = file
	slog.Info("Created traffic log file", "path", logPath)

	return tl
}

// findNextFileName scans the log directory for existing session files
// and returns the next available filename for today
func (tl *TrafficLog) findNextFileName(logDir string, now time.Time) string {
	today := now.Format("2006-01-02")

	entries, err := os.ReadDir(logDir)
	if err != nil {
		return ""
	}
	// Pattern to match: YYYY-MM-DD-sessN-serial.txt
	pattern := regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})-sess(\d+)-serial\.txt$`)
	maxSession := -1

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		matches := pattern.FindStringSubmatch(entry.Name())
		if len(matches) == 3 {
			// Only consider files from today
			if matches[1] == today {
				sessionNum, err := strconv.Atoi(matches[2])
				if err == nil && sessionNum > maxSession {
					maxSession = sessionNum
				}
			}
		}
	}

	return fmt.Sprintf("%s-sess%d-serial.txt", today, maxSession+1)
}

func (tl *TrafficLog) AddLine(lineNum int, dir string, payload string) {
	if tl.file == nil {
		return
	}

	logLine := fmt.Sprintf("%s %d %s %s\n",
		formatLinkTime(time.Now()), lineNum, dir, payload)

	if _, err := tl.file.WriteString(logLine); err != nil {
		slog.Error("Failed to write to traffic log", "error", err)
		return
	}

	// Flush to ensure immediate write
	tl.file.Sync()
}

func (tl *TrafficLog) Close() {
	if tl.file == nil {
		return
	}

	tl.file.Close()
	tl.file = nil
}
