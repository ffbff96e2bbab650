// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestLogFormatter_SessionID(t *testing.T) {
	formatter := &LogFormatter{}
	entry := &log.Entry{
		Logger:  log.StandardLogger(),
		Time:    time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Level:   log.InfoLevel,
		Message: "completion accepted\n",
		Data:    log.Fields{"session_id": "a1b2c3d4"},
	}

	out, err := formatter.Format(entry)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	line := string(out)

	if !strings.Contains(line, "[a1b2c3d4]") {
		t.Errorf("Expected session ID in output, got: %s", line)
	}
	if !strings.Contains(line, "[info ]") {
		t.Errorf("Expected padded level in output, got: %s", line)
	}
	if !strings.HasSuffix(line, "completion accepted\n") {
		t.Errorf("Trailing newline in message should be trimmed, got: %s", line)
	}
}

func TestLogFormatter_NoSessionIDPlaceholder(t *testing.T) {
	formatter := &LogFormatter{}
	entry := &log.Entry{
		Logger:  log.StandardLogger(),
		Time:    time.Now(),
		Level:   log.WarnLevel,
		Message: "provider unreachable",
		Data:    log.Fields{},
	}

	out, err := formatter.Format(entry)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	line := string(out)

	if !strings.Contains(line, "[--------]") {
		t.Errorf("Expected placeholder for absent session ID, got: %s", line)
	}
	if !strings.Contains(line, "[warn ]") {
		t.Errorf("Expected warning shortened to warn, got: %s", line)
	}
}

func TestLogFormatter_ExtraFields(t *testing.T) {
	formatter := &LogFormatter{}
	entry := &log.Entry{
		Logger:  log.StandardLogger(),
		Time:    time.Now(),
		Level:   log.InfoLevel,
		Message: "preview filled",
		Data:    log.Fields{"session_id": "a1b2c3d4", "step": 4},
	}

	out, err := formatter.Format(entry)
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if !strings.Contains(string(out), "step=4") {
		t.Errorf("Expected extra field in output, got: %s", out)
	}
}

func TestCleanLogDir_RemovesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.log")
	newPath := filepath.Join(dir, "new.log")
	mainPath := filepath.Join(dir, "main.log")

	payload := make([]byte, 600*1024)
	for _, p := range []string{oldPath, newPath, mainPath} {
		if err := os.WriteFile(p, payload, 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", p, err)
		}
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatalf("Failed to age file: %v", err)
	}

	// Three 600KB files against a 1MB limit: the oldest unprotected file
	// must go, then the next oldest, and main.log must survive.
	cleanLogDir(dir, 1, mainPath)

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("Oldest log file should have been removed")
	}
	if _, err := os.Stat(mainPath); err != nil {
		t.Errorf("Active log file must never be removed: %v", err)
	}
}

func TestCleanLogDir_WithinLimitUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.log")
	if err := os.WriteFile(path, []byte("tiny"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	cleanLogDir(dir, 1, "")

	if _, err := os.Stat(path); err != nil {
		t.Errorf("File within limit should remain: %v", err)
	}
}
