// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

const cleanerInterval = 10 * time.Minute

var cleanerStop chan struct{}

// configureLogDirCleanerLocked starts (or stops) the background log
// directory cleaner. Caller holds writerMu. A maxTotalSizeMB of 0 disables
// cleaning.
func configureLogDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopLogDirCleanerLocked()
	if maxTotalSizeMB <= 0 {
		return
	}

	stop := make(chan struct{})
	cleanerStop = stop
	go func() {
		ticker := time.NewTicker(cleanerInterval)
		defer ticker.Stop()
		cleanLogDir(logDir, maxTotalSizeMB, protectedPath)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cleanLogDir(logDir, maxTotalSizeMB, protectedPath)
			}
		}
	}()
}

func stopLogDirCleanerLocked() {
	if cleanerStop != nil {
		close(cleanerStop)
		cleanerStop = nil
	}
}

// cleanLogDir deletes the oldest regular files under logDir until the total
// size is within maxTotalSizeMB. The active log file is never deleted.
func cleanLogDir(logDir string, maxTotalSizeMB int, protectedPath string) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}

	type logFile struct {
		path    string
		size    int64
		modTime time.Time
	}
	var (
		files []logFile
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil {
			continue
		}
		path := filepath.Join(logDir, entry.Name())
		files = append(files, logFile{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}

	limit := int64(maxTotalSizeMB) * 1024 * 1024
	if total <= limit {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files {
		if total <= limit {
			break
		}
		if f.path == protectedPath {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			log.Debugf("log cleaner: could not remove %s: %v", f.path, err)
			continue
		}
		total -= f.size
	}
}
