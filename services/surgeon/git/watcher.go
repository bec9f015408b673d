// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package git

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// RefWatcher records ref movement in a git directory.
//
// # Description
//
// Watches HEAD, packed-refs and every directory under refs/heads so that a
// branch moved by another process between plan resolution and execution is
// noticed early. The tip comparison done under the repository lock remains
// the authoritative staleness check; the watcher only lets the pipeline
// fail before it spends time on a backup.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type RefWatcher struct {
	gitDir  string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu      sync.Mutex
	changed map[string]struct{}
}

// NewRefWatcher creates a watcher for the refs of gitDir.
func NewRefWatcher(gitDir string, logger *slog.Logger) (*RefWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefWatcher{
		gitDir:  gitDir,
		watcher: watcher,
		logger:  logger.With("component", "ref_watcher"),
		changed: make(map[string]struct{}),
	}, nil
}

// Start registers the watches and processes events in a goroutine until ctx
// is cancelled or Close is called. Watches are in place when Start returns.
func (w *RefWatcher) Start(ctx context.Context) error {
	// HEAD and packed-refs are replaced by rename, so watch the directory.
	if err := w.watcher.Add(w.gitDir); err != nil {
		return err
	}
	heads := filepath.Join(w.gitDir, "refs", "heads")
	err := filepath.WalkDir(heads, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if addErr := w.watcher.Add(path); addErr != nil {
				w.logger.Debug("failed to watch ref directory", "path", path, "error", addErr)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

func (w *RefWatcher) loop(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("ref watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (w *RefWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	rel, err := filepath.Rel(w.gitDir, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if strings.HasSuffix(rel, ".lock") {
		return
	}
	if rel != "HEAD" && rel != "packed-refs" && !strings.HasPrefix(rel, "refs/heads/") {
		return
	}

	// New branch namespaces (refs/heads/feature/) need their own watch.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(event.Name)
			return
		}
	}

	w.mu.Lock()
	w.changed[rel] = struct{}{}
	w.mu.Unlock()
	w.logger.Debug("ref changed", "ref", rel, "op", event.Op.String())
}

// Changed returns the refs (relative to the git dir) that moved since Start,
// sorted.
func (w *RefWatcher) Changed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.changed))
	for ref := range w.changed {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// Close stops the watcher. Safe to call multiple times.
func (w *RefWatcher) Close() error {
	return w.watcher.Close()
}
