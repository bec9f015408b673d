// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Progress is reported while copying or hashing a tree.
type Progress struct {
	Phase      string
	Files      int64
	TotalFiles int64
	Bytes      int64
	TotalBytes int64
}

type fileJob struct {
	rel  string
	mode fs.FileMode
	size int64
}

// scanTree lists the files and directories under root, sorted.
func scanTree(root string) (dirs []fileJob, files []fileJob, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		job := fileJob{rel: filepath.ToSlash(rel), mode: info.Mode(), size: info.Size()}
		switch {
		case d.IsDir():
			dirs = append(dirs, job)
		case info.Mode().IsRegular(), info.Mode()&fs.ModeSymlink != 0:
			files = append(files, job)
		}
		return nil
	})
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return dirs, files, err
}

// tracker throttles progress callbacks.
type tracker struct {
	phase      string
	files      atomic.Int64
	bytes      atomic.Int64
	totalFiles int64
	totalBytes int64
	report     func(Progress)
	sometimes  rate.Sometimes
}

func newTracker(phase string, files []fileJob, report func(Progress)) *tracker {
	t := &tracker{phase: phase, report: report, sometimes: rate.Sometimes{Interval: 250 * time.Millisecond}}
	t.totalFiles = int64(len(files))
	for _, f := range files {
		t.totalBytes += f.size
	}
	return t
}

func (t *tracker) add(size int64) {
	t.files.Add(1)
	t.bytes.Add(size)
	if t.report != nil {
		t.sometimes.Do(t.emit)
	}
}

func (t *tracker) emit() {
	t.report(Progress{
		Phase:      t.phase,
		Files:      t.files.Load(),
		TotalFiles: t.totalFiles,
		Bytes:      t.bytes.Load(),
		TotalBytes: t.totalBytes,
	})
}

func (t *tracker) done() {
	if t.report != nil {
		t.emit()
	}
}

// copyTree copies src into dst (which must not exist) with a bounded worker
// pool, hashing each file as it is written.
func copyTree(ctx context.Context, src, dst string, workers int, report func(Progress)) ([]Entry, error) {
	dirs, files, err := scanTree(src)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", src, err)
	}
	if err := os.Mkdir(dst, 0755); err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(dst, filepath.FromSlash(d.rel)), d.mode.Perm()|0700); err != nil {
			return nil, err
		}
	}

	entries := make([]Entry, len(files))
	progress := newTracker("copy", files, report)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e, err := copyFile(filepath.Join(src, filepath.FromSlash(f.rel)), filepath.Join(dst, filepath.FromSlash(f.rel)), f)
			if err != nil {
				return fmt.Errorf("copy %s: %w", f.rel, err)
			}
			entries[i] = e
			progress.add(e.Size)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	progress.done()
	return entries, nil
}

func copyFile(src, dst string, f fileJob) (Entry, error) {
	if f.mode&fs.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return Entry{}, err
		}
		if err := os.Symlink(target, dst); err != nil {
			return Entry{}, err
		}
		return symlinkEntry(f, target), nil
	}

	in, err := os.Open(src)
	if err != nil {
		return Entry{}, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, f.mode.Perm())
	if err != nil {
		return Entry{}, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{Path: f.rel, Size: n, SHA256: hex.EncodeToString(h.Sum(nil)), Mode: f.mode.Perm()}, nil
}

func symlinkEntry(f fileJob, target string) Entry {
	sum := sha256.Sum256([]byte(target))
	return Entry{Path: f.rel, Size: int64(len(target)), SHA256: hex.EncodeToString(sum[:]), Mode: fs.ModeSymlink}
}

// hashTree computes entries for every file under root.
func hashTree(ctx context.Context, root string, workers int, report func(Progress)) ([]Entry, error) {
	_, files, err := scanTree(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	entries := make([]Entry, len(files))
	progress := newTracker("verify", files, report)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e, err := hashFile(filepath.Join(root, filepath.FromSlash(f.rel)), f)
			if err != nil {
				return fmt.Errorf("hash %s: %w", f.rel, err)
			}
			entries[i] = e
			progress.add(e.Size)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	progress.done()
	return entries, nil
}

func hashFile(path string, f fileJob) (Entry, error) {
	if f.mode&fs.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return Entry{}, err
		}
		return symlinkEntry(f, target), nil
	}
	in, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer in.Close()
	h := sha256.New()
	n, err := io.Copy(h, in)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Path: f.rel, Size: n, SHA256: hex.EncodeToString(h.Sum(nil)), Mode: f.mode.Perm()}, nil
}
