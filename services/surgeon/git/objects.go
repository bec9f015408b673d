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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// BlobSizes returns the decompressed size of each blob in ids. Objects that
// are missing or are not blobs are omitted.
func (c *Client) BlobSizes(ctx context.Context, ids []string) (map[string]int64, error) {
	sizes := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return sizes, nil
	}
	out, err := c.exec(ctx, strings.NewReader(strings.Join(ids, "\n")+"\n"),
		"cat-file", "--batch-check=%(objectname) %(objecttype) %(objectsize)")
	if err != nil {
		return nil, fmt.Errorf("reading blob sizes: %w", err)
	}
	for _, line := range splitLines(strings.TrimSpace(string(out))) {
		f := strings.Fields(line)
		if len(f) != 3 || f[1] != "blob" {
			continue
		}
		n, err := strconv.ParseInt(f[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed object size %q: %w", line, err)
		}
		sizes[f[0]] = n
	}
	return sizes, nil
}

// BlobVisitor receives one blob's content. Returning an error stops the scan.
type BlobVisitor func(id string, content []byte) error

// ScanBlobs streams the content of every blob in ids to visit, in order.
//
// # Description
//
// Uses a single `git cat-file --batch` process. Each blob is read fully
// into memory before visit is called, so callers should pre-filter very
// large blobs by size.
func (c *Client) ScanBlobs(ctx context.Context, ids []string, visit BlobVisitor) error {
	if len(ids) == 0 {
		return nil
	}
	stdin := strings.NewReader(strings.Join(ids, "\n") + "\n")
	return c.stream(ctx, stdin, func(r io.Reader) error {
		return readBatch(bufio.NewReaderSize(r, 64*1024), visit)
	}, "cat-file", "--batch")
}

// readBatch parses `git cat-file --batch` output:
//
//	<id> <type> <size>\n<content>\n
//
// Missing objects produce "<id> missing\n" and are skipped.
func readBatch(r *bufio.Reader, visit BlobVisitor) error {
	for {
		header, err := r.ReadString('\n')
		if err == io.EOF && header == "" {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading batch header: %w", err)
		}
		f := strings.Fields(header)
		if len(f) == 2 && f[1] == "missing" {
			continue
		}
		if len(f) != 3 {
			return fmt.Errorf("malformed batch header %q", header)
		}
		size, err := strconv.ParseInt(f[2], 10, 64)
		if err != nil {
			return fmt.Errorf("malformed batch size %q: %w", header, err)
		}
		content := make([]byte, size)
		if _, err := io.ReadFull(r, content); err != nil {
			return fmt.Errorf("reading object %s: %w", f[0], err)
		}
		if _, err := r.Discard(1); err != nil {
			return fmt.Errorf("reading object %s terminator: %w", f[0], err)
		}
		if f[1] != "blob" {
			continue
		}
		if err := visit(f[0], content); err != nil {
			return err
		}
	}
}

// binarySniffLen matches git's own heuristic window.
const binarySniffLen = 8000

// IsBinary reports whether content looks binary: a NUL byte within the
// first 8000 bytes.
func IsBinary(content []byte) bool {
	n := len(content)
	if n > binarySniffLen {
		n = binarySniffLen
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}
