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
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSMirror uploads backups to a Google Cloud Storage bucket.
//
// # Description
//
// Every file of the backup, manifest included, becomes an object under
// "<prefix>/<backup name>/". The manifest is uploaded last so a listing
// that shows it shows a complete mirror.
type GCSMirror struct {
	client *storage.Client
	bucket string
	prefix string
}

// ParseGCSURI splits "gs://bucket/prefix" into bucket and prefix.
func ParseGCSURI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("mirror URI %q must start with gs://", uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("mirror URI %q has no bucket", uri)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// NewGCSMirror creates a mirror for uri. credentialsFile is a service
// account key; empty uses application default credentials.
func NewGCSMirror(ctx context.Context, uri, credentialsFile string, opts ...option.ClientOption) (*GCSMirror, error) {
	bucket, prefix, err := ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSMirror{client: client, bucket: bucket, prefix: prefix}, nil
}

// Upload copies the backup directory into the bucket.
func (g *GCSMirror) Upload(ctx context.Context, b *Backup) (string, error) {
	base := path.Join(g.prefix, b.Name)
	var manifest string
	err := filepath.WalkDir(b.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if p == filepath.Join(b.Path, manifestName) {
			manifest = p
			return nil
		}
		return g.uploadFile(ctx, b.Path, p, base)
	})
	if err != nil {
		return "", err
	}
	if manifest != "" {
		if err := g.uploadFile(ctx, b.Path, manifest, base); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, base), nil
}

func (g *GCSMirror) uploadFile(ctx context.Context, root, localPath, base string) error {
	rel, err := filepath.Rel(root, localPath)
	if err != nil {
		return err
	}
	objectName := path.Join(base, filepath.ToSlash(rel))

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open the local file: %s: %w", localPath, err)
	}
	defer f.Close()

	w := g.client.Bucket(g.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("failed to copy %s to gs://%s/%s: %w", localPath, g.bucket, objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", objectName, err)
	}
	return nil
}

// Close releases the storage client.
func (g *GCSMirror) Close() error {
	return g.client.Close()
}
