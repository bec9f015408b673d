// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
)

var (
	// ErrNotFound indicates no record has the requested ID.
	ErrNotFound = errors.New("journal record not found")

	// ErrClosed indicates the journal was used after Close.
	ErrClosed = errors.New("journal is closed")

	// ErrCorrupted indicates a stored value failed its checksum.
	ErrCorrupted = errors.New("journal record corrupted")
)

const (
	runPrefix    = "run:"
	runIDPrefix  = "runid:"
	backupPrefix = "backup:"
)

// RunRecord is the journal entry of one pipeline run.
type RunRecord struct {
	ID          string         `json:"id" yaml:"id"`
	Repo        string         `json:"repo" yaml:"repo"`
	Kind        operation.Kind `json:"kind" yaml:"kind"`
	DryRun      bool           `json:"dry_run" yaml:"dry_run"`
	Status      string         `json:"status" yaml:"status"`
	FinalState  string         `json:"final_state" yaml:"final_state"`
	Trail       []string       `json:"trail,omitempty" yaml:"trail,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty" yaml:"error_code,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	ExitCode    int            `json:"exit_code" yaml:"exit_code"`
	PlanID      string         `json:"plan_id,omitempty" yaml:"plan_id,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	Targets     int            `json:"targets" yaml:"targets"`
	Backup      string         `json:"backup,omitempty" yaml:"backup,omitempty"`
	Rewritten   int            `json:"rewritten" yaml:"rewritten"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time      `json:"finished_at" yaml:"finished_at"`
}

// Duration is how long the run took.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// BackupRecord is the journal entry of one backup.
type BackupRecord struct {
	Name      string    `json:"name" yaml:"name"`
	Path      string    `json:"path" yaml:"path"`
	Repo      string    `json:"repo" yaml:"repo"`
	RunID     string    `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Checksum  string    `json:"checksum" yaml:"checksum"`
	Files     int       `json:"files" yaml:"files"`
	Size      int64     `json:"size" yaml:"size"`
	Mirror    string    `json:"mirror,omitempty" yaml:"mirror,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	// Repo matches records of one repository path.
	Repo string

	// Limit caps the number of records returned.
	Limit int
}

func (f Filter) match(repo string) bool {
	return f.Repo == "" || f.Repo == repo
}

// Journal records runs and backups.
//
// # Description
//
// Every value is stored with a CRC32 of its JSON so a torn or corrupted
// entry is reported instead of decoded. Listings return newest first.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB serialises conflicting writers.
type Journal struct {
	db     *badger.DB
	logger *slog.Logger
	closed atomic.Bool
}

// Open opens the journal described by cfg.
//
// # Inputs
//
//   - cfg: Database configuration. Path is required unless InMemory.
//   - logger: Component logger. Nil selects slog.Default().
//
// # Outputs
//
//   - *Journal: Ready-to-use journal. Call Close when done.
//   - error: Non-nil if the database cannot be opened, e.g. because another
//     process holds it.
func Open(cfg Config, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db, logger: logger.With("component", "journal")}, nil
}

// Close releases the database. Safe to call more than once.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}
	return j.db.Close()
}

// RecordRun stores r, replacing an earlier record with the same ID.
func (j *Journal) RecordRun(ctx context.Context, r RunRecord) error {
	if r.ID == "" {
		return errors.New("run record needs an ID")
	}
	value, err := encode(r)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d:%s", runPrefix, r.StartedAt.UnixNano(), r.ID)
	return j.update(ctx, func(txn *badger.Txn) error {
		if old, err := txn.Get([]byte(runIDPrefix + r.ID)); err == nil {
			oldKey, err := old.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(oldKey) != key {
				if err := txn.Delete(oldKey); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set([]byte(key), value); err != nil {
			return err
		}
		return txn.Set([]byte(runIDPrefix+r.ID), []byte(key))
	})
}

// Run returns the record of run id.
func (j *Journal) Run(ctx context.Context, id string) (*RunRecord, error) {
	var out RunRecord
	err := j.view(ctx, func(txn *badger.Txn) error {
		ref, err := txn.Get([]byte(runIDPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := ref.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return decode(v, &out) })
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Runs lists run records newest first.
func (j *Journal) Runs(ctx context.Context, f Filter) ([]RunRecord, error) {
	var out []RunRecord
	err := j.scan(ctx, runPrefix, func(v []byte) (bool, error) {
		var r RunRecord
		if err := decode(v, &r); err != nil {
			return false, err
		}
		if !f.match(r.Repo) {
			return true, nil
		}
		out = append(out, r)
		return f.Limit <= 0 || len(out) < f.Limit, nil
	})
	return out, err
}

// RecordBackup stores b.
func (j *Journal) RecordBackup(ctx context.Context, b BackupRecord) error {
	if b.Name == "" {
		return errors.New("backup record needs a name")
	}
	value, err := encode(b)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d:%s", backupPrefix, b.CreatedAt.UnixNano(), b.Name)
	return j.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Backups lists backup records newest first.
func (j *Journal) Backups(ctx context.Context, f Filter) ([]BackupRecord, error) {
	var out []BackupRecord
	err := j.scan(ctx, backupPrefix, func(v []byte) (bool, error) {
		var b BackupRecord
		if err := decode(v, &b); err != nil {
			return false, err
		}
		if !f.match(b.Repo) {
			return true, nil
		}
		out = append(out, b)
		return f.Limit <= 0 || len(out) < f.Limit, nil
	})
	return out, err
}

func (j *Journal) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if j.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return j.db.Update(fn)
}

func (j *Journal) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if j.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return j.db.View(fn)
}

// scan walks prefix from the highest key down. visit returns false to
// stop.
func (j *Journal) scan(ctx context.Context, prefix string, visit func(v []byte) (bool, error)) error {
	return j.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(prefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var more bool
			err := it.Item().Value(func(v []byte) error {
				var err error
				more, err = visit(v)
				return err
			})
			if errors.Is(err, ErrCorrupted) {
				j.logger.Warn("skipping corrupted journal entry", "key", string(it.Item().Key()))
				continue
			}
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		return nil
	})
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode journal record: %w", err)
	}
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out, crc32.ChecksumIEEE(data))
	copy(out[4:], data)
	return out, nil
}

func decode(value []byte, v any) error {
	if len(value) < 4 {
		return ErrCorrupted
	}
	data := value[4:]
	if binary.BigEndian.Uint32(value) != crc32.ChecksumIEEE(data) {
		return ErrCorrupted
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return nil
}
