// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gitsurgeon/pkg/logging"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/journal"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/lock"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/telemetry"
)

// ConfigEnv names the config file when --config is not given.
const ConfigEnv = "GITSURGEON_CONFIG"

// RepoConfigName is the per-repository config file.
const RepoConfigName = ".gitsurgeon.yaml"

// Config is the gitsurgeon configuration file.
//
// Every key is optional. Command-line flags override the file.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogDir   string `yaml:"log_dir"`
	LogJSON  bool   `yaml:"log_json"`

	// Timeout bounds a whole run, e.g. "30m". Empty means no limit.
	Timeout string `yaml:"timeout"`

	Backup  BackupConfig  `yaml:"backup"`
	Clean   CleanConfig   `yaml:"clean"`
	Rewrite RewriteConfig `yaml:"rewrite"`

	LockDir    string `yaml:"lock_dir"`
	JournalDir string `yaml:"journal_dir"`

	// NoJournal disables the run journal.
	NoJournal bool `yaml:"no_journal"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BackupConfig configures backups.
type BackupConfig struct {
	// Root holds the backups. Empty uses the repository's parent directory.
	Root string `yaml:"root"`

	// Workers bounds the copy pool. Zero uses the number of CPUs.
	Workers int `yaml:"workers"`

	// Mirror is a gs://bucket/prefix URI each verified backup is copied to.
	Mirror string `yaml:"mirror"`

	// MirrorCredentials is a service account key file for Mirror.
	MirrorCredentials string `yaml:"mirror_credentials"`
}

// CleanConfig holds the clean defaults.
type CleanConfig struct {
	SizeThreshold     string   `yaml:"size_threshold"`
	SensitivePatterns []string `yaml:"sensitive_patterns"`

	// MaxScanSize skips content scanning of larger blobs, e.g. "32MB".
	MaxScanSize string `yaml:"max_scan_size"`
}

// RewriteConfig configures the history rewriter.
type RewriteConfig struct {
	// Git is the git executable used for filter-repo.
	Git string `yaml:"git"`

	// SkipHousekeeping keeps reflogs and unreachable objects after a rewrite.
	SkipHousekeeping bool `yaml:"skip_housekeeping"`
}

// TelemetryConfig selects the exporters.
type TelemetryConfig struct {
	Traces       string `yaml:"traces"`
	Metrics      string `yaml:"metrics"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Textfile     string `yaml:"textfile"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:   "info",
		LockDir:    lock.DefaultDir(),
		JournalDir: journal.DefaultDir(),
		Clean: CleanConfig{
			SizeThreshold:     operation.DefaultSizeThreshold,
			SensitivePatterns: append([]string(nil), operation.DefaultSensitivePatterns...),
		},
	}
}

// LoadConfig reads the configuration for repoPath.
//
// # Description
//
// The file is the first of: explicit (the --config flag), $GITSURGEON_CONFIG
// and <repo>/.gitsurgeon.yaml. An explicit or environment path must exist;
// the repository file is optional. Keys missing from the file keep their
// defaults, and unknown keys are an error.
//
// # Outputs
//
//   - Config: The merged configuration.
//   - string: The file that was read, empty when none was.
//   - error: Unreadable or invalid file.
func LoadConfig(explicit, repoPath string) (Config, string, error) {
	cfg := DefaultConfig()

	path, required := explicit, true
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path == "" && repoPath != "" {
		path, required = filepath.Join(repoPath, RepoConfigName), false
	}
	if path == "" {
		return cfg, "", nil
	}

	data, err := os.ReadFile(logging.ExpandPath(path))
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return cfg, "", nil
		}
		return cfg, "", fmt.Errorf("reading config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, "", fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, "", fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, path, nil
}

func (c Config) validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.timeout(); err != nil {
		return err
	}
	if c.Clean.SizeThreshold != "" {
		if _, err := operation.ParseSize(c.Clean.SizeThreshold); err != nil {
			return err
		}
	}
	if _, err := c.maxScanSize(); err != nil {
		return err
	}
	if c.Backup.Workers < 0 {
		return fmt.Errorf("backup.workers must not be negative")
	}
	return nil
}

func (c Config) timeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
	}
	return d, nil
}

func (c Config) maxScanSize() (int64, error) {
	if c.Clean.MaxScanSize == "" {
		return 0, nil
	}
	return operation.ParseSize(c.Clean.MaxScanSize)
}

// telemetryConfig overlays the file settings on the environment defaults.
func (c Config) telemetryConfig(version string) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	if c.Telemetry.Traces != "" {
		tc.TraceExporter = c.Telemetry.Traces
	}
	if c.Telemetry.Metrics != "" {
		tc.MetricExporter = c.Telemetry.Metrics
	}
	if c.Telemetry.OTLPEndpoint != "" {
		tc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	if c.Telemetry.Textfile != "" {
		tc.TextfilePath = logging.ExpandPath(c.Telemetry.Textfile)
	}
	return tc
}
