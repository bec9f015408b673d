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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
	"github.com/AleutianAI/gitsurgeon/services/surgeon/telemetry"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv(ConfigEnv, "")

	cfg, path, err := LoadConfig("", t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, operation.DefaultSizeThreshold, cfg.Clean.SizeThreshold)
	assert.NotEmpty(t, cfg.Clean.SensitivePatterns)
	assert.NotEmpty(t, cfg.LockDir)
	assert.NotEmpty(t, cfg.JournalDir)
}

func TestLoadConfig_Precedence(t *testing.T) {
	repo := t.TempDir()
	writeFile(t, filepath.Join(repo, RepoConfigName), "log_level: warn\n")
	envFile := writeFile(t, filepath.Join(t.TempDir(), "env.yaml"), "log_level: error\n")
	flagFile := writeFile(t, filepath.Join(t.TempDir(), "flag.yaml"), "log_level: debug\n")

	t.Setenv(ConfigEnv, "")
	cfg, path, err := LoadConfig("", repo)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, filepath.Join(repo, RepoConfigName), path)

	t.Setenv(ConfigEnv, envFile)
	cfg, path, err = LoadConfig("", repo)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, envFile, path)

	cfg, path, err = LoadConfig(flagFile, repo)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, flagFile, path)
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	file := writeFile(t, filepath.Join(t.TempDir(), "c.yaml"), `
timeout: 90s
backup:
  workers: 3
clean:
  size_threshold: 10MB
telemetry:
  metrics: prometheus
  textfile: /tmp/gitsurgeon.prom
`)
	cfg, _, err := LoadConfig(file, "")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Backup.Workers)
	assert.Equal(t, "10MB", cfg.Clean.SizeThreshold)
	assert.NotEmpty(t, cfg.Clean.SensitivePatterns)

	d, err := cfg.timeout()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	tc := cfg.telemetryConfig("1.2.3")
	assert.Equal(t, "1.2.3", tc.ServiceVersion)
	assert.Equal(t, telemetry.ExporterPrometheus, tc.MetricExporter)
	assert.Equal(t, "/tmp/gitsurgeon.prom", tc.TextfilePath)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "log_levle: debug\n"},
		{"bad level", "log_level: loud\n"},
		{"bad timeout", "timeout: soon\n"},
		{"bad size", "clean:\n  size_threshold: huge\n"},
		{"negative workers", "backup:\n  workers: -1\n"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := writeFile(t, filepath.Join(dir, "c"+string(rune('a'+i))+".yaml"), tt.content)
			_, _, err := LoadConfig(file, "")
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.Error(t, err)
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	file := writeFile(t, filepath.Join(t.TempDir(), "empty.yaml"), "")
	cfg, path, err := LoadConfig(file, "")
	require.NoError(t, err)
	assert.Equal(t, file, path)
	assert.Equal(t, "info", cfg.LogLevel)
}
