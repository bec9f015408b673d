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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/gitsurgeon/services/surgeon/operation"
)

// newRootCmd builds the command tree for c.
func newRootCmd(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gitsurgeon",
		Short: "Safely rewrite git history",
		Long: `gitsurgeon removes files, truncates history, strips large or sensitive
blobs and rewrites authors. Every rewrite is validated, backed up and
verified first, and rolled back automatically when it fails.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&c.opts.repo, "repo", "C", ".", "Repository to operate on")
	flags.StringArrayVarP(&c.opts.branches, "branch", "b", nil,
		"Branch to rewrite (repeatable, or 'all'). Default: the checked-out branch")
	flags.BoolVar(&c.opts.dryRun, "dry-run", false, "Simulate the rewrite and report its effects")
	flags.BoolVar(&c.opts.force, "force", false, "Proceed despite warning-level validation findings")
	flags.BoolVar(&c.opts.noBackup, "no-backup", false, "Skip the backup (dry runs only)")
	flags.BoolVarP(&c.opts.yes, "yes", "y", false, "Do not ask for confirmation")
	flags.StringVarP(&c.opts.output, "output", "o", "text", "Output format: text, json or yaml")
	flags.StringVar(&c.opts.style, "style", "", "Text style: full, minimal or machine. Default: detected")
	flags.StringVar(&c.opts.config, "config", "", "Config file (default $"+ConfigEnv+" or <repo>/"+RepoConfigName+")")
	flags.StringVar(&c.opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.DurationVar(&c.opts.timeout, "timeout", 0, "Abort the run after this long (e.g. 30m)")

	rootCmd.AddCommand(
		newRemoveCmd(c),
		newTruncateCmd(c),
		newCleanCmd(c),
		newRewriteAuthorsCmd(c),
		newValidateCmd(c),
		newBackupCmd(c),
		newHistoryCmd(c),
	)
	return rootCmd
}

func newRemoveCmd(c *cli) *cobra.Command {
	var (
		keep           []string
		preserveRecent bool
		before         string
	)
	cmd := &cobra.Command{
		Use:   "remove <pattern>...",
		Short: "Purge paths matching glob patterns from history",
		Long: `Purge every path matching the glob patterns from the history of the
selected branches. A pattern starting with '!' excludes paths, --keep
names paths that must survive.`,
		Example: `  gitsurgeon remove '*.env' 'secrets/**' --keep secrets/README.md
  gitsurgeon remove 'build/' --preserve-recent --branch all --dry-run`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runOperation(cmd.Context(), operation.KindRemove, operation.TargetSpec{
				Patterns: args,
				Keep:     keep,
				Cutoff:   before,
			}, preserveRecent)
		},
	}
	cmd.Flags().StringArrayVar(&keep, "keep", nil, "Glob of paths to keep (repeatable)")
	cmd.Flags().BoolVar(&preserveRecent, "preserve-recent", false, "Keep paths that exist at a branch tip")
	cmd.Flags().StringVar(&before, "before", "", "Only rewrite history at or before this date or commit")
	return cmd
}

func newTruncateCmd(c *cli) *cobra.Command {
	var (
		before     string
		after      string
		keepRecent int
		squash     bool
	)
	cmd := &cobra.Command{
		Use:   "truncate (--before X | --after X | --keep-recent N)",
		Short: "Drop history before or after a cutoff",
		Example: `  gitsurgeon truncate --before 2023-01-01 --squash
  gitsurgeon truncate --keep-recent 50 --branch main`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := operation.TargetSpec{Squash: squash}
			switch {
			case cmd.Flags().Changed("before"):
				spec.TruncateMode, spec.Cutoff = operation.TruncateBefore, before
			case cmd.Flags().Changed("after"):
				spec.TruncateMode, spec.Cutoff = operation.TruncateAfter, after
			case cmd.Flags().Changed("keep-recent"):
				spec.TruncateMode, spec.KeepRecent = operation.TruncateKeepRecent, keepRecent
			default:
				return usagef("one of --before, --after or --keep-recent is required")
			}
			return c.runOperation(cmd.Context(), operation.KindTruncate, spec, false)
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "Drop history before this date or commit")
	cmd.Flags().StringVar(&after, "after", "", "Drop history after this date or commit")
	cmd.Flags().IntVar(&keepRecent, "keep-recent", 0, "Keep only the N most recent commits")
	cmd.Flags().BoolVar(&squash, "squash", false, "List the dropped commits in the new root commit")
	cmd.MarkFlagsMutuallyExclusive("before", "after", "keep-recent")
	return cmd
}

func newCleanCmd(c *cli) *cobra.Command {
	var (
		threshold         string
		sensitive         bool
		patterns          []string
		sensitivePatterns []string
	)
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Strip large blobs and redact sensitive content",
		Long: `Strip every blob at or above the size threshold from history and, with
--sensitive, replace matches of the sensitive patterns with [REDACTED].`,
		Example: `  gitsurgeon clean --size-threshold 10MB
  gitsurgeon clean --sensitive --sensitive-pattern 'AKIA[0-9A-Z]{16}' --pattern 'config/**'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("size-threshold") {
				threshold = c.cfg.Clean.SizeThreshold
			}
			if len(sensitivePatterns) > 0 {
				sensitive = true
			} else if sensitive {
				sensitivePatterns = c.cfg.Clean.SensitivePatterns
			}
			return c.runOperation(cmd.Context(), operation.KindClean, operation.TargetSpec{
				Patterns:          patterns,
				SizeThreshold:     threshold,
				ScanSensitive:     sensitive,
				SensitivePatterns: sensitivePatterns,
			}, false)
		},
	}
	cmd.Flags().StringVar(&threshold, "size-threshold", operation.DefaultSizeThreshold, "Strip blobs at or above this size")
	cmd.Flags().BoolVar(&sensitive, "sensitive", false, "Redact sensitive content")
	cmd.Flags().StringArrayVar(&patterns, "pattern", nil, "Only clean paths matching this glob (repeatable)")
	cmd.Flags().StringArrayVar(&sensitivePatterns, "sensitive-pattern", nil, "Regular expression to redact (repeatable)")
	return cmd
}

func newRewriteAuthorsCmd(c *cli) *cobra.Command {
	var (
		mappingFile     string
		updateCommitter bool
	)
	cmd := &cobra.Command{
		Use:   "rewrite-authors --mapping <file.json>",
		Short: "Remap author identities",
		Long: `Remap author identities using a JSON file of the form
  [{"old": "Name <old@example.com>", "new": "Name <new@example.com>"}]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mappings, err := readAuthorMappings(mappingFile)
			if err != nil {
				return usageError(err)
			}
			return c.runOperation(cmd.Context(), operation.KindRewriteAuthors, operation.TargetSpec{
				Authors:         mappings,
				UpdateCommitter: updateCommitter,
			}, false)
		},
	}
	cmd.Flags().StringVar(&mappingFile, "mapping", "", "JSON file of identity mappings")
	cmd.Flags().BoolVar(&updateCommitter, "update-committer", false, "Also rewrite committer identities")
	_ = cmd.MarkFlagRequired("mapping")
	return cmd
}

func newValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the repository is safe to rewrite",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runValidate(cmd.Context())
		},
	}
}

func newBackupCmd(c *cli) *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "List, verify and restore backups",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the backups of the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBackupList(cmd.Context())
		},
	}
	verifyCmd := &cobra.Command{
		Use:   "verify <path>",
		Short: "Verify a backup against its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBackupVerify(cmd.Context(), args[0])
		},
	}
	restoreCmd := &cobra.Command{
		Use:   "restore <path>",
		Short: "Replace the repository's git directory with a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBackupRestore(cmd.Context(), args[0])
		},
	}
	backupCmd.AddCommand(listCmd, verifyCmd, restoreCmd)
	return backupCmd
}

func newHistoryCmd(c *cli) *cobra.Command {
	var (
		limit    int
		allRepos bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runHistory(cmd.Context(), limit, allRepos)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Show at most this many runs (0 for all)")
	cmd.Flags().BoolVar(&allRepos, "all-repos", false, "Show runs of every repository")
	return cmd
}
