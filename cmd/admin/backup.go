package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/anoint-array/platform/internal/cli"
	"github.com/anoint-array/platform/services/backup"
)

func newBackupCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list and restore data backups",
	}
	cmd.AddCommand(newBackupCreateCmd(s), newBackupListCmd(s), newBackupRestoreCmd(s))
	return cmd
}

func newBackupCreateCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a backup of every table",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = s.withBackend(func(ctx context.Context, be *backend) error {
		rec, err := be.Backups.Create(ctx, "cli")
		if err != nil {
			return err
		}
		s.out.Success("backup %s written (%s, sha256 %s)", rec.FileName, cli.FormatBytes(rec.SizeBytes), rec.Checksum)
		printCounts(s, rec.Tables)
		return nil
	})
	return cmd
}

func newBackupListCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = s.withBackend(func(ctx context.Context, be *backend) error {
		recs, err := be.Backups.List(ctx)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			s.out.Info("no backups")
			return nil
		}
		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, []string{
				r.ID,
				r.FileName,
				cli.FormatBytes(r.SizeBytes),
				r.CreatedBy,
				r.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		s.out.Table([]string{"ID", "FILE", "SIZE", "BY", "CREATED"}, rows)
		return nil
	})
	return cmd
}

func newBackupRestoreCmd(s *session) *cobra.Command {
	var (
		file   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a backup file into the current stores",
		Args:  cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			if file == "" {
				return usageErr("--file is required")
			}
			info, err := os.Stat(file)
			if err != nil {
				return usageErr("--file: %v", err)
			}
			if info.Size() > backup.MaxRestoreSize {
				return usageErr("--file: %s exceeds the %s restore limit", cli.FormatBytes(info.Size()), cli.FormatBytes(backup.MaxRestoreSize))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Backup file to restore (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and count without writing")

	cmd.RunE = s.withBackend(func(ctx context.Context, be *backend) error {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open backup: %w", err)
		}
		defer f.Close()

		report, err := be.Backups.Restore(ctx, f, filepath.Base(file), backup.RestoreOptions{DryRun: dryRun})
		if err != nil {
			return err
		}
		verb := "restored"
		if report.DryRun {
			verb = "validated (dry run)"
		}
		s.out.Success("backup v%d from %s %s in %s", report.Version,
			report.CreatedAt.UTC().Format(time.RFC3339), verb, cli.FormatDuration(report.Duration))
		printCounts(s, report.Tables)
		return nil
	})
	return cmd
}

func printCounts(s *session, counts map[string]int) {
	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	rows := make([][]string, 0, len(tables))
	for _, t := range tables {
		rows = append(rows, []string{t, strconv.Itoa(counts[t])})
	}
	s.out.Table([]string{"TABLE", "ROWS"}, rows)
}
