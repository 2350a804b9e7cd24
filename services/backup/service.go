// Package backup writes full JSON snapshots of the platform data to disk and
// restores them.
package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anoint-array/platform/internal/config"
	"github.com/anoint-array/platform/internal/domain/backup"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/logging"
	"github.com/anoint-array/platform/internal/metrics"
	"github.com/anoint-array/platform/internal/storage"
)

const (
	ServiceID = "backup"

	// MaxRestoreSize bounds an uploaded snapshot.
	MaxRestoreSize = 50 << 20

	filePrefix = "anoint-backup-"
	fileExt    = ".json"
	timeLayout = "20060102T150405Z"
)

// Config wires the service.
type Config struct {
	Settings config.BackupConfig
	Stores   storage.Stores
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// Service creates, lists, restores and prunes backups.
type Service struct {
	dir     string
	keep    int
	stores  storage.Stores
	metrics *metrics.Metrics
	logger  *logging.Logger
	now     func() time.Time
}

// New creates the service and the backup directory.
func New(cfg Config) (*Service, error) {
	st := cfg.Stores
	if st.Profiles == nil || st.Orders == nil || st.Downloads == nil || st.Marketing == nil || st.Backups == nil {
		return nil, fmt.Errorf("backup: all stores are required")
	}
	dir := cfg.Settings.Dir
	if dir == "" {
		dir = "./backups"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("backup: create dir: %w", err)
	}
	keep := cfg.Settings.Keep
	if keep <= 0 {
		keep = 14
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		dir:     dir,
		keep:    keep,
		stores:  st,
		metrics: cfg.Metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Dir returns the backup directory.
func (s *Service) Dir() string { return s.dir }

// Snapshot reads every table.
func (s *Service) Snapshot(ctx context.Context) (*backup.Snapshot, error) {
	snap := &backup.Snapshot{Version: backup.SnapshotVersion, CreatedAt: s.now()}
	var err error
	if snap.Profiles, err = s.stores.Profiles.ListProfiles(ctx, storage.Page{}); err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	if snap.Orders, err = s.stores.Orders.ListOrders(ctx, storage.OrderFilter{}); err != nil {
		return nil, fmt.Errorf("read orders: %w", err)
	}
	if snap.Labels, err = s.stores.Orders.ListLabels(ctx, ""); err != nil {
		return nil, fmt.Errorf("read shipping labels: %w", err)
	}
	if snap.Grants, err = s.stores.Downloads.ListGrants(ctx, ""); err != nil {
		return nil, fmt.Errorf("read download grants: %w", err)
	}
	if snap.Waitlist, err = s.stores.Marketing.ListWaitlist(ctx); err != nil {
		return nil, fmt.Errorf("read waitlist: %w", err)
	}
	if snap.Contacts, err = s.stores.Marketing.ListContacts(ctx, ""); err != nil {
		return nil, fmt.Errorf("read contacts: %w", err)
	}
	return snap, nil
}

// Create snapshots every table into a new file and records it. The file is
// written to a temp name and renamed, so a crash never leaves a partial
// backup under a real name.
func (s *Service) Create(ctx context.Context, createdBy string) (backup.Record, error) {
	rec, err := s.create(ctx, createdBy)
	if err != nil {
		s.metrics.RecordBackup("failed")
		s.logger.WithContext(ctx).WithError(err).Error("backup failed")
		return backup.Record{}, svcerrors.Internal("backup failed", err)
	}
	s.metrics.RecordBackup("created")
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"backup_id": rec.ID,
		"file":      rec.FileName,
		"bytes":     rec.SizeBytes,
	}).Info("backup created")
	return rec, nil
}

func (s *Service) create(ctx context.Context, createdBy string) (backup.Record, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return backup.Record{}, err
	}

	tmp, err := os.CreateTemp(s.dir, ".backup-*.tmp")
	if err != nil {
		return backup.Record{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	counter := &countingWriter{}
	enc := json.NewEncoder(io.MultiWriter(tmp, hash, counter))
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		tmp.Close()
		return backup.Record{}, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return backup.Record{}, fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return backup.Record{}, fmt.Errorf("close: %w", err)
	}

	name := s.fileName(snap.CreatedAt)
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return backup.Record{}, fmt.Errorf("rename: %w", err)
	}

	rec, err := s.stores.Backups.CreateBackup(ctx, backup.Record{
		ID:        uuid.NewString(),
		FileName:  name,
		SizeBytes: counter.n,
		Checksum:  hex.EncodeToString(hash.Sum(nil)),
		Tables:    snap.Counts(),
		CreatedBy: createdBy,
		CreatedAt: snap.CreatedAt,
	})
	if err != nil {
		os.Remove(filepath.Join(s.dir, name))
		return backup.Record{}, fmt.Errorf("record backup: %w", err)
	}
	return rec, nil
}

// fileName picks an unused name for a backup taken at t.
func (s *Service) fileName(t time.Time) string {
	base := filePrefix + t.UTC().Format(timeLayout)
	name := base + fileExt
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(s.dir, name)); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s-%d%s", base, i, fileExt)
	}
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// List returns backup records newest first.
func (s *Service) List(ctx context.Context) ([]backup.Record, error) {
	recs, err := s.stores.Backups.ListBackups(ctx)
	if err != nil {
		return nil, svcerrors.Internal("failed to list backups", err)
	}
	return recs, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (backup.Record, error) {
	rec, err := s.stores.Backups.GetBackup(ctx, id)
	if stderrors.Is(err, storage.ErrNotFound) {
		return backup.Record{}, svcerrors.NotFound("backup", id)
	}
	if err != nil {
		return backup.Record{}, svcerrors.Internal("failed to load backup", err)
	}
	return rec, nil
}

// Open returns the backup file for streaming. The caller closes it.
func (s *Service) Open(ctx context.Context, id string) (io.ReadCloser, backup.Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, backup.Record{}, err
	}
	f, err := os.Open(filepath.Join(s.dir, filepath.Base(rec.FileName)))
	if os.IsNotExist(err) {
		return nil, backup.Record{}, svcerrors.NotFound("backup file", rec.FileName)
	}
	if err != nil {
		return nil, backup.Record{}, svcerrors.Internal("failed to open backup", err)
	}
	return f, rec, nil
}

// Prune deletes the oldest backups beyond keep. It returns the number
// removed.
func (s *Service) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		keep = s.keep
	}
	recs, err := s.stores.Backups.ListBackups(ctx)
	if err != nil {
		return 0, svcerrors.Internal("failed to list backups", err)
	}
	if len(recs) <= keep {
		return 0, nil
	}
	removed := 0
	for _, rec := range recs[keep:] {
		path := filepath.Join(s.dir, filepath.Base(rec.FileName))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, svcerrors.Internal("failed to remove backup file", err)
		}
		if err := s.stores.Backups.DeleteBackup(ctx, rec.ID); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
			return removed, svcerrors.Internal("failed to delete backup record", err)
		}
		removed++
	}
	s.logger.WithContext(ctx).WithField("removed", removed).Info("old backups pruned")
	return removed, nil
}

// RunScheduled creates a backup and prunes old ones.
func (s *Service) RunScheduled(ctx context.Context) error {
	if _, err := s.Create(ctx, "scheduler"); err != nil {
		return err
	}
	_, err := s.Prune(ctx, s.keep)
	return err
}

// Schedule registers RunScheduled on c.
func (s *Service) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = "@daily"
	}
	return c.AddFunc(spec, func() {
		if err := s.RunScheduled(ctx); err != nil {
			s.logger.WithError(err).Error("scheduled backup failed")
		}
	})
}

// ===== Restore =====

// RestoreOptions controls Restore.
type RestoreOptions struct {
	DryRun bool
}

// RestoreStep reports one table.
type RestoreStep struct {
	Table    string        `json:"table"`
	Rows     int           `json:"rows"`
	Duration time.Duration `json:"duration_ns"`
}

// RestoreReport summarizes a restore.
type RestoreReport struct {
	DryRun    bool               `json:"dry_run"`
	Version   int                `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
	Tables    backup.TableCounts `json:"tables"`
	Steps     []RestoreStep      `json:"steps,omitempty"`
	Duration  time.Duration      `json:"duration_ns"`
}

// Decode reads and validates a snapshot without writing anything.
func Decode(r io.Reader, filename string) (*backup.Snapshot, error) {
	if !strings.EqualFold(filepath.Ext(filename), fileExt) {
		return nil, svcerrors.InvalidFormat("file", "a .json backup")
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxRestoreSize+1))
	if err != nil {
		return nil, svcerrors.InvalidInput("failed to read backup")
	}
	if len(data) > MaxRestoreSize {
		return nil, svcerrors.InvalidInput("backup exceeds 50 MiB")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var snap backup.Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, svcerrors.InvalidInput(fmt.Sprintf("invalid backup JSON: %v", err))
	}
	if dec.More() {
		return nil, svcerrors.InvalidInput("invalid backup JSON: trailing data")
	}
	if snap.Version != backup.SnapshotVersion {
		return nil, svcerrors.InvalidInput(fmt.Sprintf("unsupported backup version %d", snap.Version))
	}
	if err := validate(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func validate(snap *backup.Snapshot) error {
	missing := func(table string, i int) error {
		return svcerrors.InvalidInput(fmt.Sprintf("%s[%d] has no id", table, i)).WithDetails("table", table)
	}
	for i, p := range snap.Profiles {
		if p.ID == "" {
			return missing("profiles", i)
		}
	}
	orders := make(map[string]bool, len(snap.Orders))
	for i, o := range snap.Orders {
		if o.ID == "" {
			return missing("orders", i)
		}
		orders[o.ID] = true
	}
	for i, l := range snap.Labels {
		if l.ID == "" {
			return missing("shipping_labels", i)
		}
		if !orders[l.OrderID] {
			return svcerrors.InvalidInput(fmt.Sprintf("shipping_labels[%d] references unknown order %q", i, l.OrderID))
		}
	}
	for i, g := range snap.Grants {
		if g.ID == "" {
			return missing("digital_downloads", i)
		}
		if !orders[g.OrderID] {
			return svcerrors.InvalidInput(fmt.Sprintf("digital_downloads[%d] references unknown order %q", i, g.OrderID))
		}
	}
	for i, w := range snap.Waitlist {
		if w.ID == "" {
			return missing("vip_waitlist", i)
		}
	}
	for i, c := range snap.Contacts {
		if c.ID == "" {
			return missing("contact_submissions", i)
		}
	}
	return nil
}

// Restore validates the whole file first and then upserts table by table
// in dependency order.
func (s *Service) Restore(ctx context.Context, r io.Reader, filename string, opts RestoreOptions) (*RestoreReport, error) {
	started := time.Now()
	snap, err := Decode(r, filename)
	if err != nil {
		s.metrics.RecordBackup("rejected")
		return nil, err
	}
	report := &RestoreReport{
		DryRun:    opts.DryRun,
		Version:   snap.Version,
		CreatedAt: snap.CreatedAt,
		Tables:    snap.Counts(),
	}
	if opts.DryRun {
		report.Duration = time.Since(started)
		return report, nil
	}

	steps := []struct {
		table string
		rows  int
		run   func() error
	}{
		{"profiles", len(snap.Profiles), func() error { return s.stores.Profiles.RestoreProfiles(ctx, snap.Profiles) }},
		{"orders", len(snap.Orders), func() error { return s.stores.Orders.RestoreOrders(ctx, snap.Orders) }},
		{"shipping_labels", len(snap.Labels), func() error { return s.stores.Orders.RestoreLabels(ctx, snap.Labels) }},
		{"digital_downloads", len(snap.Grants), func() error { return s.stores.Downloads.RestoreGrants(ctx, snap.Grants) }},
		{"vip_waitlist", len(snap.Waitlist), func() error { return s.stores.Marketing.RestoreWaitlist(ctx, snap.Waitlist) }},
		{"contact_submissions", len(snap.Contacts), func() error { return s.stores.Marketing.RestoreContacts(ctx, snap.Contacts) }},
	}
	for _, step := range steps {
		t := time.Now()
		if step.rows > 0 {
			if err := step.run(); err != nil {
				s.metrics.RecordBackup("restore_failed")
				s.logger.WithContext(ctx).WithError(err).WithField("table", step.table).Error("restore failed")
				return report, svcerrors.Internal("restore failed at "+step.table, err).WithDetails("table", step.table)
			}
		}
		report.Steps = append(report.Steps, RestoreStep{Table: step.table, Rows: step.rows, Duration: time.Since(t)})
	}
	report.Duration = time.Since(started)

	s.metrics.RecordBackup("restored")
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"file":   filename,
		"tables": report.Tables,
	}).Info("backup restored")
	return report, nil
}
