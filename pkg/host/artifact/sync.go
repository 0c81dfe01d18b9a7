// Package artifact moves session files between instances, the local staging
// directories and durable object storage.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"spire/pkg/host/objstore"
	"spire/pkg/host/remote"
	"spire/pkg/shared/logger"
	"spire/pkg/shared/metrics"
	"spire/pkg/shared/model"
)

// TerminationFinder looks up the most recent termination record of a user.
// found is false when the user has no terminated session.
type TerminationFinder interface {
	LatestTermination(ctx context.Context, userID string) (rec model.TerminationRecord, found bool, err error)
}

type Config struct {
	// RemoteDir is the artifact directory on the instance, relative to the
	// login user's home.
	RemoteDir   string
	RestoreDir  string
	DownloadDir string
	Extensions  []string
}

func (c Config) withDefaults() Config {
	if c.RemoteDir == "" {
		c.RemoteDir = "notebooks"
	}
	if c.RestoreDir == "" {
		c.RestoreDir = "tmp-downloads"
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "downloaded-sessions"
	}
	if len(c.Extensions) == 0 {
		c.Extensions = []string{".ipynb"}
	}
	return c
}

type Syncer struct {
	objects objstore.Store
	records TerminationFinder
	dialer  remote.Dialer
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics
}

func New(objects objstore.Store, records TerminationFinder, dialer remote.Dialer, cfg Config, log *logger.Logger, m *metrics.Metrics) *Syncer {
	if log == nil {
		log = logger.Default
	}
	return &Syncer{
		objects: objects,
		records: records,
		dialer:  dialer,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: m,
	}
}

// RestoreResult describes a restore. A zero SessionID means there was no
// previous session to restore from.
type RestoreResult struct {
	SessionID string
	Files     []string
}

func (r RestoreResult) Performed() bool { return len(r.Files) > 0 }

// Restore pushes the artifacts of the user's most recently terminated session
// onto the instance behind t. A user without a previous session, or whose
// previous session stored nothing, is a fresh session and t is never dialed.
func (s *Syncer) Restore(ctx context.Context, t remote.Target, userID string) (RestoreResult, error) {
	rec, found, err := s.records.LatestTermination(ctx, userID)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("find previous session: %w", err)
	}
	if !found {
		s.log.Info("No previous session for user %s, starting fresh", userID)
		return RestoreResult{}, nil
	}

	res := RestoreResult{SessionID: rec.SessionID}
	keys, err := s.objects.List(ctx, objstore.SessionPrefix(userID, rec.SessionID))
	if err != nil {
		return res, fmt.Errorf("list stored artifacts: %w", err)
	}

	staging := filepath.Join(s.cfg.RestoreDir, rec.SessionID)
	var staged []string
	for _, key := range keys {
		name := path.Base(key)
		if !s.matches(name) {
			continue
		}
		if err := os.MkdirAll(staging, 0o755); err != nil {
			return res, fmt.Errorf("create staging dir: %w", err)
		}
		local := filepath.Join(staging, name)
		if err := s.downloadObject(ctx, key, local); err != nil {
			s.log.Error("Failed to download %s: %v", key, err)
			continue
		}
		staged = append(staged, local)
	}
	if len(staged) == 0 {
		s.log.Info("Session %s stored no artifacts, nothing to restore", rec.SessionID)
		return res, nil
	}

	client, err := s.dialer.Dial(ctx, t)
	if err != nil {
		return res, fmt.Errorf("connect to %s: %w", t, err)
	}
	defer client.Close()

	for _, local := range staged {
		name := filepath.Base(local)
		f, err := os.Open(local)
		if err != nil {
			s.log.Error("Failed to open %s: %v", local, err)
			continue
		}
		err = client.Upload(ctx, f, path.Join(s.cfg.RemoteDir, name), 0o644)
		f.Close()
		if err != nil {
			s.log.Error("Failed to copy %s to %s: %v", name, t, err)
			continue
		}
		res.Files = append(res.Files, name)
	}
	s.log.Info("Restored %d artifact(s) from session %s to %s", len(res.Files), rec.SessionID, t.InstanceID)
	return res, nil
}

// BackupResult lists the files of a backup by outcome.
type BackupResult struct {
	Uploaded []string
	Failed   []string
}

// Backup uploads every artifact in localFolder under userID/sessionID. A file
// that fails to upload is logged and skipped.
func (s *Syncer) Backup(ctx context.Context, sessionID, userID, localFolder string) (BackupResult, error) {
	var res BackupResult
	names, err := s.localArtifacts(localFolder)
	if err != nil {
		return res, err
	}

	for _, name := range names {
		if err := s.uploadFile(ctx, objstore.Key(userID, sessionID, name), filepath.Join(localFolder, name)); err != nil {
			s.log.Error("Failed to upload %s: %v", name, err)
			s.metrics.Upload(false)
			res.Failed = append(res.Failed, name)
			continue
		}
		s.metrics.Upload(true)
		res.Uploaded = append(res.Uploaded, name)
	}
	s.log.Info("Backed up %d of %d artifact(s) for session %s", len(res.Uploaded), len(names), sessionID)
	return res, nil
}

// Collect copies the artifacts on the instance into the session's download
// directory and returns that directory.
func (s *Syncer) Collect(ctx context.Context, t remote.Target, sessionID string) (string, int, error) {
	folder := filepath.Join(s.cfg.DownloadDir, sessionID)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return folder, 0, fmt.Errorf("create download dir: %w", err)
	}

	client, err := s.dialer.Dial(ctx, t)
	if err != nil {
		return folder, 0, fmt.Errorf("connect to %s: %w", t, err)
	}
	defer client.Close()

	names, err := client.List(ctx, s.cfg.RemoteDir)
	if err != nil {
		return folder, 0, err
	}

	copied := 0
	for _, name := range names {
		if !s.matches(name) {
			continue
		}
		if err := writeAtomic(filepath.Join(folder, name), func(f *os.File) error {
			return client.Download(ctx, path.Join(s.cfg.RemoteDir, name), f)
		}); err != nil {
			s.log.Error("Failed to download %s from %s: %v", name, t.InstanceID, err)
			continue
		}
		copied++
	}
	s.log.Info("Collected %d artifact(s) from %s", copied, t.InstanceID)
	return folder, copied, nil
}

func (s *Syncer) matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range s.cfg.Extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

func (s *Syncer) localArtifacts(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", folder, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && s.matches(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Syncer) uploadFile(ctx context.Context, key, local string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return s.objects.Upload(ctx, key, f, info.Size())
}

func (s *Syncer) downloadObject(ctx context.Context, key, local string) error {
	return writeAtomic(local, func(f *os.File) error {
		return s.objects.Download(ctx, key, f)
	})
}

func writeAtomic(dst string, fill func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
