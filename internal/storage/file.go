package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"catalert/internal/listing"
	logx "catalert/pkg/logx"
)

const fileDriver = "file"

// fileStore keeps the snapshot in one JSON document and notify marks in an
// append-only journal.
//
// Files:
//   - <path>                      (committed snapshot)
//   - <prefix>.marks.jsonl        (notify marks since the last commit)
//
// Commit writes <path>.tmp, fsyncs, renames it over <path>, then truncates
// the journal. A crash before the rename leaves the previous snapshot intact.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
}

type markRecord struct {
	Key string    `json:"key"`
	At  time.Time `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrap(fileDriver, "open", err)
	}
	jf, err := os.OpenFile(prefix+".marks.jsonl", os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, wrap(fileDriver, "open", err)
	}
	return &fileStore{log: log, snapshotPath: path, journalFile: jf}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return wrap(fileDriver, "close", err)
}

func (s *fileStore) LoadCurrent(ctx context.Context) (listing.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return listing.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return listing.Snapshot{}, wrap(fileDriver, "load", ErrClosed)
	}

	snap, err := loadSnapshot(s.snapshotPath)
	if err != nil {
		return listing.Snapshot{}, wrap(fileDriver, "load snapshot", err)
	}
	if err := replayMarks(s.journalFile.Name(), snap.Marks); err != nil {
		return listing.Snapshot{}, wrap(fileDriver, "replay marks", err)
	}
	return snap.FoldMarks(), nil
}

func (s *fileStore) Commit(ctx context.Context, snap listing.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return wrap(fileDriver, "commit", ErrClosed)
	}

	snap = snap.Clone()
	if snap.CommittedAt.IsZero() {
		snap.CommittedAt = time.Now().UTC()
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return wrap(fileDriver, "commit", err)
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return wrap(fileDriver, "commit encode", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return wrap(fileDriver, "commit sync", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return wrap(fileDriver, "commit", err)
	}
	if err := runCommitHook(fileDriver); err != nil {
		_ = os.Remove(tmp)
		return wrap(fileDriver, "commit", err)
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		_ = os.Remove(tmp)
		return wrap(fileDriver, "commit rename", err)
	}
	syncDir(filepath.Dir(s.snapshotPath))

	// Marks are now part of the snapshot. A failure here only leaves marks
	// that fold into records which are already notified.
	if err := s.journalFile.Truncate(0); err != nil {
		s.log.Warn("mark journal truncate failed", logx.Err(err))
		return nil
	}
	if _, err := s.journalFile.Seek(0, 2); err != nil {
		s.log.Warn("mark journal seek failed", logx.Err(err))
	}
	s.log.Debug("snapshot committed", logx.Int("records", snap.Len()), logx.Int("marks", len(snap.Marks)))
	return nil
}

func (s *fileStore) MarkNotified(ctx context.Context, key string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return wrap(fileDriver, "mark", ErrClosed)
	}
	if err := json.NewEncoder(s.journalFile).Encode(markRecord{Key: key, At: at.UTC()}); err != nil {
		return wrap(fileDriver, "mark", err)
	}
	return wrap(fileDriver, "mark sync", s.journalFile.Sync())
}

func loadSnapshot(path string) (listing.Snapshot, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return listing.NewSnapshot(), nil
	}
	if err != nil {
		return listing.Snapshot{}, err
	}
	defer f.Close()

	var snap listing.Snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return listing.Snapshot{}, err
	}
	if snap.Records == nil {
		snap.Records = map[string]listing.Record{}
	}
	if snap.Marks == nil {
		snap.Marks = map[string]time.Time{}
	}
	return snap, nil
}

// replayMarks merges journal marks into out, keeping the latest time per key.
// A torn trailing line from a crash mid-write is skipped.
func replayMarks(path string, out map[string]time.Time) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r markRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		if prev, ok := out[r.Key]; !ok || r.At.After(prev) {
			out[r.Key] = r.At
		}
	}
	return sc.Err()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
