package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	logx "invtasks/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Schedules and settings survive restarts; everything else lives in memory.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type fileSnapshot struct {
	Schedules map[string]ScheduleEntry `json:"schedules"`
	Settings  map[string]string        `json:"settings"`
}

type journalRecord struct {
	Op       string         `json:"op"`
	Name     string         `json:"name,omitempty"`
	Schedule *ScheduleEntry `json:"schedule,omitempty"`
	Key      string         `json:"key,omitempty"`
	Value    string         `json:"value,omitempty"`
}

const (
	opUpsertSchedule = "schedule.upsert"
	opDeleteSchedule = "schedule.delete"
	opSetSetting     = "setting.set"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := newMemStore()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 500,
	}, nil
}

func (s *fileStore) Driver() string { return "file" }

func (s *fileStore) Close() error {
	_ = s.memStore.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) UpsertSchedule(ctx context.Context, e ScheduleEntry) error {
	if err := s.memStore.UpsertSchedule(ctx, e); err != nil {
		return err
	}
	e = cloneEntry(e)
	return s.append(journalRecord{Op: opUpsertSchedule, Schedule: &e})
}

func (s *fileStore) DeleteSchedule(ctx context.Context, name string) error {
	if err := s.memStore.DeleteSchedule(ctx, name); err != nil {
		return err
	}
	return s.append(journalRecord{Op: opDeleteSchedule, Name: name})
}

func (s *fileStore) ConsumeRepeat(ctx context.Context, name string) (int, bool, error) {
	remaining, run, err := s.memStore.ConsumeRepeat(ctx, name)
	if err != nil {
		return remaining, run, err
	}
	e, gerr := s.memStore.GetSchedule(ctx, name)
	switch {
	case errors.Is(gerr, ErrNotFound):
		return remaining, run, s.append(journalRecord{Op: opDeleteSchedule, Name: name})
	case gerr != nil:
		return remaining, run, gerr
	case e.Repeats < 0:
		return remaining, run, nil
	default:
		return remaining, run, s.append(journalRecord{Op: opUpsertSchedule, Schedule: &e})
	}
}

func (s *fileStore) SetSetting(ctx context.Context, key, value string) error {
	if err := s.memStore.SetSetting(ctx, key, value); err != nil {
		return err
	}
	return s.append(journalRecord{Op: opSetSetting, Key: key, Value: value})
}

func (s *fileStore) append(rec journalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrNotReady
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{Schedules: s.schedules, Settings: s.settings}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, into *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Schedules {
		into.schedules[k] = v
	}
	for k, v := range snap.Settings {
		into.settings[k] = v
	}
	return nil
}

func replayJournal(path string, into *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case opUpsertSchedule:
			if r.Schedule != nil && r.Schedule.Name != "" {
				into.schedules[r.Schedule.Name] = *r.Schedule
			}
		case opDeleteSchedule:
			delete(into.schedules, r.Name)
		case opSetSetting:
			if r.Key != "" {
				into.settings[r.Key] = r.Value
			}
		}
	}
	return sc.Err()
}
