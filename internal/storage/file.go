package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"remindbot/internal/domain"
	logx "remindbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend built on memoryStore.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (one line per committed transaction)
//
// The journal is compacted into the snapshot every compactEvery commits and
// on Close.
type fileStore struct {
	*memoryStore

	log logx.Logger

	snapshotPath string
	journal      *os.File

	commits      int
	compactEvery int
}

type fileSnapshot struct {
	Tasks     []domain.Task     `json:"tasks"`
	Reminders []domain.Reminder `json:"reminders"`
	Profiles  []domain.Profile  `json:"profiles"`
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
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newMemState()
	if err := loadSnapshot(snapPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	fs := &fileStore{
		memoryStore:  &memoryStore{st: st},
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 200,
	}
	fs.memoryStore.commit = fs.appendJournal
	fs.memoryStore.close = fs.closeFiles

	if replayed > 0 {
		log.Debug("file store journal replayed", logx.Int("txs", replayed))
		if err := fs.compactLocked(); err != nil {
			log.Warn("file store compaction failed", logx.Err(err))
		}
	}
	return fs, nil
}

// appendJournal runs under memoryStore.mu.
func (s *fileStore) appendJournal(ops []journalOp) error {
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journal.Write(b); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.commits++
	if s.commits >= s.compactEvery {
		if err := s.compactLocked(); err != nil {
			// The journal still holds every op; compaction can wait.
			s.log.Warn("file store compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) closeFiles() error {
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) compactLocked() error {
	st := s.memoryStore.st
	snap := fileSnapshot{
		Tasks:     make([]domain.Task, 0, len(st.tasks)),
		Reminders: make([]domain.Reminder, 0, len(st.reminders)),
		Profiles:  make([]domain.Profile, 0, len(st.profiles)),
	}
	for _, t := range st.tasks {
		snap.Tasks = append(snap.Tasks, t)
	}
	for _, r := range st.reminders {
		snap.Reminders = append(snap.Reminders, r)
	}
	for _, p := range st.profiles {
		snap.Profiles = append(snap.Profiles, p)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
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
	if _, err := s.journal.Seek(0, 2); err != nil {
		return err
	}
	s.commits = 0
	return nil
}

func loadSnapshot(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, t := range snap.Tasks {
		st.putTask(t)
	}
	for _, r := range snap.Reminders {
		st.reminders[r.ID] = r
	}
	for _, p := range snap.Profiles {
		st.profiles[p.UserID] = p
	}
	return nil
}

// replayJournal applies every complete journal line. A torn final line
// (crash mid-write) is ignored.
func replayJournal(path string, st *memState) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		var ops []journalOp
		if err := json.Unmarshal(sc.Bytes(), &ops); err != nil {
			continue
		}
		for _, op := range ops {
			st.apply(op)
		}
		n++
	}
	return n, sc.Err()
}
