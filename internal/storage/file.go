package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "warden/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.state.snapshot.json  (periodic snapshot)
//   - <prefix>.state.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot. The audit file is
// never rewritten; the event-id index is rebuilt by scanning it on open.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File
	byEvent   map[string]AuditEntry

	stateSnapshotPath string
	stateJournalFile  *os.File
	states            map[string]json.RawMessage

	stateWrites int
}

type stateRecord struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
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

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	// Rebuild the idempotence index from the existing trail.
	byEvent := map[string]AuditEntry{}
	_ = replayAudit(auditPath, byEvent)

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load state from snapshot + journal.
	states := map[string]json.RawMessage{}
	_ = loadStateSnapshot(snapPath, states)
	_ = replayStateJournal(journalPath, states)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		auditFile:         af,
		byEvent:           byEvent,
		stateSnapshotPath: snapPath,
		stateJournalFile:  jf,
		states:            states,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.stateJournalFile != nil {
		err2 = s.stateJournalFile.Close()
		s.stateJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) LoadState(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.states[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, true, nil
}

func (s *fileStore) SaveState(ctx context.Context, key string, data []byte) error {
	_ = ctx
	if key == "" {
		return errors.New("empty state key")
	}
	cp := make(json.RawMessage, len(data))
	copy(cp, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateJournalFile == nil {
		return ErrClosed
	}
	s.states[key] = cp

	enc := json.NewEncoder(s.stateJournalFile)
	if err := enc.Encode(stateRecord{Key: key, Data: cp}); err != nil {
		return err
	}
	s.stateWrites++
	if s.stateWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListStateKeys(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.states))
	for k := range s.states {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	enc := json.NewEncoder(s.auditFile)
	if err := enc.Encode(e); err != nil {
		return err
	}
	if e.EventID != "" {
		if _, dup := s.byEvent[e.EventID]; !dup {
			s.byEvent[e.EventID] = e
		}
	}
	return nil
}

func (s *fileStore) AuditByEvent(ctx context.Context, eventID string) (AuditEntry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byEvent[eventID]
	return e, ok, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.stateSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.states); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.stateSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.stateJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.stateJournalFile.Seek(0, 2)
	return err
}

func loadStateSnapshot(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayStateJournal(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r stateRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Data
	}
	return sc.Err()
}

func replayAudit(path string, out map[string]AuditEntry) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.EventID == "" {
			continue
		}
		if _, dup := out[e.EventID]; !dup {
			out[e.EventID] = e
		}
	}
	return sc.Err()
}
