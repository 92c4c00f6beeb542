package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "tgnotify/pkg/logx"
)

// fileStore keeps everything in plain files next to the configured path.
//
// Files:
//   - <prefix>.contacts.json       (snapshot, rewritten on change)
//   - <prefix>.deliveries.jsonl    (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// The dedup journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	contactsPath string
	contacts     map[int64]Contact

	deliveryFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	contacts := map[int64]Contact{}
	if err := loadJSON(prefix+".contacts.json", &contacts); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("contacts snapshot unreadable; starting empty", logx.Err(err))
		contacts = map[int64]Contact{}
	}

	df, err := os.OpenFile(prefix+".deliveries.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"
	dedup := map[string]int64{}
	_ = loadJSON(snapPath, &dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		contactsPath:      prefix + ".contacts.json",
		contacts:          contacts,
		deliveryFile:      df,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.deliveryFile != nil {
		errs = append(errs, s.deliveryFile.Close())
		s.deliveryFile = nil
	}
	if s.dedupJournalFile != nil {
		errs = append(errs, s.dedupJournalFile.Close())
		s.dedupJournalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) RecordContact(_ context.Context, chatID int64, username string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return ErrDisabled
	}
	c, ok := s.contacts[chatID]
	if !ok {
		c = Contact{ChatID: chatID, FirstSeen: at}
	}
	if username != "" {
		c.Username = username
	}
	c.LastSeen = at
	c.Messages++
	s.contacts[chatID] = c
	return writeJSONAtomic(s.contactsPath, s.contacts)
}

func (s *fileStore) ListContacts(context.Context) ([]Contact, error) {
	s.mu.Lock()
	out := make([]Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	s.mu.Unlock()
	sortContacts(out)
	return out, nil
}

func (s *fileStore) AppendDelivery(_ context.Context, d Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.deliveryFile).Encode(d)
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return ErrDisabled
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	ms, ok := s.dedup[key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup, time.Now())
	if err := writeJSONAtomic(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.dedupJournalFile.Seek(0, 2)
	return err
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadJSON(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if v < cut {
			delete(m, k)
		}
	}
}

// sortContacts orders by most recent activity first.
func sortContacts(cs []Contact) {
	slices.SortFunc(cs, func(a, b Contact) int {
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		switch {
		case a.ChatID < b.ChatID:
			return -1
		case a.ChatID > b.ChatID:
			return 1
		}
		return 0
	})
}
