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
	"time"

	logx "relaybot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.deliveries.jsonl (append-only JSON Lines)
//
// Totals are rebuilt by replaying the jsonl at open and kept in memory after
// that. The file is never rewritten, only appended to.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	file   *os.File
	totals Totals
}

type deliveryRecord struct {
	At          string `json:"at"`
	MessageID   int    `json:"message_id"`
	Destination string `json:"destination"`
	OK          bool   `json:"ok"`
	Class       string `json:"class,omitempty"`
	Error       string `json:"error,omitempty"`
	Cycle       uint64 `json:"cycle,omitempty"`
}

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

	jsonlPath := prefix + ".deliveries.jsonl"

	totals, err := replayDeliveries(jsonlPath)
	if err != nil {
		log.Warn("delivery history replay failed", logx.Err(err))
	}

	f, err := os.OpenFile(jsonlPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, file: f, totals: totals}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	rec := deliveryRecord{
		At:          e.At.Format(time.RFC3339Nano),
		MessageID:   e.MessageID,
		Destination: e.Destination,
		OK:          e.OK,
		Class:       e.Class,
		Error:       e.Error,
		Cycle:       e.Cycle,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("delivery history closed")
	}
	if err := json.NewEncoder(s.file).Encode(rec); err != nil {
		return err
	}
	countDelivery(&s.totals, e.OK, e.Class)
	return nil
}

func (s *fileStore) Totals(ctx context.Context) (Totals, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals, nil
}

func replayDeliveries(path string) (Totals, error) {
	var t Totals
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r deliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		countDelivery(&t, r.OK, r.Class)
	}
	return t, sc.Err()
}

func countDelivery(t *Totals, ok bool, class string) {
	if ok {
		t.Delivered++
		return
	}
	t.Failed++
	if class == "unreachable" {
		t.Pruned++
	}
}
