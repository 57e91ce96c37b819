package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	logx "hookrelay/pkg/logx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// recentCap bounds the in-memory tail served by Recent.
const recentCap = 1000

// fileStore appends one JSON object per line to Path. The newest records
// are also kept in memory so Recent never rereads the file.
//
// Prune rewrites the file through a temp file and rename.
type fileStore struct {
	log       logx.Logger
	path      string
	retention time.Duration

	mu     sync.Mutex
	f      *os.File
	recent []Delivery // oldest first
	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	recent, err := loadTail(path, recentCap)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("audit file unreadable; starting empty", logx.String("path", path), logx.Err(err))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, retention: cfg.Retention, f: f, recent: recent}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) Record(ctx context.Context, d Delivery) error {
	_ = ctx
	if d.At.IsZero() {
		d.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("audit file closed")
	}
	if err := json.NewEncoder(s.f).Encode(d); err != nil {
		return err
	}
	s.recent = append(s.recent, d)
	if len(s.recent) > recentCap {
		s.recent = append(s.recent[:0], s.recent[len(s.recent)-recentCap:]...)
	}
	s.writes++
	if s.retention > 0 && s.writes%1000 == 0 {
		if _, err := s.pruneLocked(time.Now().Add(-s.retention)); err != nil {
			s.log.Debug("audit compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Recent(ctx context.Context, n int) ([]Delivery, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]Delivery, 0, n)
	for i := len(s.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(before)
}

func (s *fileStore) pruneLocked(before time.Time) (int64, error) {
	if s.f == nil {
		return 0, errors.New("audit file closed")
	}
	in, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	tmp := s.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = in.Close()
		return 0, err
	}

	var removed int64
	w := bufio.NewWriter(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var d Delivery
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil || d.At.Before(before) {
			removed++
			continue
		}
		_, _ = w.Write(sc.Bytes())
		_ = w.WriteByte('\n')
	}
	_ = in.Close()
	if err := sc.Err(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}

	// Reopen: the old descriptor points at the replaced inode.
	_ = s.f.Close()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return removed, err
	}
	s.f = f

	kept := s.recent[:0]
	for _, d := range s.recent {
		if !d.At.Before(before) {
			kept = append(kept, d)
		}
	}
	s.recent = kept
	return removed, nil
}

func loadTail(path string, max int) ([]Delivery, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Delivery
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var d Delivery
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			continue
		}
		out = append(out, d)
		if len(out) > max {
			out = out[1:]
		}
	}
	return out, sc.Err()
}
