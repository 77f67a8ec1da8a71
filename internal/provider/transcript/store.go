// Package transcript persists the conversations of adapters that own their
// transcript format: one JSON record per line under a data directory.
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
)

var (
	ErrInvalidTaskID      = errors.New("invalid task id")
	ErrSymlinkNotAllowed  = errors.New("symlinks not allowed for transcript files")
	taskIDRegex           = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	maxTranscriptLineSize = 1024 * 1024
)

func ValidateTaskID(id string) error {
	if !taskIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %s", ErrInvalidTaskID, id)
	}
	return nil
}

type RecordType string

const (
	RecordMessage RecordType = "message"
	RecordMeta    RecordType = "meta"
)

type record struct {
	Type      RecordType        `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   *domain.Message   `json:"message,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

type CorruptionError struct {
	TaskID       string
	CorruptLines int
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("transcript for %s has %d corrupt line(s)", e.TaskID, e.CorruptLines)
}

type Store struct {
	dir string
	mu  sync.RWMutex
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".jsonl")
}

// Path resolves the transcript of taskID, returning "" when none exists.
func (s *Store) Path(taskID string) (string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return "", err
	}
	p := s.path(taskID)
	info, err := os.Lstat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", ErrSymlinkNotAllowed
	}
	return p, nil
}

func (s *Store) AppendMessage(taskID string, msg domain.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return s.append(taskID, record{Type: RecordMessage, Timestamp: msg.Timestamp, Message: &msg})
}

func (s *Store) AppendMeta(taskID string, meta map[string]string) error {
	return s.append(taskID, record{Type: RecordMeta, Timestamp: time.Now().UTC(), Meta: meta})
}

func (s *Store) append(taskID string, rec record) error {
	if err := ValidateTaskID(taskID); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(taskID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write transcript record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync transcript: %w", err)
	}
	return nil
}

// ReadAll returns every message in the transcript, indexed 0..N-1. A missing
// transcript yields os.ErrNotExist. Unparseable lines are skipped and
// reported through a *CorruptionError alongside the good messages.
func (s *Store) ReadAll(taskID string) ([]domain.Message, error) {
	msgs, _, err := s.read(taskID)
	return msgs, err
}

// Meta returns the latest value recorded for key.
func (s *Store) Meta(taskID, key string) (string, error) {
	_, meta, err := s.read(taskID)
	var corrupt *CorruptionError
	if err != nil && !errors.As(err, &corrupt) {
		return "", err
	}
	return meta[key], nil
}

func (s *Store) read(taskID string) ([]domain.Message, map[string]string, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := os.Open(s.path(taskID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, os.ErrNotExist
		}
		return nil, nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxTranscriptLineSize)

	var msgs []domain.Message
	meta := make(map[string]string)
	corruptLines := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			corruptLines++
			continue
		}
		switch rec.Type {
		case RecordMessage:
			if rec.Message == nil {
				corruptLines++
				continue
			}
			m := *rec.Message
			m.Index = len(msgs)
			msgs = append(msgs, m)
		case RecordMeta:
			for k, v := range rec.Meta {
				meta[k] = v
			}
		default:
			corruptLines++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	if corruptLines > 0 {
		return msgs, meta, &CorruptionError{TaskID: taskID, CorruptLines: corruptLines}
	}
	return msgs, meta, nil
}

// Page reads the transcript and paginates it. Missing transcripts produce an
// empty page, and corrupt lines are tolerated.
func (s *Store) Page(taskID string, opts provider.PageOptions) (provider.Page, error) {
	msgs, err := s.ReadAll(taskID)
	var corrupt *CorruptionError
	switch {
	case errors.Is(err, os.ErrNotExist):
		return provider.Paginate(nil, opts), nil
	case err != nil && !errors.As(err, &corrupt):
		return provider.Page{}, err
	}
	return provider.Paginate(msgs, opts), nil
}

// NormalizeLine decodes one transcript line. Meta records and anything
// unparseable report false.
func NormalizeLine(line []byte, indexHint int) (domain.Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return domain.Message{}, false
	}
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return domain.Message{}, false
	}
	if rec.Type != RecordMessage || rec.Message == nil {
		return domain.Message{}, false
	}
	m := *rec.Message
	m.Index = indexHint
	return m, true
}
