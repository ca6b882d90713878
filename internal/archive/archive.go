package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fleetboard/internal/roster"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Record is the last-known-good board for one fleet. It is display data
// only; a record is never used to resume streaming.
type Record struct {
	Token    string          `json:"token"`
	SavedAt  time.Time       `json:"savedAt"`
	Reason   string          `json:"reason,omitempty"`
	Snapshot roster.Snapshot `json:"snapshot"`
}

type Backend interface {
	Load(token string) (*Record, error)
	Save(record *Record) error
}

type InMemoryBackend struct {
	mu      sync.Mutex
	records map[string][]byte
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{records: map[string][]byte{}}
}

func (b *InMemoryBackend) Load(token string) (*Record, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	data, ok := b.records[token]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (b *InMemoryBackend) Save(record *Record) error {
	if b == nil || record == nil {
		return nil
	}
	if strings.TrimSpace(record.Token) == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[record.Token] = data
	return nil
}

// JSONFileBackend keeps every fleet's record in one JSON document keyed by
// fleet token.
type JSONFileBackend struct {
	Path string

	mu sync.Mutex
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load(token string) (*Record, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	all, err := b.readAll()
	if err != nil {
		return nil, err
	}
	record, ok := all[token]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (b *JSONFileBackend) Save(record *Record) error {
	if b == nil || b.Path == "" || record == nil {
		return nil
	}
	if strings.TrimSpace(record.Token) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	all, err := b.readAll()
	if err != nil {
		return err
	}
	all[record.Token] = *record
	data, err := json.Marshal(all)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func (b *JSONFileBackend) readAll() (map[string]Record, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Record{}, nil
		}
		return nil, err
	}
	all := map[string]Record{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	return all, nil
}

// BuildBackendFromDSN selects a backend by DSN scheme: memory://,
// file://path (or a bare path) and postgres://. Schemes registered with
// RegisterBackendFactory take precedence.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: archive backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported archive backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
