package archive

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/fleetboard/internal/roster"
)

func sampleRecord(token string) *Record {
	view := roster.NewView()
	view.Fleet = roster.Fleet{ID: 1, Name: "Home"}
	view.Columns.Insert(roster.CategoryLogi, roster.Entry{ID: 4, CreatedAt: 10})
	return &Record{
		Token:    token,
		SavedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Reason:   "bootstrap",
		Snapshot: view.Snapshot(),
	}
}

func TestBuildBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build archive backend failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil memory backend")
	}
	if err := backend.Save(sampleRecord("tok")); err != nil {
		t.Fatalf("memory backend save failed: %v", err)
	}
	record, err := backend.Load("tok")
	if err != nil {
		t.Fatalf("memory backend load failed: %v", err)
	}
	if record == nil || record.Snapshot.Fleet.Name != "Home" || len(record.Snapshot.Columns[roster.CategoryLogi]) != 1 {
		t.Fatalf("unexpected record %+v", record)
	}
	missing, err := backend.Load("other")
	if err != nil || missing != nil {
		t.Fatalf("expected nil record for unknown token, got %+v, %v", missing, err)
	}
}

func TestBuildBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive", "boards.json")
	backend, err := BuildBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file backend failed: %v", err)
	}
	if err := backend.Save(sampleRecord("a")); err != nil {
		t.Fatalf("save a failed: %v", err)
	}
	if err := backend.Save(sampleRecord("b")); err != nil {
		t.Fatalf("save b failed: %v", err)
	}

	reopened := NewJSONFileBackend(path)
	for _, token := range []string{"a", "b"} {
		record, err := reopened.Load(token)
		if err != nil {
			t.Fatalf("load %s failed: %v", token, err)
		}
		if record == nil || record.Token != token || !record.SavedAt.Equal(sampleRecord(token).SavedAt) {
			t.Fatalf("unexpected record for %s: %+v", token, record)
		}
	}
}

func TestBuildBackendFromDSNUnsupported(t *testing.T) {
	backend, err := BuildBackendFromDSN("postgres://localhost/fleetboard?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres backend to be available, got %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil postgres backend")
	}
	if _, err := BuildBackendFromDSN("mysql://localhost/fleetboard"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql, got %v", err)
	}
	if _, err := BuildBackendFromDSN("redis://localhost"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestSaveRequiresToken(t *testing.T) {
	if err := NewInMemoryBackend().Save(&Record{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRegisterBackendFactory(t *testing.T) {
	scheme := "archivetestcustom"
	RegisterBackendFactory(scheme, func(dsn string) (Backend, error) {
		return NewInMemoryBackend(), nil
	})
	backend, err := BuildBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build backend via registered factory failed: %v", err)
	}
	if _, ok := backend.(*InMemoryBackend); !ok {
		t.Fatalf("expected registered factory backend, got %T", backend)
	}
}
