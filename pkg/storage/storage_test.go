package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Load(ctx, "section1_conversations"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load(missing) err = %v, want ErrNotFound", err)
	}

	if err := b.Save(ctx, "section1_conversations", []byte(`[{"id":"a"}]`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := b.Save(ctx, "section1_conversations", []byte(`[{"id":"b"}]`)); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	got, err := b.Load(ctx, "section1_conversations")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != `[{"id":"b"}]` {
		t.Fatalf("Load = %s, want overwritten record", got)
	}

	// Keys are isolated from each other.
	if _, err := b.Load(ctx, "section3_conversations"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load(other key) err = %v, want ErrNotFound", err)
	}

	if err := b.Delete(ctx, "section1_conversations"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Load(ctx, "section1_conversations"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load(after delete) err = %v, want ErrNotFound", err)
	}
	if err := b.Delete(ctx, "never_written"); err != nil {
		t.Fatalf("Delete(missing) = %v, want nil", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseBackend(t, NewMemoryStore())
}

func TestMemoryStore_FailSave(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	s.FailSave = errors.New("quota exceeded")
	if err := s.Save(context.Background(), "k", []byte("v")); err == nil {
		t.Fatal("expected FailSave to be returned")
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	exerciseBackend(t, s)
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(context.Background(), "gemini_api_key", []byte("k")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "gemini_api_key.json" {
		t.Fatalf("dir entries = %v, want only gemini_api_key.json", entries)
	}
}

func TestFileStore_RejectsPathKeys(t *testing.T) {
	t.Parallel()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"", "..", "a/b", `a\b`} {
		if err := s.Save(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("Save(%q) succeeded, want error", key)
		}
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "plantassist.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	exerciseBackend(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PLANTASSIST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PLANTASSIST_TEST_POSTGRES_DSN not set")
	}
	s, err := OpenPostgres(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer s.Close()
	exerciseBackend(t, s)
}

func TestOpen_Drivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, err := Open(ctx, Config{Driver: "memory"}, nil)
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	if _, ok := b.(*MemoryStore); !ok {
		t.Fatalf("Open(memory) = %T", b)
	}

	b, err = Open(ctx, Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("Open(default): %v", err)
	}
	if _, ok := b.(*FileStore); !ok {
		t.Fatalf("Open(default) = %T, want *FileStore", b)
	}

	if _, err := Open(ctx, Config{Driver: "redis"}, nil); err == nil {
		t.Fatal("Open(redis) should fail")
	}
	if _, err := Open(ctx, Config{Driver: "postgres"}, nil); err == nil {
		t.Fatal("Open(postgres) without DSN should fail")
	}
}
