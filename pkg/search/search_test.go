package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strconv"
	"testing"

	"github.com/vango-go/plantassist/pkg/core/types"
	"github.com/vango-go/plantassist/pkg/metrics"
	"github.com/vango-go/plantassist/pkg/storage"
)

type fakeFinder struct {
	refs    []types.MediaRef
	err     error
	queries []string
}

func (f *fakeFinder) SearchPDFs(_ context.Context, q string) ([]types.MediaRef, error) {
	f.queries = append(f.queries, q)
	return f.refs, f.err
}

func newService(t *testing.T, f Finder, backend storage.Backend) *Service {
	t.Helper()
	return New(context.Background(), f, backend, Options{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics.New("test"),
	})
}

func TestSearch_RecordsHistoryOnSuccess(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStore()
	f := &fakeFinder{refs: []types.MediaRef{{Title: "RO handbook", URL: "https://x.org/ro.pdf"}}}
	s := newService(t, f, backend)

	refs, err := s.Search(ctx, "  reverse osmosis  ")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || f.queries[0] != "reverse osmosis" {
		t.Fatalf("refs = %+v, queries = %v", refs, f.queries)
	}
	if _, err := s.Search(ctx, "chlorine"); err != nil {
		t.Fatal(err)
	}
	if got := s.History(); !reflect.DeepEqual(got, []string{"chlorine", "reverse osmosis"}) {
		t.Fatalf("History = %v", got)
	}

	reloaded := newService(t, f, backend)
	if got := reloaded.History(); !reflect.DeepEqual(got, []string{"chlorine", "reverse osmosis"}) {
		t.Fatalf("reloaded History = %v", got)
	}
}

func TestSearch_FailureLeavesHistory(t *testing.T) {
	f := &fakeFinder{err: errors.New("quota")}
	s := newService(t, f, storage.NewMemoryStore())
	if _, err := s.Search(context.Background(), "pumps"); err == nil {
		t.Fatal("expected error")
	}
	if len(s.History()) != 0 {
		t.Fatalf("History = %v", s.History())
	}
}

func TestSearch_EmptyQueryRejected(t *testing.T) {
	f := &fakeFinder{}
	s := newService(t, f, storage.NewMemoryStore())
	if _, err := s.Search(context.Background(), "   "); err == nil {
		t.Fatal("expected error")
	}
	if len(f.queries) != 0 {
		t.Fatal("finder should not be called")
	}
}

func TestHistory_DedupesAndCaps(t *testing.T) {
	ctx := context.Background()
	s := newService(t, &fakeFinder{}, storage.NewMemoryStore())
	for i := 0; i < MaxHistory+3; i++ {
		if _, err := s.Search(ctx, "q"+strconv.Itoa(i)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Search(ctx, "q12"); err != nil {
		t.Fatal(err)
	}
	h := s.History()
	if len(h) != MaxHistory || h[0] != "q12" || h[MaxHistory-1] != "q3" {
		t.Fatalf("History = %v", h)
	}
	// An existing entry keeps its position.
	if _, err := s.Search(ctx, "q5"); err != nil {
		t.Fatal(err)
	}
	if got := s.History(); !reflect.DeepEqual(got, h) {
		t.Fatalf("History changed: %v", got)
	}
}

func TestRemoveHistory(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStore()
	s := newService(t, &fakeFinder{}, backend)
	for _, q := range []string{"a", "b", "c"} {
		if _, err := s.Search(ctx, q); err != nil {
			t.Fatal(err)
		}
	}
	if !s.RemoveHistory(ctx, "b") {
		t.Fatal("RemoveHistory(b) = false")
	}
	if s.RemoveHistory(ctx, "missing") {
		t.Fatal("RemoveHistory(missing) = true")
	}
	data, _ := backend.Load(ctx, HistoryKey)
	var stored []string
	_ = json.Unmarshal(data, &stored)
	if !reflect.DeepEqual(stored, []string{"c", "a"}) {
		t.Fatalf("stored = %v", stored)
	}
}

func TestNew_CorruptHistoryStartsEmpty(t *testing.T) {
	backend := storage.NewMemoryStore()
	backend.Set(HistoryKey, []byte("{not json"))
	s := newService(t, &fakeFinder{}, backend)
	if len(s.History()) != 0 {
		t.Fatalf("History = %v", s.History())
	}
}

func TestSuggestions(t *testing.T) {
	backend := storage.NewMemoryStore()
	backend.Set(HistoryKey, []byte(`["Chlorine dose calc","sand filter"]`))
	s := New(context.Background(), &fakeFinder{}, backend, Options{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Popular: []string{"chlorine residual", "Chlorine dose calc", "pH meters", "chlorine a", "chlorine b", "chlorine c"},
	})

	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"CHLOR", []string{"Chlorine dose calc", "chlorine residual", "chlorine a", "chlorine b", "chlorine c"}},
		{"sand filter", nil},
		{"ph", []string{"pH meters"}},
		{"zzz", nil},
	}
	for _, tt := range tests {
		if got := s.Suggestions(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Suggestions(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSuggestions_DefaultPopularQueries(t *testing.T) {
	s := newService(t, &fakeFinder{}, storage.NewMemoryStore())
	got := s.Suggestions("الكلور")
	if len(got) != 1 || got[0] != "حساب جرعة الكلور" {
		t.Fatalf("Suggestions = %v", got)
	}
}
