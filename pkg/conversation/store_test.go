package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/plantassist/pkg/core/types"
	"github.com/vango-go/plantassist/pkg/storage"
)

const testKey = "section1_conversations"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

// Now advances by one millisecond per call so every mutation gets a distinct
// timestamp.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("conv-%d", n.Add(1)) }
}

func newTestStore(t *testing.T, backend storage.Backend) *Store {
	t.Helper()
	clock := newFakeClock()
	return Open(context.Background(), backend, testKey, Options{
		DefaultTitle: "محادثة جديدة",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:          clock.Now,
		NewID:        sequentialIDs(),
	})
}

func appendUser(text string) Updater {
	return func(msgs []types.Message) []types.Message {
		return append(msgs, types.Message{ID: int64(len(msgs) + 1), Role: types.RoleUser, Text: text})
	}
}

func appendModel(text string) Updater {
	return func(msgs []types.Message) []types.Message {
		return append(msgs, types.Message{ID: int64(len(msgs) + 1), Role: types.RoleModel, Text: text})
	}
}

func assertSorted(t *testing.T, s *Store) {
	t.Helper()
	list := s.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].Timestamp < list[i].Timestamp {
			t.Fatalf("List not sorted descending at %d: %v", i, list)
		}
	}
}

func TestOpen_EmptyAbsentAndCorrupt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		seed []byte
	}{
		{name: "absent"},
		{name: "corrupt", seed: []byte("{not json")},
		{name: "wrong shape", seed: []byte(`{"id":"x"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := storage.NewMemoryStore()
			if tt.seed != nil {
				backend.Set(testKey, tt.seed)
			}
			s := newTestStore(t, backend)
			if got := s.List(); len(got) != 0 {
				t.Fatalf("List = %v, want empty", got)
			}
			if _, ok := s.Active(); ok {
				t.Fatal("expected no active conversation")
			}
		})
	}
}

func TestOpen_SortsAndActivatesMostRecent(t *testing.T) {
	t.Parallel()
	backend := storage.NewMemoryStore()
	backend.Set(testKey, []byte(`[
		{"id":"old","title":"a","timestamp":100,"messages":[]},
		{"id":"new","title":"b","timestamp":300,"messages":[]},
		{"id":"mid","title":"c","timestamp":200,"messages":null}
	]`))

	s := newTestStore(t, backend)
	list := s.List()
	ids := []string{list[0].ID, list[1].ID, list[2].ID}
	if !reflect.DeepEqual(ids, []string{"new", "mid", "old"}) {
		t.Fatalf("order = %v", ids)
	}
	if s.ActiveID() != "new" {
		t.Fatalf("ActiveID = %q, want new", s.ActiveID())
	}
	c, _ := s.Get("mid")
	if c.Messages == nil {
		t.Fatal("nil messages should be normalized to empty")
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemoryStore())

	a := s.Create()
	b := s.Create()

	if a.Title != "محادثة جديدة" || len(a.Messages) != 0 {
		t.Fatalf("Create = %+v", a)
	}
	if s.ActiveID() != b.ID {
		t.Fatalf("ActiveID = %q, want %q", s.ActiveID(), b.ID)
	}
	if list := s.List(); list[0].ID != b.ID || list[1].ID != a.ID {
		t.Fatalf("List = %v, want newest first", list)
	}
}

func TestSelect_UnknownIsNoop(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemoryStore())
	a := s.Create()
	s.Create()

	if !s.Select(a.ID) || s.ActiveID() != a.ID {
		t.Fatal("Select(existing) should activate it")
	}
	if s.Select("missing") {
		t.Fatal("Select(missing) should report false")
	}
	if s.ActiveID() != a.ID {
		t.Fatalf("ActiveID changed to %q", s.ActiveID())
	}
}

func TestUpdate_NoActiveCreatesTitledConversation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemoryStore())

	id := s.Update(appendUser("ما هي جرعة الكلور المناسبة؟"))
	c, ok := s.Active()
	if !ok || c.ID != id {
		t.Fatalf("Active = %+v, %v; want %q", c, ok, id)
	}
	if c.Title != "ما هي جرعة الكلور المناسبة؟" {
		t.Fatalf("Title = %q", c.Title)
	}
}

func TestUpdate_TitleDerivedOnFirstPopulationOnly(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemoryStore())
	c := s.Create()

	s.Update(appendUser("first question"))
	s.Update(appendModel("answer"))
	s.Update(func(msgs []types.Message) []types.Message {
		msgs[0].Text = "rewritten question"
		return msgs
	})

	got, _ := s.Get(c.ID)
	if got.Title != "first question" {
		t.Fatalf("Title = %q, want stable first-message title", got.Title)
	}
}

func TestUpdate_FirstPopulationWithoutUserKeepsDefault(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemoryStore())

	s.Update(appendModel("upload failed"))
	c, _ := s.Active()
	if c.Title != "محادثة جديدة" {
		t.Fatalf("Title = %q, want default", c.Title)
	}
}

func TestDeriveTitle(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("م", 45)
	tests := []struct {
		in, want string
	}{
		{"short", "short"},
		{strings.Repeat("a", 40), strings.Repeat("a", 40)},
		{strings.Repeat("a", 41), strings.Repeat("a", 40) + "..."},
		{long, strings.Repeat("م", 40) + "..."},
	}
	for _, tt := range tests {
		if got := DeriveTitle(tt.in); got != tt.want {
			t.Errorf("DeriveTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOrdering_AfterMutations(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemoryStore())
	a := s.Create()
	b := s.Create()
	c := s.Create()

	s.Select(a.ID)
	s.Update(appendUser("bump a"))
	assertSorted(t, s)
	if s.List()[0].ID != a.ID {
		t.Fatalf("head = %q, want %q", s.List()[0].ID, a.ID)
	}

	s.UpdateIn(b.ID, appendUser("bump b"))
	assertSorted(t, s)
	list := s.List()
	if list[0].ID != b.ID || list[1].ID != a.ID || list[2].ID != c.ID {
		t.Fatalf("order = %v", list)
	}
}

func TestUpdateIn_LandsInNonActiveConversation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemoryStore())
	a := s.Create()
	b := s.Create()

	if !s.UpdateIn(a.ID, appendModel("late result")) {
		t.Fatal("UpdateIn(existing) = false")
	}
	if s.ActiveID() != b.ID {
		t.Fatalf("UpdateIn changed active to %q", s.ActiveID())
	}
	got, _ := s.Get(a.ID)
	if len(got.Messages) != 1 || got.Messages[0].Text != "late result" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if s.UpdateIn("deleted", appendModel("x")) {
		t.Fatal("UpdateIn(missing) = true")
	}
}

func TestDelete_TwoPhase(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemoryStore())
	a := s.Create()

	if _, ok := s.ConfirmDelete(); ok {
		t.Fatal("ConfirmDelete without request should do nothing")
	}
	if s.RequestDelete("missing") {
		t.Fatal("RequestDelete(missing) = true")
	}
	if !s.RequestDelete(a.ID) {
		t.Fatal("RequestDelete(existing) = false")
	}
	if id, ok := s.PendingDeletion(); !ok || id != a.ID {
		t.Fatalf("PendingDeletion = %q, %v", id, ok)
	}
	if len(s.List()) != 1 {
		t.Fatal("request alone must not remove")
	}

	s.CancelDelete()
	if _, ok := s.PendingDeletion(); ok {
		t.Fatal("CancelDelete should clear pending state")
	}
	if _, ok := s.ConfirmDelete(); ok {
		t.Fatal("ConfirmDelete after cancel should do nothing")
	}

	s.RequestDelete(a.ID)
	if id, ok := s.ConfirmDelete(); !ok || id != a.ID {
		t.Fatalf("ConfirmDelete = %q, %v", id, ok)
	}
	if len(s.List()) != 0 || s.ActiveID() != "" {
		t.Fatalf("after delete: list=%v active=%q", s.List(), s.ActiveID())
	}
}

func TestDelete_ActiveSelectionInvariant(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemoryStore())
	a := s.Create()
	b := s.Create()
	c := s.Create()

	// Deleting a non-active conversation keeps the active id.
	s.RequestDelete(a.ID)
	s.ConfirmDelete()
	if s.ActiveID() != c.ID {
		t.Fatalf("ActiveID = %q, want %q", s.ActiveID(), c.ID)
	}

	// Deleting the active one falls back to the next most recent.
	s.RequestDelete(c.ID)
	s.ConfirmDelete()
	if s.ActiveID() != b.ID {
		t.Fatalf("ActiveID = %q, want %q", s.ActiveID(), b.ID)
	}

	s.RequestDelete(b.ID)
	s.ConfirmDelete()
	if s.ActiveID() != "" {
		t.Fatalf("ActiveID = %q, want none", s.ActiveID())
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	t.Parallel()
	backend := storage.NewMemoryStore()
	s := newTestStore(t, backend)

	s.Update(appendUser("how do I calibrate a pH meter?"))
	s.Update(func(msgs []types.Message) []types.Message {
		return append(msgs, types.Message{
			ID:     99,
			Role:   types.RoleModel,
			Text:   "Use buffer solutions.",
			Videos: []types.MediaRef{{Title: "pH", URL: "https://youtube.com/watch?v=1"}},
		})
	})
	s.Create()
	s.Update(func(msgs []types.Message) []types.Message {
		return append(msgs, types.Message{ID: 1, Role: types.RoleUser, Text: "img", Image: "data:image/png;base64,AAAA"})
	})

	want := s.Snapshot()
	reopened := newTestStore(t, backend)
	got := reopened.Snapshot()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestPersistence_WireShape(t *testing.T) {
	t.Parallel()
	backend := storage.NewMemoryStore()
	s := newTestStore(t, backend)
	s.Update(func(msgs []types.Message) []types.Message {
		return append(msgs,
			types.Message{ID: 1, Role: types.RoleUser, Text: "q"},
			types.Message{ID: 2, Role: types.RoleModel, IsLoading: true},
		)
	})

	data, err := backend.Load(context.Background(), testKey)
	if err != nil {
		t.Fatal(err)
	}
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if len(raw) != 1 {
		t.Fatalf("records = %d", len(raw))
	}
	for _, k := range []string{"id", "title", "timestamp", "messages"} {
		if _, ok := raw[0][k]; !ok {
			t.Errorf("missing %q", k)
		}
	}
	msgs := raw[0]["messages"].([]any)
	pending := msgs[1].(map[string]any)
	if pending["isLoading"] != true || pending["role"] != "model" {
		t.Fatalf("pending message = %v", pending)
	}
	if _, ok := msgs[0].(map[string]any)["isLoading"]; ok {
		t.Fatal("isLoading should be omitted when false")
	}
}

func TestPersistence_WriteFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	backend := storage.NewMemoryStore()
	backend.FailSave = errors.New("quota exceeded")
	s := newTestStore(t, backend)

	s.Update(appendUser("still works"))
	if c, ok := s.Active(); !ok || len(c.Messages) != 1 {
		t.Fatalf("mutation should apply despite write failure: %+v", c)
	}
}

func TestUpdate_ConcurrentMergesDoNotDropMessages(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemoryStore())
	id := s.Create().ID

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.UpdateIn(id, appendUser(fmt.Sprintf("m%d", i)))
		}(i)
	}
	wg.Wait()

	c, _ := s.Get(id)
	if len(c.Messages) != 50 {
		t.Fatalf("messages = %d, want 50", len(c.Messages))
	}
}

func TestUpdater_ReceivesPrivateCopy(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemoryStore())
	s.Update(appendUser("original"))

	var leaked []types.Message
	s.Update(func(msgs []types.Message) []types.Message {
		leaked = msgs
		return msgs
	})
	leaked[0].Text = "tampered"

	c, _ := s.Active()
	if c.Messages[0].Text != "original" {
		t.Fatal("updater slice aliases store state")
	}
}

func TestWatch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, storage.NewMemoryStore())

	var (
		mu    sync.Mutex
		kinds []ChangeKind
	)
	stop := s.Watch(func(ch Change) {
		mu.Lock()
		kinds = append(kinds, ch.Kind)
		mu.Unlock()
	})

	a := s.Create()
	s.Update(appendUser("x"))
	s.RequestDelete(a.ID)
	s.ConfirmDelete()
	stop()
	s.Create()

	mu.Lock()
	defer mu.Unlock()
	want := []ChangeKind{ChangeCreated, ChangeUpdated, ChangePending, ChangeDeleted}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
}

func TestMessageIDs_Monotonic(t *testing.T) {
	t.Parallel()
	fixed := time.UnixMilli(1000)
	g := NewMessageIDs(func() time.Time { return fixed })

	a, b, c := g.Next(), g.Next(), g.Next()
	if a != 1000 || b != 1001 || c != 1002 {
		t.Fatalf("ids = %d %d %d", a, b, c)
	}
}
