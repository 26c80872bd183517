// Package conversation owns the per-section conversation collections.
//
// A Store holds every conversation of one section under a single storage key,
// keeps them ordered by last-modified time (newest first), tracks which one is
// active, and writes the whole collection back to its backend after every
// mutation. All mutations are read-modify-write under one mutex, so streaming
// merges and submission results never interleave inconsistently.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vango-go/plantassist/pkg/core"
	"github.com/vango-go/plantassist/pkg/core/types"
	"github.com/vango-go/plantassist/pkg/metrics"
	"github.com/vango-go/plantassist/pkg/storage"
)

// TitleMaxRunes bounds a derived title before the ellipsis is appended.
const TitleMaxRunes = 40

const ellipsis = "..."

// Updater transforms a conversation's message sequence into its next value.
// It receives a private copy and may modify it in place.
type Updater func(msgs []types.Message) []types.Message

// Options configures a Store.
type Options struct {
	// DefaultTitle is used until a first user message provides one.
	DefaultTitle string
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	// PersistTimeout bounds every backend write. Zero means 5s.
	PersistTimeout time.Duration

	Now   func() time.Time
	NewID func() string
}

// ChangeKind classifies a store notification.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeSelected ChangeKind = "selected"
	ChangeDeleted  ChangeKind = "deleted"
	ChangePending  ChangeKind = "delete_pending"
)

// Change is delivered to watchers after a mutation has been applied.
type Change struct {
	Kind           ChangeKind `json:"kind"`
	ConversationID string     `json:"conversationId,omitempty"`
	ActiveID       string     `json:"activeId,omitempty"`
}

// Store is the conversation collection of one section.
type Store struct {
	key          string
	backend      storage.Backend
	logger       *slog.Logger
	metrics      *metrics.Metrics
	defaultTitle string
	timeout      time.Duration
	now          func() time.Time
	newID        func() string

	mu       sync.Mutex
	convs    []types.Conversation
	activeID string
	deletion Deletion
	gen      uint64
	watchers map[int]func(Change)
	nextW    int

	persistMu    sync.Mutex
	persistedGen uint64
}

// Open loads the collection stored under key. Absent or corrupt data yields an
// empty collection; Open never fails. The most recent conversation becomes
// active.
func Open(ctx context.Context, backend storage.Backend, key string, opts Options) *Store {
	s := &Store{
		key:          key,
		backend:      backend,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		defaultTitle: opts.DefaultTitle,
		timeout:      opts.PersistTimeout,
		now:          opts.Now,
		newID:        opts.NewID,
		convs:        []types.Conversation{},
		watchers:     make(map[int]func(Change)),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}

	s.convs = s.load(ctx)
	sortByTimestamp(s.convs)
	if len(s.convs) > 0 {
		s.activeID = s.convs[0].ID
	}
	s.metrics.SetConversations(key, len(s.convs))
	return s
}

func (s *Store) load(ctx context.Context) []types.Conversation {
	if s.backend == nil {
		return []types.Conversation{}
	}
	data, err := s.backend.Load(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return []types.Conversation{}
	}
	if err != nil {
		s.logger.Warn("load conversations failed", "key", s.key, "error", err)
		return []types.Conversation{}
	}
	var convs []types.Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		s.logger.Warn("discarding corrupt conversations", "key", s.key, "error", err)
		return []types.Conversation{}
	}
	out := convs[:0]
	for _, c := range convs {
		if c.ID == "" {
			continue
		}
		if c.Messages == nil {
			c.Messages = []types.Message{}
		}
		out = append(out, c)
	}
	return out
}

// Key returns the storage key of the collection.
func (s *Store) Key() string { return s.key }

// List returns conversation summaries, most recent first.
func (s *Store) List() []types.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ConversationSummary, len(s.convs))
	for i, c := range s.convs {
		out[i] = c.Summary()
	}
	return out
}

// Snapshot returns a deep copy of the whole collection in order.
func (s *Store) Snapshot() []types.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Conversation, len(s.convs))
	for i, c := range s.convs {
		out[i] = c.Clone()
	}
	return out
}

// Get returns a copy of the conversation with id.
func (s *Store) Get(id string) (types.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return types.Conversation{}, false
	}
	return s.convs[i].Clone(), true
}

// Active returns a copy of the active conversation, if any.
func (s *Store) Active() (types.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(s.activeID)
	if i < 0 {
		return types.Conversation{}, false
	}
	return s.convs[i].Clone(), true
}

// ActiveID returns the active conversation id, or "" when none is active.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Select makes id the active conversation. Unknown ids are ignored.
func (s *Store) Select(id string) bool {
	s.mu.Lock()
	if s.indexLocked(id) < 0 {
		s.mu.Unlock()
		return false
	}
	s.activeID = id
	ch := Change{Kind: ChangeSelected, ConversationID: id, ActiveID: id}
	watchers := s.watchersLocked()
	s.mu.Unlock()

	notify(watchers, ch)
	return true
}

// Create inserts a new empty conversation at the head and activates it.
func (s *Store) Create() types.Conversation {
	s.mu.Lock()
	conv := types.Conversation{
		ID:        s.newID(),
		Title:     s.defaultTitle,
		Messages:  []types.Message{},
		Timestamp: s.now().UnixMilli(),
	}
	s.convs = append([]types.Conversation{conv}, s.convs...)
	sortByTimestamp(s.convs)
	s.activeID = conv.ID
	commit := s.commitLocked(Change{Kind: ChangeCreated, ConversationID: conv.ID})
	s.mu.Unlock()

	commit()
	return conv.Clone()
}

// Update applies fn to the active conversation's messages. With no active
// conversation, a new one is created from fn's output and activated. It
// returns the id of the conversation that was mutated.
func (s *Store) Update(fn Updater) string {
	s.mu.Lock()
	var (
		id   string
		kind = ChangeUpdated
	)
	if i := s.indexLocked(s.activeID); i >= 0 {
		id = s.convs[i].ID
		s.applyLocked(i, fn)
	} else {
		msgs := normalize(fn([]types.Message{}))
		conv := types.Conversation{
			ID:        s.newID(),
			Title:     s.titleFor(msgs),
			Messages:  msgs,
			Timestamp: s.now().UnixMilli(),
		}
		s.convs = append([]types.Conversation{conv}, s.convs...)
		sortByTimestamp(s.convs)
		s.activeID = conv.ID
		id = conv.ID
		kind = ChangeCreated
	}
	commit := s.commitLocked(Change{Kind: kind, ConversationID: id})
	s.mu.Unlock()

	commit()
	return id
}

// UpdateIn applies fn to the conversation with id regardless of which
// conversation is active. It reports false when the conversation no longer
// exists.
func (s *Store) UpdateIn(id string, fn Updater) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.applyLocked(i, fn)
	commit := s.commitLocked(Change{Kind: ChangeUpdated, ConversationID: id})
	s.mu.Unlock()

	commit()
	return true
}

// applyLocked replaces the messages of s.convs[i], derives the title on first
// population, bumps the timestamp and re-sorts.
func (s *Store) applyLocked(i int, fn Updater) {
	conv := s.convs[i]
	wasEmpty := len(conv.Messages) == 0
	msgs := normalize(fn(conv.Clone().Messages))
	conv.Messages = msgs
	if wasEmpty && len(msgs) > 0 {
		conv.Title = s.titleFor(msgs)
	}
	conv.Timestamp = s.now().UnixMilli()

	// Move to the head first so a timestamp tie still lists the freshest
	// mutation first after the stable sort.
	copy(s.convs[1:i+1], s.convs[:i])
	s.convs[0] = conv
	sortByTimestamp(s.convs)
}

// RequestDelete marks id for deletion. Nothing is removed until
// ConfirmDelete.
func (s *Store) RequestDelete(id string) bool {
	s.mu.Lock()
	if s.indexLocked(id) < 0 {
		s.mu.Unlock()
		return false
	}
	s.deletion = pendingDeletion(id)
	ch := Change{Kind: ChangePending, ConversationID: id, ActiveID: s.activeID}
	watchers := s.watchersLocked()
	s.mu.Unlock()

	notify(watchers, ch)
	return true
}

// PendingDeletion returns the id awaiting confirmation.
func (s *Store) PendingDeletion() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletion.Pending()
}

// CancelDelete returns the deletion state machine to none.
func (s *Store) CancelDelete() {
	s.mu.Lock()
	s.deletion = Deletion{}
	s.mu.Unlock()
}

// ConfirmDelete removes the conversation marked by RequestDelete. Removing
// the active conversation activates the next most recent one, or none.
func (s *Store) ConfirmDelete() (string, bool) {
	s.mu.Lock()
	id, ok := s.deletion.Pending()
	s.deletion = Deletion{}
	if !ok {
		s.mu.Unlock()
		return "", false
	}
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return id, false
	}
	s.convs = append(s.convs[:i], s.convs[i+1:]...)
	if s.activeID == id {
		s.activeID = ""
		if len(s.convs) > 0 {
			s.activeID = s.convs[0].ID
		}
	}
	commit := s.commitLocked(Change{Kind: ChangeDeleted, ConversationID: id})
	s.mu.Unlock()

	commit()
	return id, true
}

// Watch registers fn to be called after every applied change. The returned
// function unregisters it.
func (s *Store) Watch(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextW
	s.nextW++
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// commitLocked snapshots the collection for persistence and returns the
// work that must run after the lock is released.
func (s *Store) commitLocked(ch Change) func() {
	s.gen++
	gen := s.gen
	ch.ActiveID = s.activeID
	data, err := json.Marshal(s.convs)
	count := len(s.convs)
	watchers := s.watchersLocked()

	return func() {
		if err != nil {
			s.logger.Error("encode conversations failed", "key", s.key, "error", err)
		} else {
			s.persist(gen, data)
		}
		s.metrics.SetConversations(s.key, count)
		notify(watchers, ch)
	}
}

// persist writes data unless a newer generation has already been written.
// Failures are logged and swallowed.
func (s *Store) persist(gen uint64, data []byte) {
	if s.backend == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if gen <= s.persistedGen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.backend.Save(ctx, s.key, data); err != nil {
		perr := core.NewPersistenceError(s.key, err)
		s.logger.Warn("persist conversations failed", "key", s.key, "error", perr)
		s.metrics.RecordPersistError(s.key)
		return
	}
	s.persistedGen = gen
}

func (s *Store) watchersLocked() []func(Change) {
	if len(s.watchers) == 0 {
		return nil
	}
	out := make([]func(Change), 0, len(s.watchers))
	for _, fn := range s.watchers {
		out = append(out, fn)
	}
	return out
}

func notify(watchers []func(Change), ch Change) {
	for _, fn := range watchers {
		fn(ch)
	}
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.convs {
		if s.convs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) titleFor(msgs []types.Message) string {
	for _, m := range msgs {
		if m.Role == types.RoleUser && m.Text != "" {
			return DeriveTitle(m.Text)
		}
	}
	return s.defaultTitle
}

// DeriveTitle bounds text to TitleMaxRunes runes, appending "..." when cut.
func DeriveTitle(text string) string {
	if utf8.RuneCountInString(text) <= TitleMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:TitleMaxRunes]) + ellipsis
}

func normalize(msgs []types.Message) []types.Message {
	if msgs == nil {
		return []types.Message{}
	}
	return msgs
}

func sortByTimestamp(convs []types.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].Timestamp > convs[j].Timestamp
	})
}
