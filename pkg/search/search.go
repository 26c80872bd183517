// Package search implements the PDF document search section: grounded search
// through a Finder, a persisted query history and query suggestions.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/plantassist/pkg/core"
	"github.com/vango-go/plantassist/pkg/core/types"
	"github.com/vango-go/plantassist/pkg/metrics"
	"github.com/vango-go/plantassist/pkg/storage"
)

const (
	// HistoryKey is the storage key of the search history.
	HistoryKey = "section2_search_history"

	MaxHistory     = 10
	MaxSuggestions = 5
)

// PopularQueries seed suggestions before the operator has any history.
var PopularQueries = []string{
	"تحلية المياه بالتناضح العكسي",
	"حساب جرعة الكلور",
	"معالجة مياه الصرف الصحي",
	"صيانة فلاتر الرمل",
	"مشاكل غشاء التناضح العكسي",
	"تحليل عكارة المياه",
	"معايرة أجهزة قياس pH",
	"أنواع مضخات المياه",
}

// Finder looks up documents for a query.
type Finder interface {
	SearchPDFs(ctx context.Context, query string) ([]types.MediaRef, error)
}

// Options configures a Service.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Popular overrides PopularQueries.
	Popular []string
}

// Service runs searches and keeps the history.
type Service struct {
	finder  Finder
	backend storage.Backend
	logger  *slog.Logger
	metrics *metrics.Metrics
	popular []string

	mu      sync.Mutex
	history []string
}

// New loads the history from backend. Corrupt or missing history starts
// empty.
func New(ctx context.Context, finder Finder, backend storage.Backend, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	popular := opts.Popular
	if popular == nil {
		popular = PopularQueries
	}
	s := &Service{
		finder:  finder,
		backend: backend,
		logger:  logger,
		metrics: opts.Metrics,
		popular: popular,
	}
	s.history = s.load(ctx)
	return s
}

func (s *Service) load(ctx context.Context) []string {
	data, err := s.backend.Load(ctx, HistoryKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Warn("load search history failed", "error", err)
		return nil
	}
	var h []string
	if err := json.Unmarshal(data, &h); err != nil {
		s.logger.Warn("search history is corrupt, starting empty", "error", err)
		return nil
	}
	if len(h) > MaxHistory {
		h = h[:MaxHistory]
	}
	return h
}

// Search runs query through the finder. A successful search adds the query
// to the history.
func (s *Service) Search(ctx context.Context, query string) ([]types.MediaRef, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, core.NewInvalidRequestErrorWithParam("query must not be empty", "query")
	}
	refs, err := s.finder.SearchPDFs(ctx, query)
	if err != nil {
		s.metrics.RecordSearch("error")
		s.logger.Warn("pdf search failed", "error", err)
		return nil, err
	}
	s.metrics.RecordSearch("ok")
	s.remember(ctx, query)
	return refs, nil
}

// remember prepends query unless it is already present.
func (s *Service) remember(ctx context.Context, query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.history {
		if q == query {
			return
		}
	}
	h := append([]string{query}, s.history...)
	if len(h) > MaxHistory {
		h = h[:MaxHistory]
	}
	s.history = h
	s.saveLocked(ctx)
}

// History returns the past queries, most recent first.
func (s *Service) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// RemoveHistory drops query from the history. It reports whether it was
// present.
func (s *Service) RemoveHistory(ctx context.Context, query string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.history {
		if q == query {
			s.history = append(s.history[:i:i], s.history[i+1:]...)
			s.saveLocked(ctx)
			return true
		}
	}
	return false
}

// Suggestions returns up to MaxSuggestions history and popular queries that
// contain input, case-insensitively, excluding input itself. Empty input
// yields nothing.
func (s *Service) Suggestions(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	needle := strings.ToLower(input)

	s.mu.Lock()
	candidates := append(append([]string(nil), s.history...), s.popular...)
	s.mu.Unlock()

	var out []string
	seen := make(map[string]bool)
	for _, c := range candidates {
		if seen[c] || c == input {
			continue
		}
		seen[c] = true
		if strings.Contains(strings.ToLower(c), needle) {
			out = append(out, c)
			if len(out) == MaxSuggestions {
				break
			}
		}
	}
	return out
}

func (s *Service) saveLocked(ctx context.Context) {
	data, err := json.Marshal(s.history)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.backend.Save(ctx, HistoryKey, data); err != nil {
		s.metrics.RecordPersistError(HistoryKey)
		s.logger.Warn("persist search history failed", "error", err)
	}
}
