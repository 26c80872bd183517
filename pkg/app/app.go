// Package app wires configuration, storage, the Gemini client and the
// per-section orchestrators into one running assistant. Both binaries build
// on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/plantassist/pkg/assistant"
	"github.com/vango-go/plantassist/pkg/audio"
	"github.com/vango-go/plantassist/pkg/config"
	"github.com/vango-go/plantassist/pkg/conversation"
	"github.com/vango-go/plantassist/pkg/core/types"
	"github.com/vango-go/plantassist/pkg/gemini"
	"github.com/vango-go/plantassist/pkg/i18n"
	"github.com/vango-go/plantassist/pkg/live"
	"github.com/vango-go/plantassist/pkg/media"
	"github.com/vango-go/plantassist/pkg/metrics"
	"github.com/vango-go/plantassist/pkg/search"
	"github.com/vango-go/plantassist/pkg/storage"
)

// Deps are the process-specific collaborators.
type Deps struct {
	// Microphone returns the capture source for a section's voice sessions.
	// Nil disables voice.
	Microphone func(assistant.SectionID) live.Microphone
	// Audio plays model audio. Nil drops it.
	Audio assistant.AudioSink
	// Backend overrides the configured storage backend.
	Backend    storage.Backend
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// App is a configured assistant.
type App struct {
	Config   config.Config
	Messages i18n.Catalog
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Backend  storage.Backend
	Gemini   *gemini.Client
	Search   *search.Service

	chats      map[assistant.SectionID]*assistant.Orchestrator
	ownBackend bool
}

// New builds the assistant described by cfg. A missing API key is not an
// error: the client starts unconfigured and every analysis reports it until a
// key is supplied.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New("")
	}
	a := &App{
		Config:   cfg,
		Messages: i18n.For(cfg.Lang()),
		Logger:   logger,
		Metrics:  m,
		Backend:  deps.Backend,
		chats:    make(map[assistant.SectionID]*assistant.Orchestrator),
	}
	if a.Backend == nil {
		backend, err := storage.Open(ctx, cfg.StorageBackend(), logger)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.Backend = backend
		a.ownBackend = true
	}

	opts := []gemini.Option{gemini.WithLogger(logger)}
	if cfg.Gemini.BaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
	}
	if deps.HTTPClient != nil {
		opts = append(opts, gemini.WithHTTPClient(deps.HTTPClient))
	}
	a.Gemini = gemini.NewClient(a.Backend, opts...)
	if err := a.Gemini.Restore(ctx); err != nil {
		logger.Warn("restore api key failed", "error", err)
	}
	if !a.Gemini.Status().Configured {
		if err := a.Gemini.ConfigureFromEnv(ctx, cfg.Gemini.APIKey); err != nil {
			a.Close()
			return nil, fmt.Errorf("configure gemini: %w", err)
		}
	}

	searcher := gemini.NewSearcher(a.Gemini, cfg.Gemini.SearchModel, a.Messages.ParseFallback)
	a.Search = search.New(ctx, timeoutFinder{next: searcher, d: cfg.Gemini.RequestTimeout}, a.Backend, search.Options{
		Logger:  logger.With("section", string(assistant.SectionSearch)),
		Metrics: m,
	})

	ids := conversation.NewMessageIDs(nil)
	connector := gemini.NewLiveConnector(a.Gemini, cfg.Gemini.LiveModel)
	for _, sec := range assistant.Sections(cfg.Lang()) {
		if sec.Kind != assistant.KindChat {
			continue
		}
		advisorCfg := gemini.AdvisorConfig{
			Model:             cfg.Gemini.AdviceModel,
			SystemInstruction: sec.Instruction,
			Videos:            cfg.Gemini.Videos,
		}
		if sec.DeepThinking {
			advisorCfg.Model = cfg.Gemini.TroubleshootModel
			advisorCfg.ThinkingBudget = cfg.Gemini.ThinkingBudget
		}
		advisor := gemini.NewAdvisor(a.Gemini, searcher, advisorCfg, logger)

		store := conversation.Open(ctx, a.Backend, sec.StorageKey, conversation.Options{
			DefaultTitle: a.Messages.NewConversationTitle,
			Logger:       logger,
			Metrics:      m,
		})

		orchOpts := assistant.Options{
			Messages: a.Messages,
			Audio:    deps.Audio,
			IDs:      ids,
			Logger:   logger,
			Metrics:  m,
		}
		if deps.Microphone != nil {
			if mic := deps.Microphone(sec.ID); mic != nil {
				orchOpts.Live = live.NewController(mic, connector, live.Options{
					Model:    cfg.Gemini.LiveModel,
					Messages: a.Messages,
					Encoder:  audio.Encoder{TargetRate: audio.InputSampleRate},
					Logger:   logger.With("section", string(sec.ID)),
					Metrics:  m,
				})
			}
		}
		a.chats[sec.ID] = assistant.New(sec, store, timeoutAnalyzer{next: advisor, d: cfg.Gemini.RequestTimeout}, orchOpts)
	}
	return a, nil
}

// Sections lists the dashboard.
func (a *App) Sections() []assistant.Section {
	return assistant.Sections(a.Messages.Lang)
}

// Chat returns the orchestrator of a chat section.
func (a *App) Chat(id assistant.SectionID) (*assistant.Orchestrator, bool) {
	o, ok := a.chats[id]
	return o, ok
}

// StopLive ends every voice session.
func (a *App) StopLive() {
	for _, o := range a.chats {
		o.StopLive()
	}
}

// Close stops voice sessions and releases the storage backend when App
// opened it.
func (a *App) Close() error {
	for _, o := range a.chats {
		o.Close()
	}
	if a.ownBackend && a.Backend != nil {
		return a.Backend.Close()
	}
	return nil
}

type timeoutAnalyzer struct {
	next assistant.Analyzer
	d    time.Duration
}

func (t timeoutAnalyzer) Analyze(ctx context.Context, prompt string, img *media.Image) (types.Analysis, error) {
	if t.d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.d)
		defer cancel()
	}
	res, err := t.next.Analyze(ctx, prompt, img)
	if errors.Is(err, context.DeadlineExceeded) {
		return types.Analysis{}, fmt.Errorf("analysis timed out after %s: %w", t.d, err)
	}
	return res, err
}

type timeoutFinder struct {
	next search.Finder
	d    time.Duration
}

func (t timeoutFinder) SearchPDFs(ctx context.Context, query string) ([]types.MediaRef, error) {
	if t.d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.d)
		defer cancel()
	}
	return t.next.SearchPDFs(ctx, query)
}
