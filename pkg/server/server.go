// Package server exposes the assistant over HTTP: JSON endpoints for the
// sections, conversations, search and credentials, plus a websocket that
// bridges a browser microphone and speaker to a section's voice session.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/plantassist/pkg/app"
	"github.com/vango-go/plantassist/pkg/config"
	"github.com/vango-go/plantassist/pkg/server/mw"
	"github.com/vango-go/plantassist/pkg/server/sessions"
)

type Server struct {
	app    *app.App
	cfg    config.ServerConfig
	logger *slog.Logger
	mux    *http.ServeMux

	mics *Microphones
	live *sessions.Tracker
}

// New serves a. mics must be the value whose For method was passed as
// app.Deps.Microphone; nil disables the live socket.
func New(a *app.App, mics *Microphones, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:    a,
		cfg:    a.Config.Server,
		logger: logger,
		mux:    http.NewServeMux(),
		mics:   mics,
		live:   sessions.NewTracker(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", s.app.Metrics.Handler())

	s.mux.HandleFunc("GET /v1/sections", s.handleSections)
	s.mux.HandleFunc("GET /v1/sections/{section}/state", s.handleChatState)
	s.mux.HandleFunc("GET /v1/sections/{section}/conversations", s.handleListConversations)
	s.mux.HandleFunc("POST /v1/sections/{section}/conversations", s.handleCreateConversation)
	s.mux.HandleFunc("GET /v1/sections/{section}/conversations/{id}", s.handleGetConversation)
	s.mux.HandleFunc("POST /v1/sections/{section}/conversations/{id}/select", s.handleSelectConversation)
	s.mux.HandleFunc("POST /v1/sections/{section}/conversations/{id}/delete", s.handleRequestDelete)
	s.mux.HandleFunc("POST /v1/sections/{section}/deletion/confirm", s.handleConfirmDelete)
	s.mux.HandleFunc("POST /v1/sections/{section}/deletion/cancel", s.handleCancelDelete)
	s.mux.HandleFunc("POST /v1/sections/{section}/messages", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/sections/{section}/live", s.handleLive)

	s.mux.HandleFunc("GET /v1/search", s.handleSearch)
	s.mux.HandleFunc("POST /v1/search", s.handleSearch)
	s.mux.HandleFunc("GET /v1/search/history", s.handleSearchHistory)
	s.mux.HandleFunc("DELETE /v1/search/history", s.handleRemoveSearchHistory)
	s.mux.HandleFunc("GET /v1/search/suggestions", s.handleSuggestions)

	s.mux.HandleFunc("GET /v1/credentials", s.handleCredentialStatus)
	s.mux.HandleFunc("PUT /v1/credentials", s.handleConfigureCredentials)
	s.mux.HandleFunc("DELETE /v1/credentials", s.handleForgetCredentials)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.AllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, s.app.Metrics, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining rejects new live sockets and reports unhealthy.
func (s *Server) SetDraining() { s.live.Drain() }

// WarnLiveDraining tells every connected live client the server is going
// away.
func (s *Server) WarnLiveDraining() int {
	return s.live.NotifyAll("draining", "server is shutting down")
}

// WaitLive blocks until every live socket has closed or ctx is done.
func (s *Server) WaitLive(ctx context.Context) bool { return s.live.Wait(ctx) }

// CancelLive force-closes every live socket.
func (s *Server) CancelLive() int { return s.live.CancelAll() }
