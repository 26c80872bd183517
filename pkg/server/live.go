package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/plantassist/pkg/assistant"
	"github.com/vango-go/plantassist/pkg/audio"
	"github.com/vango-go/plantassist/pkg/core"
	"github.com/vango-go/plantassist/pkg/live"
	"github.com/vango-go/plantassist/pkg/server/mw"
	"github.com/vango-go/plantassist/pkg/server/sessions"
)

const (
	defaultWSWriteTimeout = 5 * time.Second
	defaultWSPingInterval = 20 * time.Second
	maxClientMessageBytes = 1 << 20
	outboundBacklog       = 256
)

// Client frame types.
const (
	clientStart = "start"
	clientStop  = "stop"
	clientAudio = "audio"
)

// Server frame types.
const (
	serverReady        = "ready"
	serverNotification = "notification"
	serverWarning      = "warning"
	serverError        = "error"
)

type clientMessage struct {
	Type  string      `json:"type"`
	Audio *audio.Blob `json:"audio,omitempty"`
}

type serverMessage struct {
	Type         string                  `json:"type"`
	Section      assistant.SectionID     `json:"section,omitempty"`
	State        string                  `json:"state,omitempty"`
	Notification *assistant.Notification `json:"notification,omitempty"`
	Code         string                  `json:"code,omitempty"`
	Message      string                  `json:"message,omitempty"`
	Error        *core.Error             `json:"error,omitempty"`
}

// handleLive upgrades to a websocket that carries one section's voice
// session. The browser streams PCM frames as its microphone and receives
// every orchestrator notification, model audio included.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	o, err := s.chat(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	sectionID := o.Section().ID
	var mic *RemoteMic
	if s.mics != nil {
		mic = s.mics.get(sectionID, false)
	}
	if mic == nil {
		s.writeErr(w, r, core.NewCapabilityUnavailableError("live", errNoClient))
		return
	}
	if !s.originAllowed(r) {
		reqID, _ := mw.RequestIDFrom(r.Context())
		mw.WriteError(w, http.StatusForbidden, &core.Error{Type: core.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin", RequestID: reqID})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	b := &bridge{
		orch:   o,
		mic:    mic,
		out:    make(chan serverMessage, outboundBacklog),
		logger: s.logger.With("section", string(sectionID)),
	}
	unregister, err := s.live.Register(sessions.Handle{
		Section: string(sectionID),
		Cancel:  cancel,
		Notify: func(code, message string) error {
			return b.send(serverMessage{Type: serverWarning, Code: code, Message: message})
		},
	})
	switch {
	case errors.Is(err, sessions.ErrSectionBusy):
		s.writeErr(w, r, core.NewConflictError("section already has a live client", err))
		return
	case errors.Is(err, sessions.ErrDraining):
		s.writeErr(w, r, core.NewCapabilityUnavailableError("live", err))
		return
	case err != nil:
		s.writeErr(w, r, err)
		return
	}
	defer unregister()

	upgrader := websocket.Upgrader{
		// Origin was checked above.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxClientMessageBytes)

	mic.attach()
	defer mic.detach()
	defer o.StopLive()

	unsubscribe := o.Subscribe(func(n assistant.Notification) {
		if err := b.send(serverMessage{Type: serverNotification, Notification: &n}); err != nil {
			b.logger.Warn("live client too slow, dropping notification", "kind", n.Kind)
		}
	})
	defer unsubscribe()

	state, _ := o.LiveState()
	_ = b.send(serverMessage{Type: serverReady, Section: sectionID, State: state.String()})

	writeTimeout := s.cfg.WSWriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWSWriteTimeout
	}
	pingInterval := s.cfg.WSPingInterval
	if pingInterval <= 0 {
		pingInterval = defaultWSPingInterval
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.writeLoop(ctx, conn, writeTimeout, pingInterval); err != nil {
			b.logger.Debug("live writer stopped", "error", err)
		}
		cancel()
	}()

	readTimeout := 2 * pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go func() {
		<-ctx.Done()
		// Unblocks ReadMessage once the writer or a shutdown ends the bridge.
		_ = conn.SetReadDeadline(time.Now())
	}()

	b.readLoop(ctx, conn, readTimeout)
	cancel()
	wg.Wait()
	// A start still dialing sees the canceled ctx and releases what it opened.
	b.starts.Wait()
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.TrimSpace(allowed) == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type bridge struct {
	orch   *assistant.Orchestrator
	mic    *RemoteMic
	out    chan serverMessage
	logger *slog.Logger

	startMu  sync.Mutex
	starting bool
	starts   sync.WaitGroup
}

var errBacklogFull = errors.New("live: outbound backlog full")

func (b *bridge) send(m serverMessage) error {
	select {
	case b.out <- m:
		return nil
	default:
		return errBacklogFull
	}
}

func (b *bridge) writeLoop(ctx context.Context, conn *websocket.Conn, writeTimeout, pingInterval time.Duration) error {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case m := <-b.out:
			data, err := json.Marshal(m)
			if err != nil {
				b.logger.Warn("encode live frame failed", "type", m.Type, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
	}
}

func (b *bridge) readLoop(ctx context.Context, conn *websocket.Conn, readTimeout time.Duration) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if kind == websocket.BinaryMessage {
			b.mic.push(audio.Frame{PCM: data, SampleRate: audio.InputSampleRate})
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.sendError(core.NewInvalidRequestError("invalid frame: " + err.Error()))
			continue
		}
		switch msg.Type {
		case clientStart:
			b.start(ctx)
		case clientStop:
			b.orch.StopLive()
		case clientAudio:
			if msg.Audio == nil {
				b.sendError(core.NewInvalidRequestErrorWithParam("audio frame without audio", "audio"))
				continue
			}
			rate, ok := audio.ParseRate(msg.Audio.MIMEType)
			if !ok {
				b.sendError(core.NewInvalidRequestErrorWithParam("unsupported audio type "+msg.Audio.MIMEType, "audio.mimeType"))
				continue
			}
			b.mic.push(audio.Frame{PCM: msg.Audio.Data, SampleRate: rate})
		default:
			b.sendError(core.NewInvalidRequestErrorWithParam("unknown frame type "+msg.Type, "type"))
		}
	}
}

// start opens the voice session without blocking the reader, so audio and a
// stop keep flowing while the remote connection is being set up.
func (b *bridge) start(ctx context.Context) {
	if b.orch.LiveActive() {
		return
	}
	b.startMu.Lock()
	if b.starting {
		b.startMu.Unlock()
		return
	}
	b.starting = true
	b.starts.Add(1)
	b.startMu.Unlock()

	go func() {
		defer b.starts.Done()
		defer func() {
			b.startMu.Lock()
			b.starting = false
			b.startMu.Unlock()
		}()
		err := b.orch.ToggleLive(ctx)
		if err == nil || errors.Is(err, live.ErrStartAborted) {
			return
		}
		if errors.Is(err, assistant.ErrBusy) {
			b.sendError(core.NewConflictError("an answer is pending; voice is unavailable until it arrives", err))
			return
		}
		// The failure itself reaches the client as a live_state notification;
		// this adds the typed error.
		var se *live.SessionError
		if errors.As(err, &se) {
			typ, ok := core.TypeOf(se.Err)
			if !ok {
				typ = core.ErrCapabilityUnavailable
			}
			b.sendError(&core.Error{Type: typ, Message: se.Message})
			return
		}
		b.sendError(err)
	}()
}

func (b *bridge) sendError(err error) {
	ce, _ := mw.FromError(err, "")
	_ = b.send(serverMessage{Type: serverError, Error: ce})
}
