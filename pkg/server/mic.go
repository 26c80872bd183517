package server

import (
	"context"
	"errors"
	"sync"

	"github.com/vango-go/plantassist/pkg/assistant"
	"github.com/vango-go/plantassist/pkg/audio"
	"github.com/vango-go/plantassist/pkg/live"
)

var (
	errNoClient  = errors.New("no browser attached to the live socket")
	errMicInUse  = errors.New("microphone already capturing")
	frameBacklog = 32
)

// Microphones hands out one browser-fed microphone per section. Pass For to
// app.Deps.Microphone and the same value to New.
type Microphones struct {
	mu   sync.Mutex
	mics map[assistant.SectionID]*RemoteMic
}

func NewMicrophones() *Microphones {
	return &Microphones{mics: make(map[assistant.SectionID]*RemoteMic)}
}

// For returns the section's microphone, creating it on first use.
func (m *Microphones) For(id assistant.SectionID) live.Microphone {
	return m.get(id, true)
}

func (m *Microphones) get(id assistant.SectionID, create bool) *RemoteMic {
	m.mu.Lock()
	defer m.mu.Unlock()
	mic, ok := m.mics[id]
	if !ok && create {
		mic = &RemoteMic{}
		m.mics[id] = mic
	}
	return mic
}

// RemoteMic is a live.Microphone whose frames arrive over a websocket. Open
// fails unless a client is attached.
type RemoteMic struct {
	mu       sync.Mutex
	attached bool
	cur      *remoteCapture
}

func (m *RemoteMic) Open(context.Context) (live.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.attached {
		return nil, errNoClient
	}
	if m.cur != nil {
		return nil, errMicInUse
	}
	c := &remoteCapture{mic: m, frames: make(chan audio.Frame, frameBacklog)}
	m.cur = c
	return c, nil
}

func (m *RemoteMic) attach() {
	m.mu.Lock()
	m.attached = true
	m.mu.Unlock()
}

func (m *RemoteMic) detach() {
	m.mu.Lock()
	m.attached = false
	m.mu.Unlock()
}

// push delivers f to the open capture. Frames are dropped when nothing is
// capturing or the backlog is full.
func (m *RemoteMic) push(f audio.Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return false
	}
	select {
	case m.cur.frames <- f:
		return true
	default:
		return false
	}
}

type remoteCapture struct {
	mic    *RemoteMic
	frames chan audio.Frame
	once   sync.Once
}

func (c *remoteCapture) Frames() <-chan audio.Frame { return c.frames }

func (c *remoteCapture) Close() error {
	c.once.Do(func() {
		c.mic.mu.Lock()
		if c.mic.cur == c {
			c.mic.cur = nil
		}
		c.mic.mu.Unlock()
	})
	return nil
}
