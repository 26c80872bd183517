// Package live drives a real-time voice session: it owns the microphone for
// the session's duration, streams encoded frames to a remote connection and
// forwards every inbound event to the caller.
package live

import (
	"context"
	"errors"

	"github.com/vango-go/plantassist/pkg/audio"
)

// ErrStreamClosed is returned by Stream.Receive after a clean close.
var ErrStreamClosed = errors.New("live: stream closed")

// ErrStartAborted is returned by Start when Stop ran, or the caller's context
// ended, before the session finished opening.
var ErrStartAborted = errors.New("live: start aborted by stop")

// Event is one inbound message from the remote side. Any field may be empty.
type Event struct {
	UserTranscript  string `json:"userTranscript,omitempty"`
	ModelTranscript string `json:"modelTranscript,omitempty"`
	ModelAudio      []byte `json:"modelAudio,omitempty"`
	TurnComplete    bool   `json:"turnComplete,omitempty"`
	Interrupted     bool   `json:"interrupted,omitempty"`
}

// SessionConfig describes the session requested from a Connector.
type SessionConfig struct {
	Model               string
	SystemInstruction   string
	AudioOutput         bool
	InputTranscription  bool
	OutputTranscription bool
}

// Capture is an open microphone.
type Capture interface {
	// Frames yields captured audio until Close; the channel is then closed
	// or simply stops delivering.
	Frames() <-chan audio.Frame
	Close() error
}

// Microphone grants exclusive capture access.
type Microphone interface {
	Open(ctx context.Context) (Capture, error)
}

// Stream is an open bidirectional live connection.
type Stream interface {
	Send(blob audio.Blob) error
	// Receive blocks for the next event. A clean close is reported as
	// ErrStreamClosed or io.EOF.
	Receive() (Event, error)
	Close() error
}

// Connector opens live connections.
type Connector interface {
	Connect(ctx context.Context, cfg SessionConfig) (Stream, error)
}

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateOpen
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SessionError carries the localized message shown to the user alongside
// the underlying cause.
type SessionError struct {
	Message string
	Err     error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *SessionError) Unwrap() error { return e.Err }

// StateChange is delivered to watchers on every transition.
type StateChange struct {
	State State
	Err   error
}
