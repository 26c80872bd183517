package gemini

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/plantassist/pkg/audio"
	"github.com/vango-go/plantassist/pkg/live"
)

// LiveConnector opens Gemini Live API sessions.
type LiveConnector struct {
	client *Client
	model  string
}

// NewLiveConnector returns a connector using model (DefaultLiveModel when
// empty). A model set in the session config takes precedence.
func NewLiveConnector(client *Client, model string) *LiveConnector {
	if model == "" {
		model = DefaultLiveModel
	}
	return &LiveConnector{client: client, model: model}
}

// Connect implements live.Connector.
func (c *LiveConnector) Connect(ctx context.Context, cfg live.SessionConfig) (live.Stream, error) {
	sdk, err := c.client.sdk()
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = c.model
	}
	session, err := sdk.Live.Connect(ctx, model, liveConnectConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &liveStream{session: session}, nil
}

func liveConnectConfig(cfg live.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{}
	if cfg.AudioOutput {
		lc.ResponseModalities = []genai.Modality{genai.ModalityAudio}
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

type liveStream struct {
	session   *genai.Session
	closeOnce sync.Once
	closeErr  error
}

func (s *liveStream) Send(blob audio.Blob) error {
	return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: blob.Data, MIMEType: blob.MIMEType},
	})
}

// Receive skips setup and bookkeeping messages and returns the next message
// carrying transcripts, audio or turn signals.
func (s *liveStream) Receive() (live.Event, error) {
	for {
		msg, err := s.session.Receive()
		if err != nil {
			if isCleanClose(err) {
				return live.Event{}, live.ErrStreamClosed
			}
			return live.Event{}, err
		}
		if ev, ok := eventFromMessage(msg); ok {
			return ev, nil
		}
	}
}

func (s *liveStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}

func eventFromMessage(msg *genai.LiveServerMessage) (live.Event, bool) {
	if msg == nil || msg.ServerContent == nil {
		return live.Event{}, false
	}
	sc := msg.ServerContent
	var ev live.Event
	if sc.InputTranscription != nil {
		ev.UserTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		ev.ModelTranscript = sc.OutputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p != nil && p.InlineData != nil && len(p.InlineData.Data) > 0 {
				ev.ModelAudio = append(ev.ModelAudio, p.InlineData.Data...)
			}
		}
	}
	ev.TurnComplete = sc.TurnComplete
	ev.Interrupted = sc.Interrupted

	empty := ev.UserTranscript == "" && ev.ModelTranscript == "" && len(ev.ModelAudio) == 0 &&
		!ev.TurnComplete && !ev.Interrupted
	return ev, !empty
}

func isCleanClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}
