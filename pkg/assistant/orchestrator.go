// Package assistant composes a section's conversation store, its remote
// analyzer and the live voice session into one chat surface.
package assistant

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/plantassist/pkg/conversation"
	"github.com/vango-go/plantassist/pkg/core"
	"github.com/vango-go/plantassist/pkg/core/types"
	"github.com/vango-go/plantassist/pkg/i18n"
	"github.com/vango-go/plantassist/pkg/live"
	"github.com/vango-go/plantassist/pkg/media"
	"github.com/vango-go/plantassist/pkg/metrics"
)

var (
	// ErrEmptySubmission is returned for a submission with neither text nor
	// image.
	ErrEmptySubmission = errors.New("assistant: empty submission")
	// ErrBusy is returned while a live session is open, an image is being
	// uploaded, or a previous submission is still being analyzed.
	ErrBusy = errors.New("assistant: busy")

	errNoMicrophone = errors.New("no microphone configured")
)

// Analyzer produces a one-shot answer for a prompt and optional image.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string, img *media.Image) (types.Analysis, error)
}

// LiveSession is the voice session a chat section drives. *live.Controller
// implements it.
type LiveSession interface {
	Start(ctx context.Context, systemInstruction string, onEvent func(live.Event)) error
	Stop()
	Active() bool
	State() live.State
	Err() error
	Watch(fn func(live.StateChange)) func()
}

// AudioSink plays model audio during a live session.
type AudioSink interface {
	Play(pcm []byte)
	// Flush drops queued audio after the operator interrupts the model.
	Flush()
}

// Submission is one operator turn.
type Submission struct {
	Text  string
	Image *media.Source
}

// Receipt identifies where a submission landed.
type Receipt struct {
	ConversationID string `json:"conversationId"`
	// ReplyID is the id of the model message holding the answer. Zero when
	// the image upload failed before any message was added.
	ReplyID int64 `json:"replyId,omitempty"`
	// Failed is set when the answer is a localized error message.
	Failed bool `json:"failed,omitempty"`
}

// NotificationKind classifies a Notification.
type NotificationKind string

const (
	NotifyConversation NotificationKind = "conversation"
	NotifyLiveState    NotificationKind = "live_state"
	NotifyLiveEvent    NotificationKind = "live_event"
	NotifyUpload       NotificationKind = "upload"
	NotifyThinking     NotificationKind = "thinking"
)

// Notification is fanned out to subscribers.
type Notification struct {
	Kind    NotificationKind     `json:"kind"`
	Section SectionID            `json:"section"`
	Change  *conversation.Change `json:"change,omitempty"`
	State   string               `json:"state,omitempty"`
	Error   string               `json:"error,omitempty"`
	Event   *live.Event          `json:"event,omitempty"`
	// Progress is the upload percentage for NotifyUpload.
	Progress int `json:"progress,omitempty"`
	// Thinking reports whether an analysis is pending for NotifyThinking.
	Thinking bool `json:"thinking,omitempty"`
}

// Options configures an Orchestrator.
type Options struct {
	Messages i18n.Catalog
	// Live is optional; without it ToggleLive reports the capability as
	// unavailable.
	Live  LiveSession
	Audio AudioSink
	IDs   *conversation.MessageIDs

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Encode defaults to media.Encode.
	Encode func(ctx context.Context, src media.Source, progress media.Progress) (media.Image, error)
}

// Orchestrator is the chat surface of one section.
type Orchestrator struct {
	section  Section
	store    *conversation.Store
	analyzer Analyzer
	live     LiveSession
	audio    AudioSink
	ids      *conversation.MessageIDs
	msgs     i18n.Catalog
	encode   func(context.Context, media.Source, media.Progress) (media.Image, error)
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu           sync.Mutex
	uploading    bool
	progress     int
	thinking     bool
	liveStarting bool
	subs         map[int]func(Notification)
	nextSub      int

	// liveMu guards liveIDs, which holds the ids of messages streamed by the
	// current live session. Only those may be extended by later transcripts.
	liveMu  sync.Mutex
	liveIDs map[int64]bool

	unwatch []func()
}

// New builds the orchestrator of section over store and analyzer.
func New(section Section, store *conversation.Store, analyzer Analyzer, opts Options) *Orchestrator {
	o := &Orchestrator{
		section:  section,
		store:    store,
		analyzer: analyzer,
		live:     opts.Live,
		audio:    opts.Audio,
		ids:      opts.IDs,
		msgs:     opts.Messages,
		encode:   opts.Encode,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		subs:     make(map[int]func(Notification)),
		liveIDs:  make(map[int64]bool),
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("section", string(section.ID))
	if o.msgs.Lang == "" {
		o.msgs = i18n.Default()
	}
	if o.ids == nil {
		o.ids = conversation.NewMessageIDs(nil)
	}
	if o.encode == nil {
		o.encode = media.Encode
	}

	o.unwatch = append(o.unwatch, store.Watch(func(ch conversation.Change) {
		o.publish(Notification{Kind: NotifyConversation, Change: &ch})
	}))
	if o.live != nil {
		o.unwatch = append(o.unwatch, o.live.Watch(func(ch live.StateChange) {
			n := Notification{Kind: NotifyLiveState, State: ch.State.String()}
			if ch.Err != nil {
				n.Error = liveErrorMessage(ch.Err)
			}
			o.publish(n)
		}))
	}
	return o
}

// Section returns the section this orchestrator serves.
func (o *Orchestrator) Section() Section { return o.section }

// Store returns the section's conversation store.
func (o *Orchestrator) Store() *conversation.Store { return o.store }

// Messages returns the catalog used for user-facing text.
func (o *Orchestrator) Messages() i18n.Catalog { return o.msgs }

// UploadProgress returns the current upload percentage, or -1 when no upload
// is running.
func (o *Orchestrator) UploadProgress() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.uploading {
		return -1
	}
	return o.progress
}

// Thinking reports whether an analysis is pending.
func (o *Orchestrator) Thinking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.thinking
}

// LiveActive reports whether a voice session is starting or open.
func (o *Orchestrator) LiveActive() bool {
	return o.live != nil && o.live.Active()
}

// LiveState returns the voice session state and its last error message.
func (o *Orchestrator) LiveState() (live.State, string) {
	if o.live == nil {
		return live.StateIdle, ""
	}
	var msg string
	if err := o.live.Err(); err != nil {
		msg = liveErrorMessage(err)
	}
	return o.live.State(), msg
}

// Subscribe registers fn for every notification. The returned func
// unsubscribes.
func (o *Orchestrator) Subscribe(fn func(Notification)) func() {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// Close stops any live session and detaches from the store.
func (o *Orchestrator) Close() {
	if o.live != nil {
		o.live.Stop()
	}
	for _, fn := range o.unwatch {
		fn()
	}
}

// Submit runs one operator turn: optional image upload, the user message plus
// a pending model placeholder, the remote analysis, and the in-place
// resolution of the placeholder. Upload and analysis failures are reported
// inside the conversation; only rejections return an error.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	text := strings.TrimSpace(sub.Text)
	if text == "" && sub.Image == nil {
		return Receipt{}, ErrEmptySubmission
	}

	o.mu.Lock()
	if o.uploading || o.thinking || o.liveStarting || o.LiveActive() {
		o.mu.Unlock()
		return Receipt{}, ErrBusy
	}
	o.uploading = sub.Image != nil
	o.progress = 0
	o.thinking = sub.Image == nil
	o.mu.Unlock()

	var img *media.Image
	if sub.Image != nil {
		encoded, err := o.encode(ctx, *sub.Image, o.setProgress)
		o.mu.Lock()
		o.uploading = false
		o.thinking = err == nil
		o.mu.Unlock()
		o.publish(Notification{Kind: NotifyUpload, Progress: 100})

		if err != nil {
			o.logger.Warn("image upload failed", "image", sub.Image.Name, "error", err)
			o.metrics.RecordSubmission(string(o.section.ID), "upload_error")
			id := o.store.Update(func(msgs []types.Message) []types.Message {
				return append(msgs, types.Message{ID: o.ids.Next(), Role: types.RoleModel, Text: o.msgs.ImageUploadFailed})
			})
			return Receipt{ConversationID: id, Failed: true}, nil
		}
		img = &encoded
	}
	defer o.setThinking(false)
	o.publish(Notification{Kind: NotifyThinking, Thinking: true})

	user := types.Message{ID: o.ids.Next(), Role: types.RoleUser, Text: text}
	prompt := text
	if text == "" {
		user.Text = o.msgs.ImageOnlyText
		prompt = o.msgs.ImageAnalysisPrompt
	}
	if img != nil {
		user.Image = img.DataURL()
	}
	placeholder := types.Message{ID: o.ids.Next(), Role: types.RoleModel, IsLoading: true}
	convID := o.store.Update(func(msgs []types.Message) []types.Message {
		return append(msgs, user, placeholder)
	})

	// The analysis is not cancelled with the caller; its result still
	// lands in the conversation it belongs to.
	started := time.Now()
	analysis, err := o.analyzer.Analyze(context.WithoutCancel(ctx), prompt, img)
	o.metrics.RecordAnalysis(string(o.section.ID), time.Since(started))

	receipt := Receipt{ConversationID: convID, ReplyID: placeholder.ID}
	resolve := func(m *types.Message) {
		m.Text = analysis.Text
		m.Videos = analysis.Media
		m.IsLoading = false
	}
	if err != nil {
		o.logger.Warn("analysis failed", "conversation_id", convID, "error", err)
		o.metrics.RecordSubmission(string(o.section.ID), "error")
		receipt.Failed = true
		resolve = func(m *types.Message) {
			m.Text = o.msgs.AnalysisFailed
			m.Videos = nil
			m.IsLoading = false
		}
	} else {
		o.metrics.RecordSubmission(string(o.section.ID), "ok")
	}

	if !o.store.UpdateIn(convID, replaceMessage(placeholder.ID, resolve)) {
		o.logger.Info("conversation deleted before answer arrived", "conversation_id", convID)
	}
	return receipt, nil
}

// replaceMessage returns an updater that edits the message with id in place.
func replaceMessage(id int64, edit func(*types.Message)) conversation.Updater {
	return func(msgs []types.Message) []types.Message {
		for i := range msgs {
			if msgs[i].ID == id {
				edit(&msgs[i])
				break
			}
		}
		return msgs
	}
}

func (o *Orchestrator) setProgress(pct int) {
	o.mu.Lock()
	o.progress = pct
	o.mu.Unlock()
	o.publish(Notification{Kind: NotifyUpload, Progress: pct})
}

func (o *Orchestrator) setThinking(v bool) {
	o.mu.Lock()
	o.thinking = v
	o.mu.Unlock()
	o.publish(Notification{Kind: NotifyThinking, Thinking: v})
}

// ToggleLive starts a voice session when none is active and stops it
// otherwise. Starting is refused with ErrBusy while an image is uploading or
// an answer is pending, so the pending placeholder stays the tail.
func (o *Orchestrator) ToggleLive(ctx context.Context) error {
	if o.live == nil {
		return core.NewCapabilityUnavailableError("live", errNoMicrophone)
	}
	if o.live.Active() {
		o.live.Stop()
		return nil
	}
	o.mu.Lock()
	if o.uploading || o.thinking || o.liveStarting {
		o.mu.Unlock()
		return ErrBusy
	}
	o.liveStarting = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.liveStarting = false
		o.mu.Unlock()
	}()

	o.liveMu.Lock()
	o.liveIDs = make(map[int64]bool)
	o.liveMu.Unlock()
	return o.live.Start(ctx, o.section.LiveInstruction, o.handleEvent)
}

// StopLive ends the voice session if one is active.
func (o *Orchestrator) StopLive() {
	if o.live != nil {
		o.live.Stop()
	}
}

func (o *Orchestrator) handleEvent(ev live.Event) {
	o.publish(Notification{Kind: NotifyLiveEvent, Event: &ev})

	if ev.UserTranscript != "" {
		o.mergeTranscript(types.RoleUser, ev.UserTranscript)
	}
	if ev.ModelTranscript != "" {
		o.mergeTranscript(types.RoleModel, ev.ModelTranscript)
	}
	if o.audio != nil {
		if ev.Interrupted {
			o.audio.Flush()
		}
		if len(ev.ModelAudio) > 0 {
			o.audio.Play(ev.ModelAudio)
		}
	}
	if ev.TurnComplete {
		o.live.Stop()
	}
}

// mergeTranscript extends the tail message when it has role and was streamed
// by this session; otherwise it appends a new message.
func (o *Orchestrator) mergeTranscript(role types.Role, text string) {
	o.store.Update(func(msgs []types.Message) []types.Message {
		o.liveMu.Lock()
		defer o.liveMu.Unlock()
		if n := len(msgs); n > 0 {
			tail := &msgs[n-1]
			if tail.Role == role && o.liveIDs[tail.ID] {
				tail.Text += text
				return msgs
			}
		}
		id := o.ids.Next()
		o.liveIDs[id] = true
		return append(msgs, types.Message{ID: id, Role: role, Text: text})
	})
}

func (o *Orchestrator) publish(n Notification) {
	n.Section = o.section.ID
	o.mu.Lock()
	fns := make([]func(Notification), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

func liveErrorMessage(err error) string {
	var se *live.SessionError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
