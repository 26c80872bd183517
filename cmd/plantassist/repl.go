package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/vango-go/plantassist/pkg/app"
	"github.com/vango-go/plantassist/pkg/assistant"
	"github.com/vango-go/plantassist/pkg/core"
	"github.com/vango-go/plantassist/pkg/core/types"
	"github.com/vango-go/plantassist/pkg/live"
	"github.com/vango-go/plantassist/pkg/media"
)

// lockedWriter serializes writes from the prompt loop and from notification
// callbacks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type repl struct {
	app *app.App
	in  *bufio.Scanner
	out io.Writer

	// readSecret reads the API key without echo. Nil falls back to a plain
	// line read.
	readSecret func() (string, bool)

	section *assistant.Section
	chat    *assistant.Orchestrator
	unsub   func()

	// Guarded by notifyMu; written from notification callbacks.
	notifyMu     sync.Mutex
	lastProgress int
	lastSpeaker  types.Role
}

func newREPL(a *app.App, in io.Reader, out io.Writer) *repl {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &repl{app: a, in: sc, out: &lockedWriter{w: out}}
}

func (r *repl) run(ctx context.Context) error {
	if r.section == nil {
		r.dashboard()
	}
	for {
		r.prompt()
		line, ok := r.readLine()
		if !ok {
			r.leave()
			fmt.Fprintln(r.out)
			return r.in.Err()
		}
		if line == "" {
			continue
		}
		if r.handle(ctx, line) {
			r.leave()
			fmt.Fprintln(r.out, "bye")
			return nil
		}
	}
}

func (r *repl) readLine() (string, bool) {
	if !r.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(r.in.Text()), true
}

func (r *repl) prompt() {
	if r.section == nil {
		fmt.Fprint(r.out, "> ")
		return
	}
	fmt.Fprintf(r.out, "%s> ", r.section.ID)
}

// handle runs one input line and reports whether the client should exit.
func (r *repl) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/exit", "/quit":
		return true
	case "/help":
		r.help()
		return false
	case "/key":
		r.configureKey(ctx, arg)
		return false
	case "/forget-key":
		if err := r.app.Gemini.Forget(ctx); err != nil {
			fmt.Fprintf(r.out, "forget key: %v\n", err)
			return false
		}
		fmt.Fprintln(r.out, "API key removed")
		return false
	case "/status":
		r.status()
		return false
	}

	switch {
	case r.section == nil:
		r.handleDashboard(ctx, cmd, arg, line)
	case r.section.Kind == assistant.KindSearch:
		r.handleSearch(ctx, cmd, arg, line)
	default:
		r.handleChat(ctx, cmd, arg, line)
	}
	return false
}

func (r *repl) help() {
	fmt.Fprintln(r.out, "global: /key [value], /forget-key, /status, /help, /exit")
	switch {
	case r.section == nil:
		fmt.Fprintln(r.out, "dashboard: /open <number|id> or just the number")
	case r.section.Kind == assistant.KindSearch:
		fmt.Fprintln(r.out, "search: <query>, /history, /remove <query>, /suggest <text>, /back")
	default:
		fmt.Fprintln(r.out, "chat: <message>, /image <path> [message], /new, /list, /select <n|id>, /delete <n|id>, /live, /back")
	}
}

func (r *repl) dashboard() {
	fmt.Fprintln(r.out)
	for i, sec := range r.app.Sections() {
		marker := " "
		if !sec.Enabled {
			marker = "x"
		}
		fmt.Fprintf(r.out, "%d. [%s] %s (%s)\n   %s\n", i+1, marker, sec.Title, sec.ID, sec.Description)
	}
	if !r.app.Gemini.Status().Configured {
		fmt.Fprintln(r.out, "No API key configured. Use /key to enter one.")
	}
}

func (r *repl) status() {
	st := r.app.Gemini.Status()
	if st.Configured {
		fmt.Fprintf(r.out, "API key: configured (%s)\n", st.Source)
	} else {
		fmt.Fprintln(r.out, "API key: not configured")
	}
	if r.chat != nil {
		state, msg := r.chat.LiveState()
		fmt.Fprintf(r.out, "voice: %s", state)
		if msg != "" {
			fmt.Fprintf(r.out, " (%s)", msg)
		}
		fmt.Fprintln(r.out)
	}
}

func (r *repl) configureKey(ctx context.Context, key string) {
	if key == "" {
		fmt.Fprint(r.out, "API key: ")
		var ok bool
		if r.readSecret != nil {
			key, ok = r.readSecret()
			fmt.Fprintln(r.out)
		} else {
			key, ok = r.readLine()
		}
		if !ok {
			return
		}
	}
	if err := r.app.Gemini.Configure(ctx, key); err != nil {
		fmt.Fprintf(r.out, "configure key: %v\n", errMessage(err))
		return
	}
	fmt.Fprintln(r.out, "API key saved")
}

func (r *repl) handleDashboard(ctx context.Context, cmd, arg, line string) {
	target := line
	if cmd == "/open" {
		target = arg
	}
	secs := r.app.Sections()
	if n, err := strconv.Atoi(target); err == nil && n >= 1 && n <= len(secs) {
		target = string(secs[n-1].ID)
	}
	r.open(ctx, assistant.SectionID(target))
}

// open enters a section. Disabled or unknown sections leave the dashboard in
// place.
func (r *repl) open(ctx context.Context, id assistant.SectionID) {
	sec, ok := assistant.Lookup(r.app.Messages.Lang, id)
	if !ok {
		fmt.Fprintf(r.out, "unknown section %q\n", id)
		return
	}
	if !sec.Enabled {
		fmt.Fprintln(r.out, r.app.Messages.Locked)
		return
	}
	r.leave()
	r.section = &sec
	fmt.Fprintf(r.out, "\n== %s ==\n", sec.Title)

	if sec.Kind == assistant.KindSearch {
		if h := r.app.Search.History(); len(h) > 0 {
			fmt.Fprintf(r.out, "recent: %s\n", strings.Join(h, " | "))
		}
		return
	}
	chat, ok := r.app.Chat(sec.ID)
	if !ok {
		return
	}
	r.chat = chat
	r.unsub = chat.Subscribe(r.notify)
	if conv, ok := chat.Store().Active(); ok {
		r.printConversation(conv)
	}
}

// leave returns to the dashboard, ending any voice session.
func (r *repl) leave() {
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
	if r.chat != nil {
		r.chat.StopLive()
	}
	r.chat = nil
	r.section = nil
}

func (r *repl) handleChat(ctx context.Context, cmd, arg, line string) {
	store := r.chat.Store()
	switch cmd {
	case "/back":
		r.leave()
		r.dashboard()
	case "/new":
		conv := store.Create()
		fmt.Fprintf(r.out, "new conversation %s\n", conv.ID)
	case "/list":
		r.listConversations()
	case "/select":
		id, ok := r.conversationRef(arg)
		if !ok || !store.Select(id) {
			fmt.Fprintln(r.out, "no such conversation")
			return
		}
		if conv, ok := store.Get(id); ok {
			r.printConversation(conv)
		}
	case "/delete":
		r.deleteConversation(arg)
	case "/live":
		r.toggleLive(ctx)
	case "/image":
		path, text, _ := strings.Cut(arg, " ")
		if path == "" {
			fmt.Fprintln(r.out, "usage: /image <path> [message]")
			return
		}
		src, closer, err := media.FromFile(path)
		if err != nil {
			fmt.Fprintf(r.out, "open image: %v\n", err)
			return
		}
		defer closer.Close()
		r.submit(ctx, assistant.Submission{Text: strings.TrimSpace(text), Image: &src})
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Fprintf(r.out, "unknown command %s, try /help\n", cmd)
			return
		}
		r.submit(ctx, assistant.Submission{Text: line})
	}
}

func (r *repl) submit(ctx context.Context, sub assistant.Submission) {
	r.notifyMu.Lock()
	r.lastProgress = -1
	r.notifyMu.Unlock()
	fmt.Fprintln(r.out, r.section.ThinkingLabel(r.app.Messages))

	receipt, err := r.chat.Submit(ctx, sub)
	switch {
	case errors.Is(err, assistant.ErrEmptySubmission):
		return
	case errors.Is(err, assistant.ErrBusy):
		fmt.Fprintln(r.out, "busy: wait for the current answer or end the voice session")
		return
	case err != nil:
		fmt.Fprintf(r.out, "submit: %v\n", errMessage(err))
		return
	}
	conv, ok := r.chat.Store().Get(receipt.ConversationID)
	if !ok {
		return
	}
	if receipt.ReplyID == 0 {
		// Upload failures add a single model message.
		if tail, ok := conv.Tail(); ok {
			r.printMessage(tail)
		}
		return
	}
	for _, m := range conv.Messages {
		if m.ID == receipt.ReplyID {
			r.printMessage(m)
		}
	}
}

func (r *repl) listConversations() {
	convs := r.chat.Store().Snapshot()
	if len(convs) == 0 {
		fmt.Fprintln(r.out, "no conversations yet")
		return
	}
	active := r.chat.Store().ActiveID()
	for i, c := range convs {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %d. %s (%d messages)\n", marker, i+1, c.Title, len(c.Messages))
	}
}

// conversationRef resolves a list number or an id.
func (r *repl) conversationRef(arg string) (string, bool) {
	if arg == "" {
		return "", false
	}
	list := r.chat.Store().List()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(list) {
			return "", false
		}
		return list[n-1].ID, true
	}
	for _, c := range list {
		if c.ID == arg {
			return arg, true
		}
	}
	return "", false
}

func (r *repl) deleteConversation(arg string) {
	store := r.chat.Store()
	id, ok := r.conversationRef(arg)
	if !ok || !store.RequestDelete(id) {
		fmt.Fprintln(r.out, "no such conversation")
		return
	}
	fmt.Fprintf(r.out, "%s [y/N] ", r.app.Messages.DeleteAsk)
	answer, _ := r.readLine()
	switch strings.ToLower(answer) {
	case "y", "yes", "نعم":
		if _, ok := store.ConfirmDelete(); ok {
			fmt.Fprintln(r.out, "deleted")
		}
	default:
		store.CancelDelete()
		fmt.Fprintln(r.out, "kept")
	}
}

func (r *repl) toggleLive(ctx context.Context) {
	wasActive := r.chat.LiveActive()
	r.notifyMu.Lock()
	r.lastSpeaker = ""
	r.notifyMu.Unlock()
	err := r.chat.ToggleLive(ctx)
	switch {
	case errors.Is(err, assistant.ErrBusy):
		fmt.Fprintln(r.out, "busy: wait for the current answer before starting voice")
		return
	case err != nil:
		fmt.Fprintln(r.out, liveMessage(err, r.app.Messages.MicUnavailable))
		return
	}
	if wasActive {
		fmt.Fprintln(r.out, "voice session ended")
		return
	}
	fmt.Fprintln(r.out, "voice session open, speak now; /live again to stop")
}

func (r *repl) handleSearch(ctx context.Context, cmd, arg, line string) {
	svc := r.app.Search
	switch cmd {
	case "/back":
		r.leave()
		r.dashboard()
	case "/history":
		h := svc.History()
		if len(h) == 0 {
			fmt.Fprintln(r.out, "no searches yet")
		}
		for i, q := range h {
			fmt.Fprintf(r.out, "%d. %s\n", i+1, q)
		}
	case "/remove":
		if !svc.RemoveHistory(ctx, arg) {
			fmt.Fprintln(r.out, "not in history")
		}
	case "/suggest":
		for _, s := range svc.Suggestions(arg) {
			fmt.Fprintf(r.out, "  %s\n", s)
		}
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Fprintf(r.out, "unknown command %s, try /help\n", cmd)
			return
		}
		fmt.Fprintln(r.out, r.app.Messages.Thinking)
		results, err := svc.Search(ctx, line)
		if err != nil {
			fmt.Fprintln(r.out, r.app.Messages.SearchFailed)
			if t, ok := core.TypeOf(err); ok && t == core.ErrNotConfigured {
				fmt.Fprintln(r.out, "No API key configured. Use /key to enter one.")
			}
			return
		}
		for i, ref := range results {
			fmt.Fprintf(r.out, "%d. %s\n   %s\n", i+1, ref.Title, ref.URL)
		}
	}
}

// notify renders orchestrator notifications that arrive outside a prompt:
// upload progress, voice state and streamed transcripts.
func (r *repl) notify(n assistant.Notification) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	switch n.Kind {
	case assistant.NotifyUpload:
		if n.Progress/25 > r.lastProgress/25 || r.lastProgress < 0 {
			r.lastProgress = n.Progress
			fmt.Fprintf(r.out, "upload %d%%\n", n.Progress)
		}
	case assistant.NotifyLiveState:
		if n.Error != "" {
			fmt.Fprintf(r.out, "\nvoice: %s\n", n.Error)
		}
	case assistant.NotifyLiveEvent:
		ev := n.Event
		if ev == nil {
			return
		}
		r.transcript(types.RoleUser, ev.UserTranscript)
		r.transcript(types.RoleModel, ev.ModelTranscript)
		if ev.TurnComplete {
			fmt.Fprintln(r.out)
			r.lastSpeaker = ""
		}
	}
}

func (r *repl) transcript(role types.Role, text string) {
	if text == "" {
		return
	}
	if r.lastSpeaker != role {
		fmt.Fprintf(r.out, "\n[%s] ", roleLabel(role))
		r.lastSpeaker = role
	}
	fmt.Fprint(r.out, text)
}

func (r *repl) printConversation(conv types.Conversation) {
	fmt.Fprintf(r.out, "-- %s --\n", conv.Title)
	for _, m := range conv.Messages {
		r.printMessage(m)
	}
}

func (r *repl) printMessage(m types.Message) {
	text := m.Text
	if m.IsLoading {
		text = r.app.Messages.Thinking
	}
	if m.Image != "" {
		text = "[image] " + text
	}
	fmt.Fprintf(r.out, "[%s] %s\n", roleLabel(m.Role), text)
	for _, v := range m.Videos {
		fmt.Fprintf(r.out, "  video: %s <%s>\n", v.Title, v.URL)
	}
}

func roleLabel(role types.Role) string {
	if role == types.RoleUser {
		return "you"
	}
	return "assistant"
}

func liveMessage(err error, fallback string) string {
	var se *live.SessionError
	if errors.As(err, &se) {
		return se.Message
	}
	if t, ok := core.TypeOf(err); ok && t == core.ErrCapabilityUnavailable {
		return fallback
	}
	return err.Error()
}

func errMessage(err error) string {
	var ce *core.Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}
