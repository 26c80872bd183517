package types

// Conversation is an ordered list of messages with a title and the time of
// its last mutation in Unix milliseconds.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	Timestamp int64     `json:"timestamp"`
}

// ConversationSummary is what a history listing shows.
type ConversationSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Timestamp int64  `json:"timestamp"`
}

// Clone returns a deep copy so callers can mutate it freely.
func (c Conversation) Clone() Conversation {
	msgs := make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = m.Clone()
	}
	c.Messages = msgs
	return c
}

// Summary returns the listing view of the conversation.
func (c Conversation) Summary() ConversationSummary {
	return ConversationSummary{ID: c.ID, Title: c.Title, Timestamp: c.Timestamp}
}

// Tail returns the last message, if any.
func (c Conversation) Tail() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// FirstUserText returns the text of the first user message with text.
func (c Conversation) FirstUserText() (string, bool) {
	for _, m := range c.Messages {
		if m.Role == RoleUser && m.Text != "" {
			return m.Text, true
		}
	}
	return "", false
}

// PendingCount counts messages still marked as loading.
func (c Conversation) PendingCount() int {
	n := 0
	for _, m := range c.Messages {
		if m.IsLoading {
			n++
		}
	}
	return n
}
