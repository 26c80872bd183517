package types

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// MediaRef is a titled link returned by a search, either a video or a document.
type MediaRef struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Message is a single turn inside a conversation.
//
// Image holds a data URL ("data:<mime>;base64,<payload>") when the user
// attached a picture. IsLoading marks the pending model placeholder; at most
// one such message exists per conversation and it stays the tail until
// resolved, since voice sessions cannot start while it is pending.
type Message struct {
	ID        int64      `json:"id"`
	Role      Role       `json:"role"`
	Text      string     `json:"text,omitempty"`
	Image     string     `json:"image,omitempty"`
	Videos    []MediaRef `json:"videos,omitempty"`
	IsLoading bool       `json:"isLoading,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Videos != nil {
		m.Videos = append([]MediaRef(nil), m.Videos...)
	}
	return m
}

// HasImage reports whether the message carries an attached image.
func (m Message) HasImage() bool {
	return m.Image != ""
}

// ImageDataURL builds the data URL stored in Message.Image.
func ImageDataURL(mimeType, base64Data string) string {
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(mimeType) + len(base64Data))
	b.WriteString("data:")
	b.WriteString(mimeType)
	b.WriteString(";base64,")
	b.WriteString(base64Data)
	return b.String()
}

// Analysis is the result of a one-shot remote analysis: the answer text plus
// any media references found alongside it.
type Analysis struct {
	Text  string     `json:"text"`
	Media []MediaRef `json:"media,omitempty"`
}
