package models

import (
	"encoding/json"
	"time"
)

// Platform names the external integration a message originates from.
const (
	PlatformTwitter  = "twitter"
	PlatformTelegram = "telegram"
)

// Message is a unit of authored or received content. It is never mutated after insert.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Character      string          `json:"character,omitempty"`
	Platform       string          `json:"platform"`
	Author         string          `json:"author"`
	Content        string          `json:"content"`
	ResponseTo     string          `json:"response_to,omitempty"`
	WenPosted      time.Time       `json:"wen_posted"`
	Flagged        bool            `json:"flagged"`
	OriginalData   json.RawMessage `json:"original_data,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// IsRoot reports whether the message starts a thread.
func (m *Message) IsRoot() bool {
	return m.ResponseTo == ""
}

// Reply is a message fetched live from a platform.
type Reply struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Author         string          `json:"author"`
	Content        string          `json:"content"`
	CreatedAt      time.Time       `json:"created_at"`
	InReplyToID    string          `json:"in_reply_to_id,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// ToMessage converts a fetched reply into a storable message.
func (r Reply) ToMessage(character, platform string) *Message {
	return &Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Character:      character,
		Platform:       platform,
		Author:         r.Author,
		Content:        r.Content,
		ResponseTo:     r.InReplyToID,
		WenPosted:      r.CreatedAt,
		OriginalData:   r.Raw,
	}
}

// Generated is the output of the content generator.
type Generated struct {
	Content string   `json:"content"`
	Media   []string `json:"media,omitempty"`
}
