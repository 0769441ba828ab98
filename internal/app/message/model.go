package message

import "time"

// SenderAssistant is the sentinel sender id for generated messages; every
// other sender is a user id.
const SenderAssistant = "assistant"

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeVideo ContentType = "video"
)

// Message is one turn in a thread. (CreatedAt, Seq) is the sole ordering key
// within a thread; Seq breaks creation-time ties in insertion order.
type Message struct {
	ID          string      `json:"id" gorm:"primaryKey"`
	ThreadID    string      `json:"thread_id" gorm:"index"`
	Sender      string      `json:"sender"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	MediaURL    string      `json:"media_url,omitempty"`
	ParentID    *string     `json:"parent_id,omitempty" gorm:"index"`
	CreatedAt   time.Time   `json:"created_at" gorm:"index"`
	Seq         int64       `json:"seq"`
	Edited      bool        `json:"edited"`
	// Interrupted marks a generation that was cancelled mid-stream; the
	// partial content is kept as a completed message.
	Interrupted bool      `json:"interrupted,omitempty"`
	Metadata    *Metadata `json:"metadata,omitempty" gorm:"embedded;embeddedPrefix:meta_"`
}

// Metadata records which provider produced an assistant message and what it
// cost.
type Metadata struct {
	Provider         string `json:"provider,omitempty"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	ContextTokens    int    `json:"context_tokens,omitempty"`
}

// FromAssistant reports whether the message was produced by generation
// rather than sent by a user.
func (m *Message) FromAssistant() bool {
	return m.Sender == SenderAssistant
}

// Clone returns a deep copy. Used by the fork engine and the optimistic view
// so callers never alias a stored message.
func (m *Message) Clone() *Message {
	out := *m
	if m.ParentID != nil {
		parent := *m.ParentID
		out.ParentID = &parent
	}
	if m.Metadata != nil {
		meta := *m.Metadata
		out.Metadata = &meta
	}
	return &out
}

type CreateMessageRequest struct {
	Sender      string  `json:"sender" binding:"required"`
	Content     string  `json:"content" binding:"required"`
	ContentType string  `json:"content_type,omitempty"`
	MediaURL    string  `json:"media_url,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
}

type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

type MessageListResponse struct {
	Messages []*Message `json:"messages"`
	Total    int        `json:"total"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
