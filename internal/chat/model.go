package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"

	appErrors "chat-ingest/pkg/errors"
)

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

type Chat struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	LastMessage   string     `json:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ChatView is a chat as seen in one user's chat list.
type ChatView struct {
	Chat
	UnreadCount int64 `json:"unread_count"`
	Muted       bool  `json:"muted"`
}

type Participant struct {
	ChatID      int64     `json:"chat_id"`
	UserID      int64     `json:"user_id"`
	UnreadCount int64     `json:"unread_count"`
	Muted       bool      `json:"muted"`
	JoinedAt    time.Time `json:"joined_at"`
}

type MediaRef struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

type Message struct {
	ID         uuid.UUID `json:"id"`
	ChatID     int64     `json:"chat_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name"` // joined from the user directory, never stored
	Text       *string   `json:"text,omitempty"`
	Media      *MediaRef `json:"media,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MessagePage is one page of history. Pass the first message's id as
// before to fetch the page preceding it.
type MessagePage struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"has_more"`
}

// ---------------------------------------------
// Commands
// ---------------------------------------------

// Content is what a message carries: exactly one of TextContent or
// MediaContent.
type Content interface {
	isContent()
}

type TextContent struct {
	Body string
}

type MediaContent struct {
	Ref MediaRef
}

func (TextContent) isContent()  {}
func (MediaContent) isContent() {}

type SendCommand struct {
	SenderID int64
	ChatID   int64
	Content  Content
}

func (c SendCommand) Validate() error {
	if c.SenderID <= 0 {
		return appErrors.InvalidArg("sender id must be positive")
	}
	if c.ChatID <= 0 {
		return appErrors.InvalidArg("chat id must be positive")
	}
	switch content := c.Content.(type) {
	case TextContent:
		if strings.TrimSpace(content.Body) == "" {
			return appErrors.ErrEmptyContent
		}
	case MediaContent:
		if content.Ref.Path == "" || content.Ref.Name == "" {
			return appErrors.ErrInvalidMediaRef
		}
	default:
		return appErrors.ErrEmptyContent
	}
	return nil
}

// Draft is a validated message about to be appended. The store assigns
// the id and the timestamp.
type Draft struct {
	ChatID   int64
	SenderID int64
	Text     *string
	Media    *MediaRef
}

func (c SendCommand) draft() Draft {
	d := Draft{ChatID: c.ChatID, SenderID: c.SenderID}
	switch content := c.Content.(type) {
	case TextContent:
		body := content.Body
		d.Text = &body
	case MediaContent:
		ref := content.Ref
		d.Media = &ref
	}
	return d
}

// ---------------------------------------------
// Events
// ---------------------------------------------

type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventChatRead       EventType = "chat.read"
	EventError          EventType = "error"
)

// ErrorBody tells a websocket client why its frame was rejected.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is pushed to connected participants. Recipients only steer
// delivery and are not part of the payload.
type Event struct {
	Type       EventType  `json:"type"`
	ChatID     int64      `json:"chat_id"`
	UserID     int64      `json:"user_id,omitempty"`
	Message    *Message   `json:"message,omitempty"`
	Error      *ErrorBody `json:"error,omitempty"`
	Recipients []int64    `json:"-"`
}

// WSMessage is what a websocket client sends to post a text message.
type WSMessage struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}
