package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageStore owns message rows.
type MessageStore interface {
	// Append persists d and returns it already joined with the sender's
	// display name. Unknown chat or sender fails with NotFound and writes
	// nothing.
	Append(ctx context.Context, d Draft) (*Message, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)
	// ListMessages returns up to limit messages strictly older than before,
	// or the latest ones when before is nil, in chronological order. A
	// before id that is not in chatID fails with NotFound.
	ListMessages(ctx context.Context, chatID int64, before *uuid.UUID, limit int) (*MessagePage, error)
}

// ParticipantRegistry owns chat membership rows and their unread counters.
// Counter updates are atomic at the storage layer.
type ParticipantRegistry interface {
	ListParticipants(ctx context.Context, chatID int64) ([]Participant, error)
	ResetUnread(ctx context.Context, chatID, userID int64) error
	IncrementUnread(ctx context.Context, chatID, userID int64) error
	MarkRead(ctx context.Context, chatID, userID int64) error
	Join(ctx context.Context, chatID, userID int64) (*Participant, error)
	SetMuted(ctx context.Context, chatID, userID int64, muted bool) error
}

// ChatDirectory owns chat rows, including the denormalized preview.
type ChatDirectory interface {
	CreateChat(ctx context.Context, title string, memberIDs []int64) (*Chat, error)
	GetChat(ctx context.Context, chatID int64) (*Chat, error)
	ListChats(ctx context.Context, userID int64) ([]ChatView, error)
	SetPreview(ctx context.Context, chatID int64, preview string, at time.Time) error
}

// Store is implemented by each storage backend.
type Store interface {
	MessageStore
	ParticipantRegistry
	ChatDirectory
}

type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
