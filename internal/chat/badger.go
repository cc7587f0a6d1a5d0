package chat

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"chat-ingest/internal/kv"
	appErrors "chat-ingest/pkg/errors"
)

// BadgerRepository implements Store on an embedded BadgerDB. Writes go
// through kv.DB.Update, so every read-modify-write of an unread counter is
// retried on conflict instead of losing updates. The chat preview lives
// under its own key and is written without reading it, so it never
// conflicts with appends.
type BadgerRepository struct {
	db *kv.DB
}

func NewBadgerRepository(db *kv.DB) *BadgerRepository {
	return &BadgerRepository{db: db}
}

// messageRecord is the stored form of a message; the sender name is joined
// at read time.
type messageRecord struct {
	ID        uuid.UUID `json:"id"`
	ChatID    int64     `json:"chat_id"`
	SenderID  int64     `json:"sender_id"`
	Text      *string   `json:"text,omitempty"`
	Media     *MediaRef `json:"media,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// summaryRecord is the denormalized preview of a chat.
type summaryRecord struct {
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// withSummary loads the chat record and overlays its preview, if any.
func withSummary(txn *badger.Txn, chatID int64) (*Chat, error) {
	c, err := kv.Get[Chat](txn, kv.ChatKey(chatID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, appErrors.ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	sum, err := kv.Get[summaryRecord](txn, kv.SummaryKey(chatID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	at := sum.LastMessageAt
	c.LastMessage = sum.LastMessage
	c.LastMessageAt = &at
	return c, nil
}

// senderRecord decodes the fields of a user record that messages need.
type senderRecord struct {
	DisplayName string `json:"display_name"`
}

func (m messageRecord) withSender(name string) *Message {
	return &Message{
		ID:         m.ID,
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		SenderName: name,
		Text:       m.Text,
		Media:      m.Media,
		CreatedAt:  m.CreatedAt,
	}
}

// classify maps badger failures; already classified errors pass through.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var appErr *appErrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.ErrStorage(errors.Wrap(err, op))
}

func requireChat(txn *badger.Txn, chatID int64) error {
	ok, err := kv.Exists(txn, kv.ChatKey(chatID))
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.ErrChatNotFound
	}
	return nil
}

func requireUser(txn *badger.Txn, userID int64) error {
	ok, err := kv.Exists(txn, kv.UserKey(userID))
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.ErrUserNotFound
	}
	return nil
}

func senderName(txn *badger.Txn, userID int64) (string, error) {
	s, err := kv.Get[senderRecord](txn, kv.UserKey(userID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", appErrors.ErrUserNotFound
	}
	if err != nil {
		return "", err
	}
	return s.DisplayName, nil
}

// Append checks the chat and the sender and writes the message in one
// transaction, returning the record joined with the sender name it read.
func (r *BadgerRepository) Append(_ context.Context, d Draft) (*Message, error) {
	rec := messageRecord{
		ID:        uuid.New(),
		ChatID:    d.ChatID,
		SenderID:  d.SenderID,
		Text:      d.Text,
		Media:     d.Media,
		CreatedAt: time.Now().UTC(),
	}
	var out *Message
	err := r.db.Update(func(txn *badger.Txn) error {
		if err := requireChat(txn, d.ChatID); err != nil {
			return err
		}
		name, err := senderName(txn, d.SenderID)
		if err != nil {
			return err
		}
		key := kv.MessageKey(rec.ChatID, rec.CreatedAt, rec.ID)
		if err := kv.Set(txn, key, rec); err != nil {
			return err
		}
		if err := txn.Set(kv.MessageIDKey(rec.ID), key); err != nil {
			return err
		}
		out = rec.withSender(name)
		return nil
	})
	if err != nil {
		return nil, classify(err, "chatRepo.Append.Update")
	}
	return out, nil
}

func (r *BadgerRepository) GetMessage(_ context.Context, id uuid.UUID) (*Message, error) {
	var out *Message
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(kv.MessageIDKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return appErrors.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err := kv.Get[messageRecord](txn, key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return appErrors.ErrMessageNotReadable
		}
		if err != nil {
			return err
		}
		name, err := senderName(txn, rec.SenderID)
		if err != nil {
			return err
		}
		out = rec.withSender(name)
		return nil
	})
	if err != nil {
		return nil, classify(err, "chatRepo.GetMessage.View")
	}
	return out, nil
}

func (r *BadgerRepository) ListMessages(_ context.Context, chatID int64, before *uuid.UUID, limit int) (*MessagePage, error) {
	page := &MessagePage{Messages: []*Message{}}
	err := r.db.View(func(txn *badger.Txn) error {
		if err := requireChat(txn, chatID); err != nil {
			return err
		}
		var cursor []byte
		if before != nil {
			item, err := txn.Get(kv.MessageIDKey(*before))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return appErrors.ErrMessageNotFound
			}
			if err != nil {
				return err
			}
			if cursor, err = item.ValueCopy(nil); err != nil {
				return err
			}
			if !bytes.HasPrefix(cursor, kv.MessagePrefix(chatID)) {
				return appErrors.ErrMessageNotFound
			}
		}

		// One extra record tells whether an older page exists.
		records, err := kv.ScanLast[messageRecord](txn, kv.MessagePrefix(chatID), cursor, limit+1)
		if err != nil {
			return err
		}
		if len(records) > limit {
			records = records[1:]
			page.HasMore = true
		}
		names := map[int64]string{}
		for _, rec := range records {
			name, ok := names[rec.SenderID]
			if !ok {
				if name, err = senderName(txn, rec.SenderID); err != nil {
					return err
				}
				names[rec.SenderID] = name
			}
			page.Messages = append(page.Messages, rec.withSender(name))
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "chatRepo.ListMessages.View")
	}
	return page, nil
}

func (r *BadgerRepository) ListParticipants(_ context.Context, chatID int64) ([]Participant, error) {
	participants := []Participant{}
	err := r.db.View(func(txn *badger.Txn) error {
		if err := requireChat(txn, chatID); err != nil {
			return err
		}
		records, err := kv.Scan[Participant](txn, kv.ParticipantPrefix(chatID))
		if err != nil {
			return err
		}
		for _, p := range records {
			participants = append(participants, *p)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "chatRepo.ListParticipants.View")
	}
	return participants, nil
}

// updateParticipant applies mutate to one participant record inside a
// conflict-checked transaction. Local writers of the same record queue on
// its key lock instead of colliding.
func (r *BadgerRepository) updateParticipant(op string, chatID, userID int64, mutate func(p *Participant)) error {
	key := kv.ParticipantKey(chatID, userID)
	err := r.db.UpdateKey(key, func(txn *badger.Txn) error {
		p, err := kv.Get[Participant](txn, key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			if err := requireChat(txn, chatID); err != nil {
				return err
			}
			return appErrors.ErrParticipantNotFound
		}
		if err != nil {
			return err
		}
		mutate(p)
		return kv.Set(txn, key, p)
	})
	return classify(err, "chatRepo."+op+".Update")
}

func (r *BadgerRepository) ResetUnread(_ context.Context, chatID, userID int64) error {
	return r.updateParticipant("ResetUnread", chatID, userID, func(p *Participant) {
		p.UnreadCount = 0
	})
}

func (r *BadgerRepository) IncrementUnread(_ context.Context, chatID, userID int64) error {
	return r.updateParticipant("IncrementUnread", chatID, userID, func(p *Participant) {
		p.UnreadCount++
	})
}

func (r *BadgerRepository) MarkRead(ctx context.Context, chatID, userID int64) error {
	return r.ResetUnread(ctx, chatID, userID)
}

func (r *BadgerRepository) SetMuted(_ context.Context, chatID, userID int64, muted bool) error {
	return r.updateParticipant("SetMuted", chatID, userID, func(p *Participant) {
		p.Muted = muted
	})
}

func addParticipant(txn *badger.Txn, chatID, userID int64, at time.Time) (*Participant, error) {
	key := kv.ParticipantKey(chatID, userID)
	existing, err := kv.Get[Participant](txn, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, err
	}
	if err := requireUser(txn, userID); err != nil {
		return nil, err
	}
	p := &Participant{ChatID: chatID, UserID: userID, JoinedAt: at}
	if err := kv.Set(txn, key, p); err != nil {
		return nil, err
	}
	if err := txn.Set(kv.MembershipKey(userID, chatID), nil); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *BadgerRepository) Join(_ context.Context, chatID, userID int64) (*Participant, error) {
	var out *Participant
	now := time.Now().UTC()
	err := r.db.Update(func(txn *badger.Txn) error {
		if err := requireChat(txn, chatID); err != nil {
			return err
		}
		p, err := addParticipant(txn, chatID, userID, now)
		out = p
		return err
	})
	if err != nil {
		return nil, classify(err, "chatRepo.Join.Update")
	}
	return out, nil
}

func (r *BadgerRepository) CreateChat(_ context.Context, title string, memberIDs []int64) (*Chat, error) {
	id, err := r.db.NextChatID()
	if err != nil {
		return nil, classify(err, "chatRepo.CreateChat.NextID")
	}
	c := &Chat{ID: id, Title: title, CreatedAt: time.Now().UTC()}
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := kv.Set(txn, kv.ChatKey(id), c); err != nil {
			return err
		}
		for _, userID := range memberIDs {
			if _, err := addParticipant(txn, id, userID, c.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "chatRepo.CreateChat.Update")
	}
	return c, nil
}

func (r *BadgerRepository) GetChat(_ context.Context, chatID int64) (*Chat, error) {
	var out *Chat
	err := r.db.View(func(txn *badger.Txn) error {
		c, err := withSummary(txn, chatID)
		out = c
		return err
	})
	if err != nil {
		return nil, classify(err, "chatRepo.GetChat.View")
	}
	return out, nil
}

func (r *BadgerRepository) ListChats(_ context.Context, userID int64) ([]ChatView, error) {
	views := []ChatView{}
	err := r.db.View(func(txn *badger.Txn) error {
		for _, key := range kv.Keys(txn, kv.MembershipPrefix(userID)) {
			chatID, err := kv.MembershipChatID(key)
			if err != nil {
				return err
			}
			c, err := withSummary(txn, chatID)
			if err != nil {
				return err
			}
			p, err := kv.Get[Participant](txn, kv.ParticipantKey(chatID, userID))
			if err != nil {
				return err
			}
			views = append(views, ChatView{Chat: *c, UnreadCount: p.UnreadCount, Muted: p.Muted})
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "chatRepo.ListChats.View")
	}
	sort.SliceStable(views, func(i, j int) bool {
		ai, aj := lastActivity(views[i].Chat), lastActivity(views[j].Chat)
		if ai.Equal(aj) {
			return views[i].ID > views[j].ID
		}
		return ai.After(aj)
	})
	return views, nil
}

func lastActivity(c Chat) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// SetPreview overwrites the chat's preview; the last commit wins. Only the
// immutable chat record is read, so concurrent previews and appends never
// conflict with each other.
func (r *BadgerRepository) SetPreview(_ context.Context, chatID int64, preview string, at time.Time) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		if err := requireChat(txn, chatID); err != nil {
			return err
		}
		return kv.Set(txn, kv.SummaryKey(chatID), summaryRecord{LastMessage: preview, LastMessageAt: at})
	})
	return classify(err, "chatRepo.SetPreview.Update")
}
