package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	appErrors "chat-ingest/pkg/errors"
)

type Options struct {
	// FanOutTimeout bounds the summary and unread updates that follow an
	// append. They run detached from the caller's context.
	FanOutTimeout time.Duration
	// FanOutConcurrency caps parallel counter updates per message.
	FanOutConcurrency int
	// HistoryLimit is the default and maximum page size for history reads.
	HistoryLimit int
}

func (o Options) withDefaults() Options {
	if o.FanOutTimeout <= 0 {
		o.FanOutTimeout = 10 * time.Second
	}
	if o.FanOutConcurrency <= 0 {
		o.FanOutConcurrency = 8
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	return o
}

// Service is the only component that writes messages, previews and unread
// counters together.
type Service struct {
	messages     MessageStore
	participants ParticipantRegistry
	chats        ChatDirectory
	events       EventPublisher
	log          zerolog.Logger
	opts         Options

	mu      sync.RWMutex
	closed  bool
	fanOuts sync.WaitGroup
}

func NewService(store Store, events EventPublisher, log zerolog.Logger, opts Options) *Service {
	if events == nil {
		events = NopPublisher{}
	}
	return &Service{
		messages:     store,
		participants: store,
		chats:        store,
		events:       events,
		log:          log.With().Str("component", "ingestion").Logger(),
		opts:         opts.withDefaults(),
	}
}

// SendMessage appends a message and then updates the chat preview and every
// participant's unread counter.
//
// A nil error means the message is durable and the fan-out finished. If the
// fan-out fails, or ctx ends before it finishes, the message is still
// returned, together with a PARTIAL_SUCCESS error. The fan-out itself is
// never cancelled by the caller. After Close, sends fail with UNAVAILABLE
// and nothing is appended.
func (s *Service) SendMessage(ctx context.Context, cmd SendCommand) (*Message, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if !s.begin() {
		return nil, appErrors.ErrServiceClosed
	}

	msg, err := s.messages.Append(ctx, cmd.draft())
	if err != nil {
		s.fanOuts.Done()
		return nil, err
	}
	if msg == nil || msg.ChatID != cmd.ChatID || msg.SenderID != cmd.SenderID {
		s.fanOuts.Done()
		s.log.Error().
			Int64("chat_id", cmd.ChatID).
			Int64("sender_id", cmd.SenderID).
			Msg("append returned a record that does not match the draft")
		return nil, appErrors.ErrMessageNotReadable
	}

	done := make(chan error, 1)
	fanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FanOutTimeout)
	go func() {
		defer s.fanOuts.Done()
		defer cancel()
		err := s.fanOut(fanCtx, msg)
		if err != nil {
			s.log.Warn().Err(err).
				Str("message_id", msg.ID.String()).
				Int64("chat_id", msg.ChatID).
				Msg("fan-out incomplete, summary or unread counters may be stale")
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return msg, appErrors.ErrFanOutIncomplete(err)
		}
		return msg, nil
	case <-ctx.Done():
		return msg, appErrors.ErrFanOutIncomplete(ctx.Err())
	}
}

// begin registers an in-flight send unless the service is closed.
func (s *Service) begin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	s.fanOuts.Add(1)
	return true
}

// fanOut writes the preview and the unread counters for msg. Both steps are
// attempted even if one fails.
func (s *Service) fanOut(ctx context.Context, msg *Message) error {
	previewErr := s.chats.SetPreview(ctx, msg.ChatID, FormatPreview(msg), msg.CreatedAt)

	participants, err := s.participants.ListParticipants(ctx, msg.ChatID)
	if err != nil {
		return errors.Join(previewErr, err)
	}

	var g errgroup.Group
	g.SetLimit(s.opts.FanOutConcurrency)
	for _, p := range participants {
		p := p
		g.Go(func() error {
			if p.UserID == msg.SenderID {
				return s.participants.ResetUnread(ctx, p.ChatID, p.UserID)
			}
			return s.participants.IncrementUnread(ctx, p.ChatID, p.UserID)
		})
	}
	if err := errors.Join(previewErr, g.Wait()); err != nil {
		return err
	}

	s.publish(ctx, Event{
		Type:       EventMessageCreated,
		ChatID:     msg.ChatID,
		Message:    msg,
		Recipients: lo.Map(participants, func(p Participant, _ int) int64 { return p.UserID }),
	})
	return nil
}

// MarkChatRead resets userID's unread counter in chatID. Calling it again
// is a no-op.
func (s *Service) MarkChatRead(ctx context.Context, chatID, userID int64) error {
	if err := s.participants.MarkRead(ctx, chatID, userID); err != nil {
		return err
	}
	s.publish(ctx, Event{Type: EventChatRead, ChatID: chatID, UserID: userID, Recipients: []int64{userID}})
	return nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("type", string(ev.Type)).Int64("chat_id", ev.ChatID).Msg("publishing event")
	}
}

func (s *Service) CreateChat(ctx context.Context, title string, memberIDs []int64) (*Chat, error) {
	members := lo.Uniq(memberIDs)
	for _, id := range members {
		if id <= 0 {
			return nil, appErrors.InvalidArg("member ids must be positive")
		}
	}
	return s.chats.CreateChat(ctx, title, members)
}

func (s *Service) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	return s.chats.GetChat(ctx, chatID)
}

func (s *Service) ListChats(ctx context.Context, userID int64) ([]ChatView, error) {
	return s.chats.ListChats(ctx, userID)
}

func (s *Service) JoinChat(ctx context.Context, chatID, userID int64) (*Participant, error) {
	return s.participants.Join(ctx, chatID, userID)
}

func (s *Service) SetMuted(ctx context.Context, chatID, userID int64, muted bool) error {
	return s.participants.SetMuted(ctx, chatID, userID, muted)
}

func (s *Service) ListParticipants(ctx context.Context, chatID int64) ([]Participant, error) {
	return s.participants.ListParticipants(ctx, chatID)
}

// History returns up to limit messages older than before (or the latest
// ones when before is nil), oldest first. A non-positive or oversized limit
// falls back to the configured maximum.
func (s *Service) History(ctx context.Context, chatID int64, before *uuid.UUID, limit int) (*MessagePage, error) {
	if limit <= 0 || limit > s.opts.HistoryLimit {
		limit = s.opts.HistoryLimit
	}
	return s.messages.ListMessages(ctx, chatID, before, limit)
}

func (s *Service) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	return s.messages.GetMessage(ctx, id)
}

// Close stops accepting sends and waits for fan-outs still running on
// behalf of callers that already returned.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.fanOuts.Wait()
}
