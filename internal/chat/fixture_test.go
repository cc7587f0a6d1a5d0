package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"chat-ingest/internal/kv"
	"chat-ingest/internal/user"
	"chat-ingest/pkg/logger"
)

// fixture wires a Service onto an in-memory badger store.
type fixture struct {
	store  *BadgerRepository
	users  *user.BadgerRepository
	events *recordingPublisher
	svc    *Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db, err := kv.Open("", kv.Options{InMemory: true})
	require.NoError(t, err)
	f := &fixture{
		store:  NewBadgerRepository(db),
		users:  user.NewBadgerRepository(db),
		events: &recordingPublisher{},
	}
	f.svc = NewService(f.store, f.events, logger.Nop(), opts)
	t.Cleanup(func() {
		f.svc.Close()
		_ = db.Close()
	})
	return f
}

// withStore rebuilds the service on top of a wrapped store.
func (f *fixture) withStore(s Store) *Service {
	return NewService(s, f.events, logger.Nop(), Options{})
}

func (f *fixture) user(t *testing.T, name string) int64 {
	t.Helper()
	u, err := f.users.CreateUser(context.Background(), name)
	require.NoError(t, err)
	return u.ID
}

func (f *fixture) chat(t *testing.T, members ...int64) int64 {
	t.Helper()
	c, err := f.svc.CreateChat(context.Background(), "test", members)
	require.NoError(t, err)
	return c.ID
}

// unread returns every participant's counter keyed by user id.
func (f *fixture) unread(t *testing.T, chatID int64) map[int64]int64 {
	t.Helper()
	participants, err := f.store.ListParticipants(context.Background(), chatID)
	require.NoError(t, err)
	out := make(map[int64]int64, len(participants))
	for _, p := range participants {
		out[p.UserID] = p.UnreadCount
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(t EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func text(s string) Content { return TextContent{Body: s} }
