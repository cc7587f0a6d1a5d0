package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "chat-ingest/pkg/errors"
)

// Checks shared by every storage backend.

func unreadOf(t *testing.T, reg ParticipantRegistry, chatID, userID int64) int64 {
	t.Helper()
	participants, err := reg.ListParticipants(context.Background(), chatID)
	require.NoError(t, err)
	p, ok := lo.Find(participants, func(p Participant) bool { return p.UserID == userID })
	require.True(t, ok, "user %d is not in chat %d", userID, chatID)
	return p.UnreadCount
}

// assertCounterLinearizable races resets against increments on one
// participant and checks no update is lost or invented.
func assertCounterLinearizable(t *testing.T, reg ParticipantRegistry, chatID, userID int64) {
	t.Helper()
	req := require.New(t)
	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.IncrementUnread(ctx, chatID, userID))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.MarkRead(ctx, chatID, userID))
		}()
	}
	wg.Wait()
	got := unreadOf(t, reg, chatID, userID)
	req.GreaterOrEqual(got, int64(0))
	req.LessOrEqual(got, int64(n))

	// After a settled reset, every increment counts exactly once.
	req.NoError(reg.MarkRead(ctx, chatID, userID))
	req.Equal(int64(0), unreadOf(t, reg, chatID, userID))
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.IncrementUnread(ctx, chatID, userID))
		}()
	}
	wg.Wait()
	req.Equal(int64(n), unreadOf(t, reg, chatID, userID))

	req.NoError(reg.MarkRead(ctx, chatID, userID))
	req.Equal(int64(0), unreadOf(t, reg, chatID, userID))
}

// assertHistoryWalk sends seven messages and walks them back three at a
// time with the before cursor.
func assertHistoryWalk(t *testing.T, svc *Service, sender, chatID, otherChat int64) {
	t.Helper()
	req := require.New(t)
	ctx := context.Background()

	var sent []uuid.UUID
	for i := 0; i < 7; i++ {
		msg, err := svc.SendMessage(ctx, SendCommand{SenderID: sender, ChatID: chatID, Content: text(fmt.Sprintf("m%d", i))})
		req.NoError(err)
		sent = append(sent, msg.ID)
		time.Sleep(time.Millisecond)
	}

	var walked []uuid.UUID
	var before *uuid.UUID
	pages := 0
	for {
		page, err := svc.History(ctx, chatID, before, 3)
		req.NoError(err)
		req.NotEmpty(page.Messages)
		pages++
		req.LessOrEqual(pages, 3)
		ids := lo.Map(page.Messages, func(m *Message, _ int) uuid.UUID { return m.ID })
		walked = append(ids, walked...)
		if !page.HasMore {
			break
		}
		first := page.Messages[0].ID
		before = &first
	}
	req.Equal(3, pages)
	req.Equal(sent, walked)

	// Cursor on the oldest message: nothing older.
	page, err := svc.History(ctx, chatID, &sent[0], 3)
	req.NoError(err)
	req.Empty(page.Messages)
	req.False(page.HasMore)

	foreign, err := svc.SendMessage(ctx, SendCommand{SenderID: sender, ChatID: otherChat, Content: text("elsewhere")})
	req.NoError(err)
	_, err = svc.History(ctx, chatID, &foreign.ID, 3)
	req.ErrorIs(err, appErrors.ErrMessageNotFound)

	unknown := uuid.New()
	_, err = svc.History(ctx, chatID, &unknown, 3)
	req.ErrorIs(err, appErrors.ErrMessageNotFound)
}
