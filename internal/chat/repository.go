package chat

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"chat-ingest/internal/db"
	appErrors "chat-ingest/pkg/errors"
)

// PostgresRepository implements Store on the schema from db.AutoMigrate.
// Every counter update is a single UPDATE statement, so concurrent sends
// never lose increments.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const messageColumns = `m.id, m.chat_id, m.sender_id, u.display_name, m.text_body, m.media_path, m.media_name, m.created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var text, mediaPath, mediaName sql.NullString
	err := row.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.SenderName, &text, &mediaPath, &mediaName, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if text.Valid {
		msg.Text = &text.String
	}
	if mediaPath.Valid {
		msg.Media = &MediaRef{Path: mediaPath.String, Name: mediaName.String}
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return &msg, nil
}

// Append inserts the message and reads it back joined with the sender in
// the same statement.
func (r *PostgresRepository) Append(ctx context.Context, d Draft) (*Message, error) {
	query := `
		WITH m AS (
			INSERT INTO messages (id, chat_id, sender_id, text_body, media_path, media_name)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, chat_id, sender_id, text_body, media_path, media_name, created_at
		)
		SELECT ` + messageColumns + `
		FROM m
		JOIN users u ON u.id = m.sender_id
	`
	var mediaPath, mediaName sql.NullString
	if d.Media != nil {
		mediaPath = sql.NullString{String: d.Media.Path, Valid: true}
		mediaName = sql.NullString{String: d.Media.Name, Valid: true}
	}
	var text sql.NullString
	if d.Text != nil {
		text = sql.NullString{String: *d.Text, Valid: true}
	}

	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, uuid.New(), d.ChatID, d.SenderID, text, mediaPath, mediaName))
	if err != nil {
		if constraint, ok := db.ForeignKeyViolation(err); ok {
			switch constraint {
			case db.FKMessagesChat:
				return nil, appErrors.ErrChatNotFound
			case db.FKMessagesSender:
				return nil, appErrors.ErrUserNotFound
			}
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrMessageNotReadable
		}
		return nil, db.Classify(errors.Wrap(err, "chatRepo.Append.Insert"))
	}
	return msg, nil
}

func (r *PostgresRepository) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = $1`

	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrMessageNotFound
		}
		return nil, db.Classify(errors.Wrap(err, "chatRepo.GetMessage.Scan"))
	}
	return msg, nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, chatID int64, before *uuid.UUID, limit int) (*MessagePage, error) {
	args := []any{chatID, limit + 1}
	cursor := ""
	if before != nil {
		var at time.Time
		err := r.db.QueryRowContext(ctx,
			`SELECT created_at FROM messages WHERE id = $1 AND chat_id = $2`, *before, chatID,
		).Scan(&at)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.ErrMessageNotFound
			}
			return nil, db.Classify(errors.Wrap(err, "chatRepo.ListMessages.Cursor"))
		}
		cursor = `AND (m.created_at, m.id) < ($3::timestamptz, $4::uuid)`
		args = append(args, at, *before)
	}

	// One extra row tells whether an older page exists.
	query := `
		SELECT * FROM (
			SELECT ` + messageColumns + `
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.chat_id = $1 ` + cursor + `
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.Classify(errors.Wrap(err, "chatRepo.ListMessages.Query"))
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, db.Classify(errors.Wrap(err, "chatRepo.ListMessages.Scan"))
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(errors.Wrap(err, "chatRepo.ListMessages.Rows"))
	}
	if len(messages) == 0 && before == nil {
		if err := r.requireChat(ctx, chatID); err != nil {
			return nil, err
		}
	}

	page := &MessagePage{Messages: messages}
	if len(messages) > limit {
		page.Messages = messages[1:]
		page.HasMore = true
	}
	return page, nil
}

func (r *PostgresRepository) requireChat(ctx context.Context, chatID int64) error {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&exists)
	if err != nil {
		return db.Classify(errors.Wrap(err, "chatRepo.requireChat.Scan"))
	}
	if !exists {
		return appErrors.ErrChatNotFound
	}
	return nil
}

func (r *PostgresRepository) ListParticipants(ctx context.Context, chatID int64) ([]Participant, error) {
	query := `
		SELECT chat_id, user_id, unread_count, muted, joined_at
		FROM chat_participants
		WHERE chat_id = $1
		ORDER BY user_id
	`
	rows, err := r.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, db.Classify(errors.Wrap(err, "chatRepo.ListParticipants.Query"))
	}
	defer rows.Close()

	participants := []Participant{}
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ChatID, &p.UserID, &p.UnreadCount, &p.Muted, &p.JoinedAt); err != nil {
			return nil, db.Classify(errors.Wrap(err, "chatRepo.ListParticipants.Scan"))
		}
		p.JoinedAt = p.JoinedAt.UTC()
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(errors.Wrap(err, "chatRepo.ListParticipants.Rows"))
	}
	if len(participants) == 0 {
		if err := r.requireChat(ctx, chatID); err != nil {
			return nil, err
		}
	}
	return participants, nil
}

// updateParticipant runs a single-row UPDATE on (chatID, userID) and maps a
// miss to the right NotFound.
func (r *PostgresRepository) updateParticipant(ctx context.Context, op, query string, chatID, userID int64, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, append([]any{chatID, userID}, args...)...)
	if err != nil {
		return db.Classify(errors.Wrap(err, "chatRepo."+op+".Update"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return db.Classify(errors.Wrap(err, "chatRepo."+op+".RowsAffected"))
	}
	if n == 0 {
		if err := r.requireChat(ctx, chatID); err != nil {
			return err
		}
		return appErrors.ErrParticipantNotFound
	}
	return nil
}

func (r *PostgresRepository) ResetUnread(ctx context.Context, chatID, userID int64) error {
	return r.updateParticipant(ctx, "ResetUnread",
		`UPDATE chat_participants SET unread_count = 0 WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID)
}

func (r *PostgresRepository) IncrementUnread(ctx context.Context, chatID, userID int64) error {
	return r.updateParticipant(ctx, "IncrementUnread",
		`UPDATE chat_participants SET unread_count = unread_count + 1 WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID)
}

func (r *PostgresRepository) MarkRead(ctx context.Context, chatID, userID int64) error {
	return r.ResetUnread(ctx, chatID, userID)
}

func (r *PostgresRepository) SetMuted(ctx context.Context, chatID, userID int64, muted bool) error {
	return r.updateParticipant(ctx, "SetMuted",
		`UPDATE chat_participants SET muted = $3 WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID, muted)
}

func (r *PostgresRepository) Join(ctx context.Context, chatID, userID int64) (*Participant, error) {
	query := `
		WITH ins AS (
			INSERT INTO chat_participants (chat_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (chat_id, user_id) DO NOTHING
			RETURNING chat_id, user_id, unread_count, muted, joined_at
		)
		SELECT chat_id, user_id, unread_count, muted, joined_at FROM ins
		UNION ALL
		SELECT chat_id, user_id, unread_count, muted, joined_at
		FROM chat_participants
		WHERE chat_id = $1 AND user_id = $2
		LIMIT 1
	`
	var p Participant
	err := r.db.QueryRowContext(ctx, query, chatID, userID).
		Scan(&p.ChatID, &p.UserID, &p.UnreadCount, &p.Muted, &p.JoinedAt)
	if err != nil {
		if constraint, ok := db.ForeignKeyViolation(err); ok {
			return nil, participantFKError(constraint)
		}
		return nil, db.Classify(errors.Wrap(err, "chatRepo.Join.Upsert"))
	}
	p.JoinedAt = p.JoinedAt.UTC()
	return &p, nil
}

func participantFKError(constraint string) error {
	if constraint == db.FKParticipantsUser {
		return appErrors.ErrUserNotFound
	}
	return appErrors.ErrChatNotFound
}

func (r *PostgresRepository) CreateChat(ctx context.Context, title string, memberIDs []int64) (*Chat, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, db.Classify(errors.Wrap(err, "chatRepo.CreateChat.Begin"))
	}
	defer tx.Rollback()

	c := &Chat{Title: title}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO chats (title) VALUES ($1) RETURNING id, created_at`, title,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return nil, db.Classify(errors.Wrap(err, "chatRepo.CreateChat.InsertChat"))
	}
	c.CreatedAt = c.CreatedAt.UTC()

	for _, userID := range memberIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			c.ID, userID)
		if err != nil {
			if constraint, ok := db.ForeignKeyViolation(err); ok {
				return nil, participantFKError(constraint)
			}
			return nil, db.Classify(errors.Wrap(err, "chatRepo.CreateChat.InsertParticipant"))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, db.Classify(errors.Wrap(err, "chatRepo.CreateChat.Commit"))
	}
	return c, nil
}

func scanChat(row rowScanner, extra ...any) (*Chat, error) {
	var (
		c    Chat
		last sql.NullTime
	)
	dest := append([]any{&c.ID, &c.Title, &c.LastMessage, &last, &c.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time.UTC()
		c.LastMessageAt = &t
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (r *PostgresRepository) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	c, err := scanChat(r.db.QueryRowContext(ctx,
		`SELECT id, title, last_message, last_message_at, created_at FROM chats WHERE id = $1`, chatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrChatNotFound
		}
		return nil, db.Classify(errors.Wrap(err, "chatRepo.GetChat.Scan"))
	}
	return c, nil
}

func (r *PostgresRepository) ListChats(ctx context.Context, userID int64) ([]ChatView, error) {
	query := `
		SELECT c.id, c.title, c.last_message, c.last_message_at, c.created_at, p.unread_count, p.muted
		FROM chat_participants p
		JOIN chats c ON c.id = p.chat_id
		WHERE p.user_id = $1
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, db.Classify(errors.Wrap(err, "chatRepo.ListChats.Query"))
	}
	defer rows.Close()

	views := []ChatView{}
	for rows.Next() {
		var v ChatView
		c, err := scanChat(rows, &v.UnreadCount, &v.Muted)
		if err != nil {
			return nil, db.Classify(errors.Wrap(err, "chatRepo.ListChats.Scan"))
		}
		v.Chat = *c
		views = append(views, v)
	}
	return views, db.Classify(rows.Err())
}

// SetPreview overwrites the chat's preview; the last write to arrive wins.
func (r *PostgresRepository) SetPreview(ctx context.Context, chatID int64, preview string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE chats SET last_message = $2, last_message_at = $3 WHERE id = $1`,
		chatID, preview, at)
	if err != nil {
		return db.Classify(errors.Wrap(err, "chatRepo.SetPreview.Update"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return db.Classify(errors.Wrap(err, "chatRepo.SetPreview.RowsAffected"))
	}
	if n == 0 {
		return appErrors.ErrChatNotFound
	}
	return nil
}
