package db

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// Constraint names referenced by error classification in the stores.
const (
	FKMessagesChat      = "messages_chat_id_fkey"
	FKMessagesSender    = "messages_sender_id_fkey"
	FKParticipantsChat  = "chat_participants_chat_id_fkey"
	FKParticipantsUser  = "chat_participants_user_id_fkey"
	CheckUnreadNonNeg   = "chat_participants_unread_count_check"
	CheckMessageContent = "messages_content_check"
)

func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            display_name VARCHAR(100) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS chats (
            id BIGSERIAL PRIMARY KEY,
            title VARCHAR(200) NOT NULL DEFAULT '',
            last_message TEXT NOT NULL DEFAULT '',
            last_message_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS chat_participants (
            chat_id BIGINT NOT NULL,
            user_id BIGINT NOT NULL,
            unread_count BIGINT NOT NULL DEFAULT 0,
            muted BOOLEAN NOT NULL DEFAULT false,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (chat_id, user_id),
            CONSTRAINT ` + FKParticipantsChat + ` FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE,
            CONSTRAINT ` + FKParticipantsUser + ` FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
            CONSTRAINT ` + CheckUnreadNonNeg + ` CHECK (unread_count >= 0)
        )`,

		`CREATE INDEX IF NOT EXISTS chat_participants_user_idx ON chat_participants (user_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            chat_id BIGINT NOT NULL,
            sender_id BIGINT NOT NULL,
            text_body TEXT,
            media_path TEXT,
            media_name TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT ` + FKMessagesChat + ` FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE,
            CONSTRAINT ` + FKMessagesSender + ` FOREIGN KEY (sender_id) REFERENCES users(id) ON DELETE CASCADE,
            CONSTRAINT ` + CheckMessageContent + ` CHECK ((text_body IS NULL) <> (media_path IS NULL))
        )`,

		`CREATE INDEX IF NOT EXISTS messages_chat_created_idx ON messages (chat_id, created_at DESC, id)`,
	}

	for _, query := range queries {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return errors.Wrap(err, "db.AutoMigrate.Exec")
		}
	}

	return nil
}
