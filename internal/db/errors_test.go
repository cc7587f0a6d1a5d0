package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	appErrors "chat-ingest/pkg/errors"
)

func Test_ForeignKeyViolation_Reports_Constraint(t *testing.T) {
	req := require.New(t)

	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23503", ConstraintName: FKMessagesChat})
	name, ok := ForeignKeyViolation(err)
	req.True(ok)
	req.Equal(FKMessagesChat, name)

	_, ok = ForeignKeyViolation(&pgconn.PgError{Code: "23505"})
	req.False(ok)
	_, ok = ForeignKeyViolation(fmt.Errorf("plain"))
	req.False(ok)
}

func Test_IsTransient(t *testing.T) {
	req := require.New(t)

	for _, code := range []string{"08006", "53300", "57P01", "40001", "40P01"} {
		req.True(IsTransient(&pgconn.PgError{Code: code}), code)
	}
	req.False(IsTransient(&pgconn.PgError{Code: "23514"}))
	req.True(IsTransient(fmt.Errorf("query: %w", context.DeadlineExceeded)))
	req.False(IsTransient(fmt.Errorf("syntax")))
}

func Test_Classify(t *testing.T) {
	req := require.New(t)

	req.NoError(Classify(nil))
	req.Same(appErrors.ErrChatNotFound, Classify(appErrors.ErrChatNotFound))
	req.Equal(appErrors.CodeTransientStorage, appErrors.CodeOf(Classify(&pgconn.PgError{Code: "40001"})))
	req.Equal(appErrors.CodeInternal, appErrors.CodeOf(Classify(&pgconn.PgError{Code: "42601"})))
}
