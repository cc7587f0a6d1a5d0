package user

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"chat-ingest/internal/db"
	appErrors "chat-ingest/pkg/errors"
)

// Repository is the user directory the chat core reads display names from.
type Repository interface {
	CreateUser(ctx context.Context, displayName string) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]User, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateUser(ctx context.Context, displayName string) (*User, error) {
	u := &User{DisplayName: displayName}
	query := "INSERT INTO users (display_name) VALUES ($1) RETURNING id, created_at"

	err := r.db.QueryRowContext(ctx, query, displayName).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return nil, db.Classify(errors.Wrap(err, "userRepo.CreateUser.Insert"))
	}
	return u, nil
}

func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*User, error) {
	u := &User{}
	query := "SELECT id, display_name, created_at FROM users WHERE id = $1"

	err := r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.DisplayName, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrUserNotFound
		}
		return nil, db.Classify(errors.Wrap(err, "userRepo.GetUser.Scan"))
	}
	return u, nil
}

func (r *PostgresRepository) SearchUsers(ctx context.Context, query string, limit int) ([]User, error) {
	q := `SELECT id, display_name, created_at FROM users WHERE display_name ILIKE $1 ORDER BY id LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, db.Classify(errors.Wrap(err, "userRepo.SearchUsers.Query"))
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.CreatedAt); err != nil {
			return nil, db.Classify(errors.Wrap(err, "userRepo.SearchUsers.Scan"))
		}
		users = append(users, u)
	}
	return users, db.Classify(rows.Err())
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
