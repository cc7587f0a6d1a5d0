package user

import (
	"context"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"chat-ingest/internal/kv"
	appErrors "chat-ingest/pkg/errors"
)

type BadgerRepository struct {
	db *kv.DB
}

func NewBadgerRepository(db *kv.DB) *BadgerRepository {
	return &BadgerRepository{db: db}
}

func (r *BadgerRepository) CreateUser(_ context.Context, displayName string) (*User, error) {
	id, err := r.db.NextUserID()
	if err != nil {
		return nil, appErrors.ErrStorage(err)
	}
	u := &User{ID: id, DisplayName: displayName, CreatedAt: time.Now().UTC()}
	err = r.db.Update(func(txn *badger.Txn) error {
		return kv.Set(txn, kv.UserKey(id), u)
	})
	if err != nil {
		return nil, appErrors.ErrStorage(errors.Wrap(err, "userRepo.CreateUser.Set"))
	}
	return u, nil
}

func (r *BadgerRepository) GetUser(_ context.Context, id int64) (*User, error) {
	var u *User
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		u, err = kv.Get[User](txn, kv.UserKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, appErrors.ErrUserNotFound
	}
	if err != nil {
		return nil, appErrors.ErrStorage(errors.Wrap(err, "userRepo.GetUser.Get"))
	}
	return u, nil
}

// SearchUsers does a case-insensitive substring match over the whole user
// keyspace. Fine for the embedded backend's single-node deployments.
func (r *BadgerRepository) SearchUsers(_ context.Context, query string, limit int) ([]User, error) {
	needle := strings.ToLower(query)
	users := []User{}
	err := r.db.View(func(txn *badger.Txn) error {
		all, err := kv.Scan[User](txn, kv.UserPrefix())
		if err != nil {
			return err
		}
		for _, u := range all {
			if len(users) == limit {
				break
			}
			if strings.Contains(strings.ToLower(u.DisplayName), needle) {
				users = append(users, *u)
			}
		}
		return nil
	})
	if err != nil {
		return nil, appErrors.ErrStorage(errors.Wrap(err, "userRepo.SearchUsers.Scan"))
	}
	return users, nil
}
