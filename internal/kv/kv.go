// Package kv holds the BadgerDB plumbing shared by the embedded stores: the
// key layout, JSON value codec, id sequences and the conflict-retry loop.
package kv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Key layout. Ids are zero padded so that prefix scans come back in
// numeric order, and message keys embed a 19-digit timestamp so a chat's
// history sorts chronologically.
//
//	user:{id}
//	chat:{id}
//	summary:{chat} -> last preview, written without reading
//	part:{chat}:{user}
//	msg:{chat}:{unixnano}:{uuid}
//	msgid:{uuid} -> msg key
//	member:{user}:{chat} -> empty, reverse index of part:
const (
	userPrefix   = "user:"
	chatPrefix   = "chat:"
	sumPrefix    = "summary:"
	partPrefix   = "part:"
	memberPrefix = "member:"
	msgPrefix    = "msg:"
	msgIDPrefix  = "msgid:"

	seqUsers = "seq:users"
	seqChats = "seq:chats"
)

func UserKey(id int64) []byte { return []byte(fmt.Sprintf("%s%020d", userPrefix, id)) }

func UserPrefix() []byte { return []byte(userPrefix) }

func ChatKey(id int64) []byte { return []byte(fmt.Sprintf("%s%020d", chatPrefix, id)) }

func ChatPrefix() []byte { return []byte(chatPrefix) }

func SummaryKey(chatID int64) []byte { return []byte(fmt.Sprintf("%s%020d", sumPrefix, chatID)) }

func ParticipantKey(chatID, userID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", partPrefix, chatID, userID))
}

func ParticipantPrefix(chatID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", partPrefix, chatID))
}

func MembershipKey(userID, chatID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", memberPrefix, userID, chatID))
}

func MembershipPrefix(userID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", memberPrefix, userID))
}

// MembershipChatID extracts the chat id from a MembershipKey.
func MembershipChatID(key []byte) (int64, error) {
	parts := strings.Split(strings.TrimPrefix(string(key), memberPrefix), ":")
	if len(parts) != 2 {
		return 0, errors.Errorf("kv.MembershipChatID: malformed key %s", key)
	}
	chatID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "kv.MembershipChatID %s", key)
	}
	return chatID, nil
}

// Keys returns a copy of every key under prefix, without values.
func Keys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func MessageKey(chatID int64, at time.Time, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%020d:%019d:%s", msgPrefix, chatID, at.UnixNano(), id))
}

func MessagePrefix(chatID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", msgPrefix, chatID))
}

func MessageIDKey(id uuid.UUID) []byte { return []byte(msgIDPrefix + id.String()) }

const lockStripes = 256

// DB wraps a badger handle with the id sequences and retry budget the
// stores need.
type DB struct {
	*badger.DB
	users   *badger.Sequence
	chats   *badger.Sequence
	retries int
	stripes [lockStripes]sync.Mutex
}

type Options struct {
	// InMemory skips the directory entirely; used by tools and tests.
	InMemory bool
	// ConflictRetries bounds how often a transaction is replayed after
	// badger.ErrConflict before giving up.
	ConflictRetries int
}

func Open(path string, opts Options) (*DB, error) {
	bopts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "kv.Open")
	}

	users, err := db.GetSequence([]byte(seqUsers), 64)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "kv.Open.usersSequence")
	}
	chats, err := db.GetSequence([]byte(seqChats), 64)
	if err != nil {
		_ = users.Release()
		_ = db.Close()
		return nil, errors.Wrap(err, "kv.Open.chatsSequence")
	}

	retries := opts.ConflictRetries
	if retries <= 0 {
		retries = 64
	}
	return &DB{DB: db, users: users, chats: chats, retries: retries}, nil
}

func (d *DB) Close() error {
	_ = d.users.Release()
	_ = d.chats.Release()
	return d.DB.Close()
}

// NextUserID hands out ids starting at 1.
func (d *DB) NextUserID() (int64, error) {
	n, err := d.users.Next()
	if err != nil {
		return 0, errors.Wrap(err, "kv.NextUserID")
	}
	return int64(n) + 1, nil
}

func (d *DB) NextChatID() (int64, error) {
	n, err := d.chats.Next()
	if err != nil {
		return 0, errors.Wrap(err, "kv.NextChatID")
	}
	return int64(n) + 1, nil
}

// ErrRetriesExhausted is returned when a transaction kept conflicting with
// concurrent writers.
var ErrRetriesExhausted = errors.New("transaction conflict retries exhausted")

// Update runs fn in a read-write transaction and replays it when badger
// reports a conflict. Every key fn reads is tracked by badger, so a
// read-modify-write inside fn behaves like a compare-and-swap.
func (d *DB) Update(fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < d.retries; attempt++ {
		err := d.DB.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(backoff(attempt))
	}
	return ErrRetriesExhausted
}

// UpdateKey is Update for a transaction centred on one hot key. Writers of
// the same key in this process take turns, so they only conflict with
// writers elsewhere.
func (d *DB) UpdateKey(key []byte, fn func(txn *badger.Txn) error) error {
	mu := &d.stripes[xxhash.Sum64(key)%lockStripes]
	mu.Lock()
	defer mu.Unlock()
	return d.Update(fn)
}

const (
	backoffBase = 100 * time.Microsecond
	backoffMax  = 20 * time.Millisecond
)

// backoff is full jitter over an exponential window.
func backoff(attempt int) time.Duration {
	window := backoffMax
	if attempt < 16 {
		window = min(backoffBase<<attempt, backoffMax)
	}
	return time.Duration(rand.Int63n(int64(window))) + 1
}

func Get[T any](txn *badger.Txn, key []byte) (*T, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var v T
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &v)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "kv.Get.decode %s", key)
	}
	return &v, nil
}

func Set(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "kv.Set.encode %s", key)
	}
	return txn.Set(key, b)
}

// Exists reports whether key is present; any error other than a missing key
// is returned as is.
func Exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Scan decodes every value under prefix, in key order.
func Scan[T any](txn *badger.Txn, prefix []byte) ([]*T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []*T
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var v T
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "kv.Scan.decode %s", it.Item().Key())
		}
		out = append(out, &v)
	}
	return out, nil
}

// ScanLast decodes the last limit values under prefix that sort strictly
// before the key before (all of them when before is nil), and returns them
// in ascending key order.
func ScanLast[T any](txn *badger.Txn, prefix, before []byte, limit int) ([]*T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := append(append([]byte{}, prefix...), 0xFF)
	if before != nil {
		seek = before
	}
	var out []*T
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if before != nil && bytes.Equal(it.Item().Key(), before) {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		var v T
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "kv.ScanLast.decode %s", it.Item().Key())
		}
		out = append(out, &v)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
