package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// ErrNotFound is returned when a key has never been written
var ErrNotFound = errors.New("key not found")

// Store is durable keyed persistence for baselines, detector state, cursors
// and incidents. Values are replaced atomically; readers never see a
// partially written value.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Update applies fn to the current value (nil when absent) and writes
	// the result. Updates to the same key are serialized.
	Update(ctx context.Context, key string, fn func(prev []byte) ([]byte, error)) error
	// List returns keys with the given prefix in lexical order
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// GetJSON decodes the value at key into v
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it at key
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// storageErr wraps backend failures so callers can treat them as fatal to the cycle
func storageErr(op, key string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &model.StorageError{Op: fmt.Sprintf("%s %s", op, key), Err: err}
}

// keyLocks hands out one mutex per key
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// lock acquires the mutex for key and returns its release function
func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// validKey rejects keys that could escape a file-backed root
func validKey(key string) error {
	if key == "" {
		return &model.ValidationError{Field: "key", Message: "key cannot be empty"}
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return &model.ValidationError{Field: "key", Message: fmt.Sprintf("invalid key %q", key)}
		}
	}
	return nil
}
