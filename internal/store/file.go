package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fileSuffix = ".json"

// FileStore keeps one file per key under a root directory. Writes go to a
// temp file which is synced and renamed over the target.
type FileStore struct {
	root  string
	locks *keyLocks
}

// NewFileStore creates the root directory if needed
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{root: root, locks: newKeyLocks()}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key)) + fileSuffix
}

// Get reads the value stored at key
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", key, err)
	}
	return data, nil
}

// Put atomically replaces the value at key
func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	unlock := s.locks.lock(key)
	defer unlock()
	return storageErr("put", key, s.write(key, value))
}

// Update serializes read-modify-write on key
func (s *FileStore) Update(ctx context.Context, key string, fn func(prev []byte) ([]byte, error)) error {
	if err := validKey(key); err != nil {
		return err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	prev, err := os.ReadFile(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr("update", key, err)
	}
	next, err := fn(prev)
	if err != nil {
		return err
	}
	return storageErr("update", key, s.write(key, next))
}

func (s *FileStore) write(key string, value []byte) error {
	target := s.path(key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return err
	}
	return syncDir(dir)
}

// syncDir makes the rename durable
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// List walks the root for keys under prefix
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, fileSuffix) || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), fileSuffix)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, storageErr("list", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the file store
func (s *FileStore) Close() error {
	return nil
}
