package leaselock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type fileLease struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FileBackend keeps each lease in a small JSON file whose path is the lease
// key. A fresh lease is created exclusively; an expired one is taken over
// by replacing the file. Two processes racing for the same expired lease
// may both succeed briefly, and the loser notices on its next renewal.
type FileBackend struct {
	mu  sync.Mutex
	now func() time.Time
}

func NewFileBackend() *FileBackend {
	return &FileBackend{now: time.Now}
}

func (b *FileBackend) read(path string) (fileLease, error) {
	var l fileLease
	data, err := os.ReadFile(path)
	if err != nil {
		return l, err
	}
	if err := json.Unmarshal(data, &l); err != nil {
		// a torn or foreign file counts as expired
		return fileLease{}, nil
	}
	return l, nil
}

func (b *FileBackend) write(path, token string, ttl time.Duration) error {
	data, err := json.Marshal(fileLease{Token: token, ExpiresAt: b.now().Add(ttl)})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (b *FileBackend) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(key), 0o755); err != nil {
		return false, fmt.Errorf("failed to create lock dir: %w", err)
	}

	f, err := os.OpenFile(key, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		data, _ := json.Marshal(fileLease{Token: token, ExpiresAt: b.now().Add(ttl)})
		_, werr := f.Write(data)
		cerr := f.Close()
		return werr == nil && cerr == nil, errors.Join(werr, cerr)
	}
	if !errors.Is(err, fs.ErrExist) {
		return false, err
	}

	current, err := b.read(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if current.Token != token && b.now().Before(current.ExpiresAt) {
		return false, nil
	}
	if err := b.write(key, token, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (b *FileBackend) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.read(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if current.Token != token {
		return false, nil
	}
	if err := b.write(key, token, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (b *FileBackend) Release(ctx context.Context, key, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.read(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if current.Token != token {
		return nil
	}
	if err := os.Remove(key); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
