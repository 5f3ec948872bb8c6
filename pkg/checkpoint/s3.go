package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/OFFIS-RIT/chatkg/internal/util"
)

// ObjectStore is the subset of an object storage client the mirror needs.
// *storage.Bucket satisfies it.
type ObjectStore interface {
	PutFile(ctx context.Context, key string, body []byte) error
	GetFile(ctx context.Context, key string) ([]byte, error)
	ListFilesWithPrefix(ctx context.Context, prefix string) ([]string, error)
}

// S3Mirror copies committed versions to object storage under
// <Prefix>/iteration_v<N>/<file>.
type S3Mirror struct {
	Store  ObjectStore
	Prefix string
	// Retries per file. Defaults to 3.
	Retries int
}

func (m *S3Mirror) key(version int, name string) string {
	return path.Join(m.Prefix, fmt.Sprintf("iteration_v%d", version), name)
}

// Upload writes one file of version, retrying transient failures.
func (m *S3Mirror) Upload(ctx context.Context, version int, name string, data []byte) error {
	retries := m.Retries
	if retries <= 0 {
		retries = 3
	}
	key := m.key(version, name)
	_, err := util.RetryWithBackoff(ctx, util.Backoff{
		MaxTries: retries,
		Initial:  200 * time.Millisecond,
		Max:      2 * time.Second,
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.Store.PutFile(ctx, key, data)
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Restorer fetches the newest mirrored version into a local project.
type Restorer interface {
	RestoreLatest(ctx context.Context, root string) (string, error)
}

// RestoreLatest downloads the highest mirrored version that has a state
// file into root. It returns ErrNoCheckpoint when nothing is mirrored.
func (m *S3Mirror) RestoreLatest(ctx context.Context, root string) (string, error) {
	prefix := ""
	if m.Prefix != "" {
		prefix = strings.TrimSuffix(m.Prefix, "/") + "/"
	}
	keys, err := m.Store.ListFilesWithPrefix(ctx, prefix)
	if err != nil {
		return "", err
	}

	best := -1
	for _, key := range keys {
		parts := strings.Split(strings.TrimPrefix(key, prefix), "/")
		if len(parts) != 2 || parts[1] != StateFile {
			continue
		}
		match := iterationDir.FindStringSubmatch(parts[0])
		if match == nil {
			continue
		}
		if n, err := strconv.Atoi(match[1]); err == nil && n > best {
			best = n
		}
	}
	if best < 0 {
		return "", fmt.Errorf("%w: nothing stored under %s", ErrNoCheckpoint, prefix)
	}
	return m.Restore(ctx, root, best)
}

// Restore downloads version into the local project at root so it can be
// loaded. It returns the local iteration directory.
func (m *S3Mirror) Restore(ctx context.Context, root string, version int) (string, error) {
	prefix := m.key(version, "") + "/"
	keys, err := m.Store.ListFilesWithPrefix(ctx, prefix)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: nothing stored under %s", ErrNoCheckpoint, prefix)
	}

	dir := NewFS(root).Dir(version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		data, err := m.Store.GetFile(ctx, key)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return "", err
		}
	}
	return dir, nil
}
