package corpus

import (
	"bytes"
	"context"
	"fmt"
	"strings"
)

// ObjectGetter reads objects from a bucket. *storage.Bucket satisfies it.
type ObjectGetter interface {
	GetFile(ctx context.Context, key string) ([]byte, error)
}

// SplitS3URL splits "s3://bucket/key" into its bucket and key.
func SplitS3URL(u string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(u, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// ReadObjectLines returns the trimmed, non-blank lines of the object at key.
func ReadObjectLines(ctx context.Context, store ObjectGetter, key string) ([]string, error) {
	data, err := store.GetFile(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch corpus %s: %w", key, err)
	}
	return ParseLines(bytes.NewReader(data))
}

// Open returns a LineSource for path, which is either a local file or an
// s3://bucket/key URL served by store. store may be nil for local paths.
func Open(ctx context.Context, path string, perRound int, store ObjectGetter, bucket string) (*LineSource, error) {
	b, key, ok := SplitS3URL(path)
	if !ok {
		return OpenLineSource(path, perRound)
	}
	if store == nil {
		return nil, fmt.Errorf("corpus %s: no object storage configured", path)
	}
	if bucket != "" && b != bucket {
		return nil, fmt.Errorf("corpus %s: bucket %q is not the configured bucket %q", path, b, bucket)
	}
	lines, err := ReadObjectLines(ctx, store, key)
	if err != nil {
		return nil, err
	}
	return NewLineSource(lines, perRound), nil
}
