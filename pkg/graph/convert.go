package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/OFFIS-RIT/chatkg/pkg/common"
	"github.com/OFFIS-RIT/chatkg/pkg/triplelog"
)

// Convert replays a construction log into a store using the same merge
// policy as the build loop. Records are applied in log order, so the output
// depends only on the log.
func Convert(records []triplelog.Record, policy EdgePolicy) *Graph {
	g := New(policy)
	for _, rec := range records {
		g.Merge(rec.TripleSet())
	}
	return g
}

// ConvertFile reads the log at logPath, converts it and writes the result
// to outPath.
func ConvertFile(logPath, outPath string, policy EdgePolicy) (Size, error) {
	records, err := triplelog.Read(logPath)
	if err != nil {
		return Size{}, fmt.Errorf("failed to read triple log: %w", err)
	}
	g := Convert(records, policy)
	if err := WriteStore(outPath, g.Store()); err != nil {
		return Size{}, err
	}
	return g.Size(), nil
}

// MarshalStore encodes a store as indented JSON without HTML escaping, so
// non-ASCII names stay readable.
func MarshalStore(s *common.Store) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteStore writes s to path atomically: the document is written to a
// temporary file in the same directory and renamed into place.
func WriteStore(path string, s *common.Store) error {
	data, err := MarshalStore(s)
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}
	return WriteFileAtomic(path, data)
}

// ReadStore loads and validates the store at path.
func ReadStore(path string) (*common.Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s common.Store
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// WriteFileAtomic replaces path with data via a temp file and rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
