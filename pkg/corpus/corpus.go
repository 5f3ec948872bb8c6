package corpus

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadLines returns the trimmed, non-blank lines of the file at path.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()
	return ParseLines(f)
}

// ParseLines returns the trimmed, non-blank lines of r.
func ParseLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}
	return lines, nil
}

// LineSource hands out consecutive slices of a corpus. The cursor is the
// offset of the next line to hand out, so a source is fully described by
// its lines and a cursor.
type LineSource struct {
	lines []string
	per   int
}

// NewLineSource serves lines perRound at a time. perRound <= 0 serves the
// whole remainder in one batch.
func NewLineSource(lines []string, perRound int) *LineSource {
	return &LineSource{lines: lines, per: perRound}
}

// OpenLineSource reads the corpus at path and wraps it in a LineSource.
func OpenLineSource(path string, perRound int) (*LineSource, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}
	return NewLineSource(lines, perRound), nil
}

// Len returns the number of lines in the corpus.
func (s *LineSource) Len() int {
	return len(s.lines)
}

// Next returns the batch starting at cursor and the cursor after it. An
// exhausted corpus yields an empty batch and an unchanged cursor.
func (s *LineSource) Next(ctx context.Context, cursor int) ([]string, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, cursor, err
	}
	if cursor < 0 || cursor > len(s.lines) {
		return nil, cursor, fmt.Errorf("cursor %d outside corpus of %d lines", cursor, len(s.lines))
	}
	end := len(s.lines)
	if s.per > 0 {
		end = min(cursor+s.per, len(s.lines))
	}
	return s.lines[cursor:end], end, nil
}
