// Package triplelog reads and writes the append-only construction log: one
// JSON record per source line, holding the line and every relation mention
// extracted from it.
package triplelog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/OFFIS-RIT/chatkg/pkg/common"
)

// Record is one line of the log.
type Record struct {
	ID               int               `json:"id"`
	SentText         string            `json:"sentText"`
	RelationMentions []RelationMention `json:"relationMentions"`
}

// RelationMention is a single (em1, label, em2) fact inside a record.
type RelationMention struct {
	Em1Text string `json:"em1Text"`
	Em2Text string `json:"em2Text"`
	Label   string `json:"label"`
}

// FromTripleSets turns extraction output into log records. IDs are assigned
// sequentially starting at startID, in input order.
func FromTripleSets(startID int, sets []common.TripleSet) []Record {
	records := make([]Record, 0, len(sets))
	for i, set := range sets {
		mentions := make([]RelationMention, 0, len(set.Triples))
		for _, t := range set.Triples {
			mentions = append(mentions, RelationMention{
				Em1Text: t.Subject,
				Em2Text: t.Object,
				Label:   t.Relation,
			})
		}
		records = append(records, Record{
			ID:               startID + i,
			SentText:         set.Sentence,
			RelationMentions: mentions,
		})
	}
	return records
}

// TripleSet converts a record back into a triple set. Mentions with an
// empty endpoint or label are dropped.
func (r Record) TripleSet() common.TripleSet {
	sent := strings.TrimSpace(r.SentText)
	set := common.TripleSet{
		Sentence: sent,
		Triples:  make([]common.Triple, 0, len(r.RelationMentions)),
	}
	for _, m := range r.RelationMentions {
		h := strings.TrimSpace(m.Em1Text)
		t := strings.TrimSpace(m.Em2Text)
		label := strings.TrimSpace(m.Label)
		if h == "" || t == "" || label == "" {
			continue
		}
		set.Triples = append(set.Triples, common.Triple{
			Subject:  h,
			Relation: label,
			Object:   t,
			Sentence: sent,
		})
	}
	return set
}

// Encode writes records as JSON Lines.
func Encode(w io.Writer, records []Record) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if r.RelationMentions == nil {
			r.RelationMentions = []RelationMention{}
		}
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode record %d: %w", r.ID, err)
		}
	}
	return nil
}

// Decode reads JSON Lines records, skipping blank lines.
func Decode(r io.Reader) ([]Record, error) {
	records := make([]Record, 0)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid record on line %d: %w", lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Read loads every record of the log at path.
func Read(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Append adds records to the end of the log at path, creating it if needed.
func Append(path string, records []Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := Encode(w, records); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
