// Package dedup computes which discovered URLs are already in the store.
package dedup

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
)

// URLSet is a set of canonical item URLs.
type URLSet map[string]struct{}

// NewURLSet builds a set from a list of URLs.
func NewURLSet(urls ...string) URLSet {
	s := make(URLSet, len(urls))
	for _, u := range urls {
		s.Add(u)
	}
	return s
}

// Add inserts u; empty strings are ignored.
func (s URLSet) Add(u string) {
	if u == "" {
		return
	}
	s[u] = struct{}{}
}

// Contains reports whether u is in the set.
func (s URLSet) Contains(u string) bool {
	_, ok := s[u]
	return ok
}

// Sorted returns the members in lexical order.
func (s URLSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for u := range s {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Filter returns discovered minus known. Neither input is modified.
func Filter(discovered, known URLSet) URLSet {
	out := make(URLSet, len(discovered))
	for u := range discovered {
		if !known.Contains(u) {
			out[u] = struct{}{}
		}
	}
	return out
}

// Known is the result of scanning a store.
type Known struct {
	URLs    URLSet
	Lines   int
	Skipped int
}

type storedURL struct {
	URL string `json:"url"`
}

// LoadKnown reads the store at path in one pass and collects every url
// field. A missing or empty store yields an empty set. Lines that do not
// decode (for example a torn final write) are counted in Skipped.
func LoadKnown(path string) (*Known, error) {
	known := &Known{URLs: make(URLSet)}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return known, nil
		}
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer f.Close()

	if err := known.scan(f); err != nil {
		return nil, fmt.Errorf("read store %s: %w", path, err)
	}
	return known, nil
}

// ReadKnown is LoadKnown over an arbitrary reader.
func ReadKnown(r io.Reader) (*Known, error) {
	known := &Known{URLs: make(URLSet)}
	if err := known.scan(r); err != nil {
		return nil, err
	}
	return known, nil
}

func (k *Known) scan(r io.Reader) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			k.consume(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (k *Known) consume(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	k.Lines++

	var rec storedURL
	if err := json.Unmarshal(line, &rec); err != nil || rec.URL == "" {
		k.Skipped++
		return
	}
	k.URLs.Add(rec.URL)
}
