// Package memory provides an in-memory Store. Data is lost on restart.
// Useful for testing and development.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

type indexEntry struct {
	member string
	score  float64
}

// Store keeps hashes, indexes, and streams in process memory.
type Store struct {
	hashes  map[string]map[string]string
	indexes map[string][]indexEntry
	streams map[string][][]byte
	mu      sync.RWMutex
}

// New creates an in-memory storage backend.
func New() *Store {
	return &Store{
		hashes:  make(map[string]map[string]string),
		indexes: make(map[string][]indexEntry),
		streams: make(map[string][][]byte),
	}
}

// Increment adds delta to a hash field, creating hash and field as needed.
func (s *Store) Increment(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	current, _ := strconv.ParseInt(h[field], 10, 64)
	current += delta
	h[field] = strconv.FormatInt(current, 10)
	return current, nil
}

// SetSnapshot overwrites the given fields under one lock acquisition, so a
// reader never observes a partial snapshot.
func (s *Store) SetSnapshot(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

// ReadAll returns a copy of the hash, or an empty map for a missing key.
func (s *Store) ReadAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// Register upserts a member into the sorted index.
func (s *Store) Register(ctx context.Context, index, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.indexes[index]
	for i := range entries {
		if entries[i].member == member {
			entries[i].score = score
			return nil
		}
	}
	s.indexes[index] = append(entries, indexEntry{member: member, score: score})
	return nil
}

// RangeQuery returns members with score >= minScore, highest score first.
func (s *Store) RangeQuery(ctx context.Context, index string, minScore float64, limit int) ([]string, error) {
	s.mu.RLock()
	entries := make([]indexEntry, len(s.indexes[index]))
	copy(entries, s.indexes[index])
	s.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].score > entries[j].score
	})

	var out []string
	for _, e := range entries {
		if e.score < minScore {
			continue
		}
		out = append(out, e.member)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Append stores one stream entry.
func (s *Store) Append(ctx context.Context, stream string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := make([]byte, len(payload))
	copy(entry, payload)
	s.streams[stream] = append(s.streams[stream], entry)
	return nil
}

// DeleteKeys removes hashes by name.
func (s *Store) DeleteKeys(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.hashes, key)
	}
	return nil
}

// Close is a no-op for memory storage.
func (s *Store) Close() error {
	return nil
}

// StreamLen reports how many entries a stream holds. Test helper.
func (s *Store) StreamLen(stream string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[stream])
}
