// Package badger implements store.Store on an embedded BadgerDB. Single-node
// deployments that cannot run Redis use this backend; the contract is the
// same, with hash fields, index entries, and stream records laid out as
// individual LSM keys.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Key layout. The 0x00 separator never occurs in rollup keys, fields, or
// index names (content types are percent-encoded).
//
//	h <0> hashKey <0> field          -> decimal value
//	z <0> index <0> scoreBE8 <0> member -> nil
//	s <0> stream <0> nanosBE8 hash8  -> payload
const (
	prefixHash   = 'h'
	prefixIndex  = 'z'
	prefixStream = 's'
	sep          = 0x00
)

// conflictRetries bounds optimistic-transaction retries on Increment. Badger
// aborts one of two overlapping read-modify-write transactions; the retry
// preserves the store contract that concurrent increments all land.
const conflictRetries = 16

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool
}

// Store implements store.Store using BadgerDB (LSM tree).
type Store struct {
	db *badger.DB
}

// New creates a BadgerDB storage backend with laptop-friendly memory limits.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Rollup state is tiny compared to raw metric history, so keep the LSM
	// shallow and the caches small.
	memTableSize := int64(16 * 1024 * 1024)
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(1).
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Increment adds delta to a hash field inside one transaction, retrying on
// optimistic-concurrency conflicts.
func (s *Store) Increment(ctx context.Context, key, field string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dbKey := hashKey(key, field)
	var result int64
	for attempt := 0; ; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			var current int64
			item, err := txn.Get(dbKey)
			switch {
			case err == badger.ErrKeyNotFound:
				// Auto-vivify: missing field counts as zero.
			case err != nil:
				return err
			default:
				if err := item.Value(func(val []byte) error {
					current, _ = strconv.ParseInt(string(val), 10, 64)
					return nil
				}); err != nil {
					return err
				}
			}
			result = current + delta
			return txn.Set(dbKey, []byte(strconv.FormatInt(result, 10)))
		})
		if err == nil {
			return result, nil
		}
		if err != badger.ErrConflict || attempt >= conflictRetries {
			return 0, fmt.Errorf("increment %s %s: %w", key, field, err)
		}
	}
}

// SetSnapshot overwrites the given fields in one transaction.
func (s *Store) SetSnapshot(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for field, value := range fields {
			if err := txn.Set(hashKey(key, field), []byte(value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set snapshot %s: %w", key, err)
	}
	return nil
}

// ReadAll scans the hash's key prefix and returns its fields.
func (s *Store) ReadAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := hashPrefix(key)
	out := make(map[string]string)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			field := string(item.Key()[len(prefix):])
			if err := item.Value(func(val []byte) error {
				out[field] = string(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return out, nil
}

// Register writes the index entry. Re-registering the same member at the same
// score rewrites the identical key, so the operation is idempotent.
func (s *Store) Register(ctx context.Context, index, member string, score float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(index, member, score), nil)
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", index, err)
	}
	return nil
}

// RangeQuery reverse-iterates the index prefix, decoding scores from the key
// bytes, and stops at minScore. Score bytes sort ascending because
// non-negative float64 bit patterns are order-preserving.
func (s *Store) RangeQuery(ctx context.Context, index string, minScore float64, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := indexPrefix(index)
	var members []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the end of the prefix range to start at the highest score.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			rest := it.Item().Key()[len(prefix):]
			if len(rest) < 9 {
				continue
			}
			score := math.Float64frombits(binary.BigEndian.Uint64(rest[:8]))
			if score < minScore {
				break
			}
			members = append(members, string(rest[9:]))
			if limit > 0 && len(members) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("range query %s: %w", index, err)
	}
	return members, nil
}

// Append stores one stream entry, keyed by arrival time plus a payload hash
// to keep same-nanosecond appends distinct.
func (s *Store) Append(ctx context.Context, stream string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := streamKey(stream, time.Now(), payload)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, payload)
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", stream, err)
	}
	return nil
}

// DeleteKeys drops every field of each named hash.
func (s *Store) DeleteKeys(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			prefix := hashPrefix(key)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)

			var toDelete [][]byte
			for it.Rewind(); it.Valid(); it.Next() {
				toDelete = append(toDelete, it.Item().KeyCopy(nil))
			}
			it.Close()

			for _, dbKey := range toDelete {
				if err := txn.Delete(dbKey); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}

// Close cleanly shuts down the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func hashPrefix(key string) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(key)+3))
	buf.WriteByte(prefixHash)
	buf.WriteByte(sep)
	buf.WriteString(key)
	buf.WriteByte(sep)
	return buf.Bytes()
}

func hashKey(key, field string) []byte {
	return append(hashPrefix(key), field...)
}

func indexPrefix(index string) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(index)+3))
	buf.WriteByte(prefixIndex)
	buf.WriteByte(sep)
	buf.WriteString(index)
	buf.WriteByte(sep)
	return buf.Bytes()
}

func indexKey(index, member string, score float64) []byte {
	buf := bytes.NewBuffer(indexPrefix(index))
	var scoreBytes [8]byte
	binary.BigEndian.PutUint64(scoreBytes[:], math.Float64bits(score))
	buf.Write(scoreBytes[:])
	buf.WriteByte(sep)
	buf.WriteString(member)
	return buf.Bytes()
}

func streamKey(stream string, at time.Time, payload []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(stream)+19))
	buf.WriteByte(prefixStream)
	buf.WriteByte(sep)
	buf.WriteString(stream)
	buf.WriteByte(sep)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixNano()))
	buf.Write(ts[:])
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], xxhash.Sum64(payload))
	buf.Write(h[:])
	return buf.Bytes()
}
