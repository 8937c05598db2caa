// Package pebble implements repository.MessageStore on top of a Pebble LSM store.
//
// Key layout:
//
//	m/<hash>                          → JSON-encoded model.Message
//	a/<did>\x00<timestamp>/<hash>     → empty (author index)
//	t/<timestamp>/<hash>              → empty (time index)
//
// Timestamps are zero-padded to 20 digits so lexical order matches numeric order.
package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/model"
	"github.com/sakif/relaynet/internal/repository"
)

const (
	prefixMessage = "m/"
	prefixAuthor  = "a/"
	prefixTime    = "t/"
)

var _ repository.MessageStore = (*Store)(nil)

// Store is the Hub's message store.
type Store struct {
	db *pebble.DB
	// writeMu serializes check-then-write sequences so PutMessage is idempotent
	// under concurrent duplicate submissions.
	writeMu sync.Mutex
}

// Open opens (or creates) a store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(dir)), 0o755); err != nil {
		return nil, fmt.Errorf("pebble: creating parent dir: %w", err)
	}
	return open(dir, &pebble.Options{})
}

// OpenInMemory opens a store backed by an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("pebble: opening %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func messageKey(hash string) []byte {
	return []byte(prefixMessage + hash)
}

func authorPrefix(did string) string {
	return prefixAuthor + did + "\x00"
}

func authorKey(did string, ts int64, hash string) []byte {
	return []byte(authorPrefix(did) + padTS(ts) + "/" + hash)
}

func timeKey(ts int64, hash string) []byte {
	return []byte(prefixTime + padTS(ts) + "/" + hash)
}

func padTS(ts int64) string {
	if ts < 0 {
		ts = 0
	}
	return fmt.Sprintf("%020d", ts)
}

// upperBound returns the smallest key greater than every key with the given prefix.
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// hashFromIndexKey extracts the trailing hash of an index key.
func hashFromIndexKey(key []byte) string {
	k := string(key)
	return k[strings.LastIndexByte(k, '/')+1:]
}

// tsFromTimeKey extracts the timestamp of a t/ key.
func tsFromTimeKey(key []byte) int64 {
	k := strings.TrimPrefix(string(key), prefixTime)
	ts, _ := strconv.ParseInt(k[:strings.IndexByte(k, '/')], 10, 64)
	return ts
}

func (s *Store) PutMessage(_ context.Context, msg *model.Message) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("pebble: encoding message %s: %w", msg.Hash, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	exists, err := s.has(msg.Hash)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(messageKey(msg.Hash), data, nil); err != nil {
		return false, fmt.Errorf("pebble: staging message: %w", err)
	}
	if err := batch.Set(authorKey(msg.DID, msg.Timestamp, msg.Hash), nil, nil); err != nil {
		return false, fmt.Errorf("pebble: staging author index: %w", err)
	}
	if err := batch.Set(timeKey(msg.Timestamp, msg.Hash), nil, nil); err != nil {
		return false, fmt.Errorf("pebble: staging time index: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("pebble: committing message %s: %w", msg.Hash, err)
	}
	return true, nil
}

func (s *Store) GetMessage(_ context.Context, hash string) (*model.Message, error) {
	v, closer, err := s.db.Get(messageKey(hash))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, apperror.NotFound("message", hash)
		}
		return nil, fmt.Errorf("pebble: getting message %s: %w", hash, err)
	}
	defer closer.Close()

	var msg model.Message
	if err := json.Unmarshal(v, &msg); err != nil {
		return nil, fmt.Errorf("pebble: decoding message %s: %w", hash, err)
	}
	return &msg, nil
}

func (s *Store) HasMessage(_ context.Context, hash string) (bool, error) {
	return s.has(hash)
}

func (s *Store) has(hash string) (bool, error) {
	_, closer, err := s.db.Get(messageKey(hash))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("pebble: checking message %s: %w", hash, err)
	}
	closer.Close()
	return true, nil
}

// ListByAuthors walks each author's index backwards from q.Before and merges the results.
// Deleted messages are skipped.
func (s *Store) ListByAuthors(ctx context.Context, q repository.MessageQuery) ([]model.Message, error) {
	if q.Limit <= 0 {
		return []model.Message{}, nil
	}

	var all []model.Message
	seen := make(map[string]struct{})
	for _, did := range q.Authors {
		if _, dup := seen[did]; dup {
			continue
		}
		seen[did] = struct{}{}

		msgs, err := s.listAuthor(ctx, did, q.Before, q.Limit)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Timestamp != all[j].Timestamp {
			return all[i].Timestamp > all[j].Timestamp
		}
		return all[i].Hash < all[j].Hash
	})
	if len(all) > q.Limit {
		all = all[:q.Limit]
	}
	if all == nil {
		all = []model.Message{}
	}
	return all, nil
}

func (s *Store) listAuthor(ctx context.Context, did string, before int64, limit int) ([]model.Message, error) {
	prefix := []byte(authorPrefix(did))
	upper := upperBound(prefix)
	if before > 0 {
		upper = []byte(authorPrefix(did) + padTS(before))
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("pebble: author iterator: %w", err)
	}
	defer iter.Close()

	var out []model.Message
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		msg, err := s.GetMessage(ctx, hashFromIndexKey(iter.Key()))
		if err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if msg.Deleted {
			continue
		}
		out = append(out, *msg)
	}
	return out, iter.Error()
}

// ListSince walks the time index, whose keys already sort by (timestamp, hash).
func (s *Store) ListSince(ctx context.Context, after model.MessageCursor, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}
	lower := []byte(prefixTime + padTS(after.Timestamp+1))
	if after.Hash != "" {
		// The smallest key greater than the cursor's own key.
		lower = append(timeKey(after.Timestamp, after.Hash), 0)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upperBound([]byte(prefixTime)),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble: time iterator: %w", err)
	}
	defer iter.Close()

	out := make([]model.Message, 0, limit)
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		msg, err := s.GetMessage(ctx, hashFromIndexKey(iter.Key()))
		if err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, iter.Error()
}

func (s *Store) MarkDeleted(ctx context.Context, hash string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg, err := s.GetMessage(ctx, hash)
	if err != nil {
		return err
	}
	if msg.Deleted {
		return nil
	}
	msg.Deleted = true
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pebble: encoding message %s: %w", hash, err)
	}
	if err := s.db.Set(messageKey(hash), data, pebble.Sync); err != nil {
		return fmt.Errorf("pebble: marking %s deleted: %w", hash, err)
	}
	return nil
}

func (s *Store) HighWaterMark(_ context.Context) (int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixTime),
		UpperBound: upperBound([]byte(prefixTime)),
	})
	if err != nil {
		return 0, fmt.Errorf("pebble: time iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return tsFromTimeKey(iter.Key()), nil
}

func (s *Store) Count(_ context.Context) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixMessage),
		UpperBound: upperBound([]byte(prefixMessage)),
	})
	if err != nil {
		return 0, fmt.Errorf("pebble: message iterator: %w", err)
	}
	defer iter.Close()

	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	return n, iter.Error()
}
