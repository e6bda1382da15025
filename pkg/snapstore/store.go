// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

// Package snapstore is the append-only, content-addressed log of prefix
// snapshots, computed diffs, and ticket records. Records are msgpack-encoded
// in LevelDB; every save writes the record, its indexes, and the sequence
// bump in one batch, so a failed save leaves no partial rows.
package snapstore

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"irrwatch/pkg/model"
)

// Key prefixes. Targets may contain ':' (hierarchical AS-SET names), so
// key components after a target are separated by 0x00, which cannot appear
// in a normalized target.
const (
	prefixSnapshot  = "snap:"  // snap:<id> -> snapshot record
	prefixSnapIndex = "snapx:" // snapx:<target>\x00<ts><id> -> <id>
	prefixDiff      = "diff:"  // diff:<id> -> diff record
	prefixDiffHash  = "diffh:" // diffh:<hash> -> <id>
	prefixDiffIndex = "diffx:" // diffx:<target>\x00<created><id> -> <id>
	prefixTicket    = "tick:"  // tick:<id> -> ticket record
	prefixTickIndex = "tickx:" // tickx:<diff id><created><id> -> <id>
	prefixSeq       = "seq:"   // seq:<entity> -> last assigned id
)

const (
	seqSnapshot = "snapshot"
	seqDiff     = "diff"
	seqTicket   = "ticket"
)

// Store is the LevelDB-backed snapshot store.
type Store struct {
	db     *leveldb.DB
	mu     sync.RWMutex
	path   string
	closed bool
	now    func() time.Time
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	opts := &opt.Options{
		Compression: opt.SnappyCompression,
	}

	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", model.ErrStorage, path, err)
	}

	return &Store{
		db:   db,
		path: path,
		now:  time.Now,
	}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.ErrStoreClosed
	}

	s.closed = true
	return s.db.Close()
}

// IsClosed returns true if the store is closed.
func (s *Store) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Path returns the store path.
func (s *Store) Path() string {
	return s.path
}

// nextID reads the sequence counter for entity and returns the next id
// plus the batch put that persists it. Callers must hold the write lock
// and include the returned key/value in the same batch as the record.
func (s *Store) nextID(entity string) (int64, []byte, []byte, error) {
	key := []byte(prefixSeq + entity)

	var last int64
	data, err := s.db.Get(key, nil)
	if err != nil && err != leveldb.ErrNotFound {
		return 0, nil, nil, fmt.Errorf("%w: read sequence %s: %v", model.ErrStorage, entity, err)
	}
	if len(data) == 8 {
		last = int64(binary.BigEndian.Uint64(data))
	}

	id := last + 1
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(id))
	return id, key, value, nil
}

func encodeID(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func decodeID(data []byte) int64 {
	if len(data) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}

// sortedCopy returns a sorted, non-nil copy of the input. Non-nil matters:
// empty lists must serialize as [] so content hashes are stable.
func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// ComputeContentHash returns the SHA-256 over the canonical serialization
// of the prefix sets. Two snapshots with equal content collide on purpose:
// content equality is the useful notion here, not capture-time equality.
func ComputeContentHash(ipv4, ipv6 []string) string {
	payload := struct {
		V4 []string `json:"v4"`
		V6 []string `json:"v6"`
	}{
		V4: sortedCopy(ipv4),
		V6: sortedCopy(ipv6),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		// Marshalling a slice of strings cannot fail.
		panic(err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
