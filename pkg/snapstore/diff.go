// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package snapstore

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"

	"irrwatch/pkg/model"
)

func diffKey(id int64) []byte {
	return append([]byte(prefixDiff), encodeID(id)...)
}

func diffHashKey(hash string) []byte {
	return append([]byte(prefixDiffHash), hash...)
}

func diffIndexPrefix(target string) []byte {
	key := []byte(prefixDiffIndex)
	key = append(key, target...)
	return append(key, 0)
}

func diffIndexKey(target string, createdAt, id int64) []byte {
	key := diffIndexPrefix(target)
	key = append(key, encodeID(createdAt)...)
	return append(key, encodeID(id)...)
}

// SaveDiff persists a computed diff and returns its id. The stored record
// keeps the diff's prefix lists sorted; HasChanges is recomputed from the
// lists rather than trusted from the input.
func (s *Store) SaveDiff(diff *model.Diff) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, model.ErrStoreClosed
	}

	rec := &model.Diff{
		NewSnapshotID: diff.NewSnapshotID,
		OldSnapshotID: diff.OldSnapshotID,
		Target:        diff.Target,
		AddedV4:       sortedCopy(diff.AddedV4),
		RemovedV4:     sortedCopy(diff.RemovedV4),
		AddedV6:       sortedCopy(diff.AddedV6),
		RemovedV6:     sortedCopy(diff.RemovedV6),
		DiffHash:      diff.DiffHash,
		CreatedAt:     s.now().Unix(),
	}
	rec.HasChanges = len(rec.AddedV4) > 0 || len(rec.RemovedV4) > 0 ||
		len(rec.AddedV6) > 0 || len(rec.RemovedV6) > 0

	id, seqKey, seqValue, err := s.nextID(seqDiff)
	if err != nil {
		return 0, err
	}
	rec.ID = id

	value, err := msgpack.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal diff: %v", model.ErrStorage, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(seqKey, seqValue)
	batch.Put(diffKey(id), value)
	batch.Put(diffHashKey(rec.DiffHash), encodeID(id))
	batch.Put(diffIndexKey(rec.Target, rec.CreatedAt, id), encodeID(id))

	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("%w: write diff: %v", model.ErrStorage, err)
	}

	return id, nil
}

// GetDiffByID returns the diff with the given id, or ErrNotFound.
func (s *Store) GetDiffByID(id int64) (*model.Diff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.ErrStoreClosed
	}

	return s.readDiff(id)
}

func (s *Store) readDiff(id int64) (*model.Diff, error) {
	data, err := s.db.Get(diffKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read diff %d: %v", model.ErrStorage, id, err)
	}

	var diff model.Diff
	if err := msgpack.Unmarshal(data, &diff); err != nil {
		return nil, fmt.Errorf("%w: unmarshal diff %d: %v", model.ErrStorage, id, err)
	}
	return &diff, nil
}

// GetDiffByHash returns the diff with the given content hash, or
// ErrNotFound. Equal logical change-sets collide to the same hash, so
// this is the local half of the idempotency check.
func (s *Store) GetDiffByHash(hash string) (*model.Diff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.ErrStoreClosed
	}

	data, err := s.db.Get(diffHashKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read diff hash: %v", model.ErrStorage, err)
	}

	return s.readDiff(decodeID(data))
}

// GetLatestDiff returns the most recent diff for target, or ErrNotFound.
func (s *Store) GetLatestDiff(target string) (*model.Diff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.ErrStoreClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix(diffIndexPrefix(target)), nil)
	defer iter.Release()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, fmt.Errorf("%w: scan diffs: %v", model.ErrStorage, err)
		}
		return nil, model.ErrNotFound
	}

	return s.readDiff(decodeID(iter.Value()))
}
