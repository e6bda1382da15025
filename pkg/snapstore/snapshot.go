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

func snapshotKey(id int64) []byte {
	return append([]byte(prefixSnapshot), encodeID(id)...)
}

func snapshotIndexPrefix(target string) []byte {
	key := []byte(prefixSnapIndex)
	key = append(key, target...)
	return append(key, 0)
}

func snapshotIndexKey(target string, observedAt, id int64) []byte {
	key := snapshotIndexPrefix(target)
	key = append(key, encodeID(observedAt)...)
	return append(key, encodeID(id)...)
}

// SaveSnapshot stores a new snapshot for target and returns its id.
// Prefix lists are sorted before storage; the content hash is computed
// from the sorted lists. Duplicate content is valid (a "nothing changed"
// observation is still an observation).
func (s *Store) SaveSnapshot(target string, targetType model.TargetType, sources, ipv4, ipv6 []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, model.ErrStoreClosed
	}

	now := s.now().Unix()
	snap := &model.Snapshot{
		Target:       target,
		TargetType:   targetType,
		ObservedAt:   now,
		Sources:      append([]string(nil), sources...),
		IPv4Prefixes: sortedCopy(ipv4),
		IPv6Prefixes: sortedCopy(ipv6),
		ContentHash:  ComputeContentHash(ipv4, ipv6),
		CreatedAt:    now,
	}

	id, seqKey, seqValue, err := s.nextID(seqSnapshot)
	if err != nil {
		return 0, err
	}
	snap.ID = id

	value, err := msgpack.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal snapshot: %v", model.ErrStorage, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(seqKey, seqValue)
	batch.Put(snapshotKey(id), value)
	batch.Put(snapshotIndexKey(target, snap.ObservedAt, id), encodeID(id))

	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("%w: write snapshot: %v", model.ErrStorage, err)
	}

	return id, nil
}

// GetSnapshotByID returns the snapshot with the given id, or ErrNotFound.
func (s *Store) GetSnapshotByID(id int64) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.ErrStoreClosed
	}

	return s.readSnapshot(id)
}

func (s *Store) readSnapshot(id int64) (*model.Snapshot, error) {
	data, err := s.db.Get(snapshotKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read snapshot %d: %v", model.ErrStorage, id, err)
	}

	var snap model.Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: unmarshal snapshot %d: %v", model.ErrStorage, id, err)
	}
	return &snap, nil
}

// GetLatestSnapshot returns the most recent snapshot for target by
// (observed_at, id), or ErrNotFound if the target has none.
func (s *Store) GetLatestSnapshot(target string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.ErrStoreClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix(snapshotIndexPrefix(target)), nil)
	defer iter.Release()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, fmt.Errorf("%w: scan snapshots: %v", model.ErrStorage, err)
		}
		return nil, model.ErrNotFound
	}

	return s.readSnapshot(decodeID(iter.Value()))
}

// GetSnapshotBefore returns the most recent snapshot for target strictly
// older than cutoff. This is the diff baseline selector: the pipeline
// diffs against the newest snapshot outside the lookback window, not
// against the immediately preceding one.
func (s *Store) GetSnapshotBefore(target string, cutoff int64) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.ErrStoreClosed
	}

	start := snapshotIndexPrefix(target)
	// Index keys are <prefix><ts be64><id be64>; any key with ts == cutoff
	// sorts at or after limit, so the range is strictly ts < cutoff.
	limit := append(snapshotIndexPrefix(target), encodeID(cutoff)...)

	iter := s.db.NewIterator(&util.Range{Start: start, Limit: limit}, nil)
	defer iter.Release()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, fmt.Errorf("%w: scan snapshots: %v", model.ErrStorage, err)
		}
		return nil, model.ErrNotFound
	}

	return s.readSnapshot(decodeID(iter.Value()))
}

// GetSnapshotHistory returns up to limit snapshots for target, newest first.
func (s *Store) GetSnapshotHistory(target string, limit int) ([]*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.ErrStoreClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix(snapshotIndexPrefix(target)), nil)
	defer iter.Release()

	var snapshots []*model.Snapshot
	for ok := iter.Last(); ok && (limit <= 0 || len(snapshots) < limit); ok = iter.Prev() {
		snap, err := s.readSnapshot(decodeID(iter.Value()))
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: scan snapshots: %v", model.ErrStorage, err)
	}

	return snapshots, nil
}
