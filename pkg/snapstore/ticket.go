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

func ticketKey(id int64) []byte {
	return append([]byte(prefixTicket), encodeID(id)...)
}

func ticketIndexPrefix(diffID int64) []byte {
	return append([]byte(prefixTickIndex), encodeID(diffID)...)
}

func ticketIndexKey(diffID, createdAt, id int64) []byte {
	key := ticketIndexPrefix(diffID)
	key = append(key, encodeID(createdAt)...)
	return append(key, encodeID(id)...)
}

// SaveTicket records a ticket attempt for a diff and returns its id.
// The request payload is stored verbatim so the outbound body can be
// replayed or inspected even if the network call never happens.
func (s *Store) SaveTicket(diffID int64, target string, status model.TicketStatus, requestPayload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, model.ErrStoreClosed
	}

	tick := &model.Ticket{
		DiffID:         diffID,
		Target:         target,
		Status:         status,
		RequestPayload: append([]byte(nil), requestPayload...),
		CreatedAt:      s.now().Unix(),
	}

	id, seqKey, seqValue, err := s.nextID(seqTicket)
	if err != nil {
		return 0, err
	}
	tick.ID = id

	value, err := msgpack.Marshal(tick)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal ticket: %v", model.ErrStorage, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(seqKey, seqValue)
	batch.Put(ticketKey(id), value)
	batch.Put(ticketIndexKey(diffID, tick.CreatedAt, id), encodeID(id))

	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("%w: write ticket: %v", model.ErrStorage, err)
	}

	return id, nil
}

// UpdateTicketStatus transitions a ticket to a new status and records the
// response payload. The external ticket id is set-if-absent: a known id is
// never overwritten with an empty one.
func (s *Store) UpdateTicketStatus(ticketID int64, status model.TicketStatus, responsePayload []byte, externalTicketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.ErrStoreClosed
	}

	tick, err := s.readTicket(ticketID)
	if err != nil {
		return err
	}

	tick.Status = status
	tick.ResponsePayload = append([]byte(nil), responsePayload...)
	if externalTicketID != "" {
		tick.ExternalTicketID = externalTicketID
	}

	value, err := msgpack.Marshal(tick)
	if err != nil {
		return fmt.Errorf("%w: marshal ticket: %v", model.ErrStorage, err)
	}

	if err := s.db.Put(ticketKey(ticketID), value, nil); err != nil {
		return fmt.Errorf("%w: write ticket: %v", model.ErrStorage, err)
	}

	return nil
}

// GetTicketByID returns the ticket with the given id, or ErrNotFound.
func (s *Store) GetTicketByID(id int64) (*model.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.ErrStoreClosed
	}

	return s.readTicket(id)
}

func (s *Store) readTicket(id int64) (*model.Ticket, error) {
	data, err := s.db.Get(ticketKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read ticket %d: %v", model.ErrStorage, id, err)
	}

	var tick model.Ticket
	if err := msgpack.Unmarshal(data, &tick); err != nil {
		return nil, fmt.Errorf("%w: unmarshal ticket %d: %v", model.ErrStorage, id, err)
	}
	return &tick, nil
}

// GetTicketForDiff returns the newest ticket recorded for a diff, or
// ErrNotFound. This is the dedup check consulted before any submission.
func (s *Store) GetTicketForDiff(diffID int64) (*model.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.ErrStoreClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix(ticketIndexPrefix(diffID)), nil)
	defer iter.Release()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, fmt.Errorf("%w: scan tickets: %v", model.ErrStorage, err)
		}
		return nil, model.ErrNotFound
	}

	return s.readTicket(decodeID(iter.Value()))
}
