// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

package commitment

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/mixtoll/mixtoll/core/ledger"
)

const (
	chainsBucket  = "chains"
	ticketsBucket = "tickets"
	spentBucket   = "spent"
)

// ErrNoChain is returned when no chain snapshot exists for a channel.  If
// the channel's published head exists on chain, the only recovery is a
// reseed, forfeiting the remainder of the lost chain.
var ErrNoChain = errors.New("commitment: no persisted chain for channel")

type chainRecord struct {
	Seed   []byte
	Length int
	Cursor int
	Epoch  uint64
}

// Store persists commitment chain cursors and the unredeemed ticket ledger
// across process restarts.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating as needed) the store at path f.
func OpenStore(f string) (*Store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{chainsBucket, ticketsBucket, spentBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the store.
func (s *Store) Close() {
	s.db.Sync()
	s.db.Close()
}

// PutChain persists the chain snapshot for the given channel.  Callers must
// persist after every cursor movement; a stale cursor next to an advanced
// published head is unrecoverable without a reseed.
func (s *Store) PutChain(ch ledger.ChannelID, c *Chain) error {
	seed, n, cursor, epoch := c.Snapshot()
	rec := &chainRecord{
		Seed:   seed[:],
		Length: n,
		Cursor: cursor,
		Epoch:  epoch,
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(chainsBucket)).Put(ch[:], blob)
	})
}

// GetChain rebuilds the persisted chain for the given channel.
func (s *Store) GetChain(ch ledger.ChannelID) (*Chain, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(chainsBucket)).Get(ch[:])
		if v == nil {
			return ErrNoChain
		}
		blob = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec := new(chainRecord)
	if err = cbor.Unmarshal(blob, rec); err != nil {
		return nil, err
	}
	if len(rec.Seed) != OpeningLength {
		return nil, fmt.Errorf("commitment: corrupted chain record for %v", ch)
	}
	var seed Opening
	copy(seed[:], rec.Seed)
	return Restore(seed, rec.Length, rec.Cursor, rec.Epoch)
}

// PutTicket records an unredeemed ticket blob under its hash.
func (s *Store) PutTicket(ticketHash [32]byte, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ticketsBucket)).Put(ticketHash[:], blob)
	})
}

// DeleteTicket drops a ticket from the unredeemed ledger, used when a
// ticket is abandoned (timeout, epoch mismatch, lost lottery).
func (s *Store) DeleteTicket(ticketHash [32]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ticketsBucket)).Delete(ticketHash[:])
	})
}

// MarkSpent moves a ticket from the unredeemed ledger to the spent set.
func (s *Store) MarkSpent(ticketHash [32]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(ticketsBucket)).Delete(ticketHash[:]); err != nil {
			return err
		}
		return tx.Bucket([]byte(spentBucket)).Put(ticketHash[:], []byte{1})
	})
}

// IsSpent reports whether a ticket was already redeemed.
func (s *Store) IsSpent(ticketHash [32]byte) bool {
	spent := false
	s.db.View(func(tx *bolt.Tx) error {
		spent = tx.Bucket([]byte(spentBucket)).Get(ticketHash[:]) != nil
		return nil
	})
	return spent
}

// ForEachTicket iterates the unredeemed ticket ledger.
func (s *Store) ForEachTicket(fn func(ticketHash [32]byte, blob []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ticketsBucket)).ForEach(func(k, v []byte) error {
			var h [32]byte
			copy(h[:], k)
			return fn(h, append([]byte{}, v...))
		})
	})
}
