// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package commitment implements the iterated hash-chain commitment scheme
// backing ticket redemption.  A chain's head is published on chain; each
// preimage revealed both authorizes one ticket redemption and becomes the
// new head.  The chain's owner is the ticket recipient; the seed never
// leaves the local node.
package commitment

import (
	"crypto/subtle"
	"errors"
	"io"
	"sync"

	"github.com/katzenpost/hpqc/hash"
)

// OpeningLength is the length of a chain element in bytes.
const OpeningLength = 32

// Opening is one element of a commitment chain.
type Opening [OpeningLength]byte

// ErrChainExhausted is returned when no openings remain.  The only recovery
// is an explicit Reseed, which is a deliberate on-chain operation.
var ErrChainExhausted = errors.New("commitment: chain exhausted")

// Chain is the per-channel, per-direction commitment chain.  The reveal
// cursor is exclusively owned single-writer state; all cursor movement
// serializes through the chain's lock so concurrent redemption attempts
// cannot double-reveal an opening or race into ErrChainExhausted early.
type Chain struct {
	sync.Mutex

	// values[0] is the seed; values[k] = hash(values[k-1]); the last
	// element is the head published on chain.
	values []Opening
	cursor int
	epoch  uint64
}

// NewChain samples a fresh seed from rng and computes a chain of length n
// (n reveals before exhaustion).  The epoch starts at 0.
func NewChain(rng io.Reader, n int) (*Chain, error) {
	if n < 1 {
		return nil, errors.New("commitment: invalid chain length")
	}
	c := &Chain{}
	if err := c.generate(rng, n); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chain) generate(rng io.Reader, n int) error {
	values := make([]Opening, n+1)
	if _, err := io.ReadFull(rng, values[0][:]); err != nil {
		return err
	}
	for i := 1; i <= n; i++ {
		values[i] = hash.Sum256(values[i-1][:])
	}
	c.values = values
	c.cursor = n - 1
	return nil
}

// Head returns the chain element the counterparty currently expects on
// chain, given the local reveal cursor.
func (c *Chain) Head() Opening {
	c.Lock()
	defer c.Unlock()
	return c.values[c.cursor+1]
}

// Epoch returns the chain's epoch counter.
func (c *Chain) Epoch() uint64 {
	c.Lock()
	defer c.Unlock()
	return c.epoch
}

// Remaining returns the number of openings left before exhaustion.
func (c *Chain) Remaining() int {
	c.Lock()
	defer c.Unlock()
	return c.cursor + 1
}

// PeekNext returns the opening that the next RevealNext call will reveal,
// without advancing the cursor.  Losing tickets are checked against it
// without consuming it.
func (c *Chain) PeekNext() (*Opening, error) {
	c.Lock()
	defer c.Unlock()
	if c.cursor < 0 {
		return nil, ErrChainExhausted
	}
	o := c.values[c.cursor]
	return &o, nil
}

// RevealNext returns the next opening and advances the cursor.  The
// returned value satisfies hash(opening) == previous Head().
func (c *Chain) RevealNext() (*Opening, error) {
	c.Lock()
	defer c.Unlock()
	if c.cursor < 0 {
		return nil, ErrChainExhausted
	}
	o := c.values[c.cursor]
	c.cursor--
	return &o, nil
}

// Reseed replaces the chain with a freshly seeded one of length n and bumps
// the epoch, voiding every ticket recorded under the prior epoch.  The new
// head must be published on chain before tickets under the new epoch are
// issued against it.
func (c *Chain) Reseed(rng io.Reader, n int) (Opening, error) {
	c.Lock()
	defer c.Unlock()
	if n < 1 {
		return Opening{}, errors.New("commitment: invalid chain length")
	}
	if err := c.generate(rng, n); err != nil {
		return Opening{}, err
	}
	c.epoch++
	return c.values[len(c.values)-1], nil
}

// Snapshot captures the chain's persistable state: the seed, the chain
// length, the reveal cursor and the epoch.  The seed is secret; it is only
// ever written to the node-local store.
func (c *Chain) Snapshot() (seed Opening, n, cursor int, epoch uint64) {
	c.Lock()
	defer c.Unlock()
	return c.values[0], len(c.values) - 1, c.cursor, c.epoch
}

// Restore rebuilds a chain from a snapshot, recomputing the hash chain from
// the seed.
func Restore(seed Opening, n, cursor int, epoch uint64) (*Chain, error) {
	if n < 1 || cursor < -1 || cursor >= n {
		return nil, errors.New("commitment: invalid snapshot")
	}
	values := make([]Opening, n+1)
	values[0] = seed
	for i := 1; i <= n; i++ {
		values[i] = hash.Sum256(values[i-1][:])
	}
	return &Chain{
		values: values,
		cursor: cursor,
		epoch:  epoch,
	}, nil
}

// Verify reports whether opening is the direct preimage of head.  This is
// the acceptance rule the counterparty and the on-chain logic apply; on
// acceptance the published head becomes the opening.
func Verify(opening, head *Opening) bool {
	h := hash.Sum256(opening[:])
	return subtle.ConstantTimeCompare(h[:], head[:]) == 1
}
