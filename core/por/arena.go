// SPDX-FileCopyrightText: Copyright (C) 2018, 2019 Masala, David Stainton
// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

package por

import (
	"sync"
	"time"

	"github.com/katzenpost/core/queue"
	"github.com/katzenpost/core/worker"

	"github.com/katzenpost/hpqc/hash"
)

// IDLength is the length of a packet-derived pending-challenge identifier.
const IDLength = 16

// ID keys the pending-challenge state for one (packet, hop).  It is derived
// from the packet as transmitted on the wire, so the sending and receiving
// hop of a link agree on it without extra round trips.
type ID [IDLength]byte

// NewID derives the pending-challenge identifier from a raw packet.
func NewID(pkt []byte) ID {
	var id ID
	h := hash.Sum256(pkt)
	copy(id[:], h[:IDLength])
	return id
}

// State is the lifecycle state of a pending challenge.
type State uint8

const (
	// StatePending denotes a challenge awaiting the downstream
	// acknowledgement.
	StatePending State = iota

	// StateResolved denotes a challenge whose response was received and
	// verified.
	StateResolved

	// StateTimedOut denotes a challenge whose acknowledgement did not
	// arrive in time.  The associated ticket is abandoned.
	StateTimedOut
)

// entry is the per-(packet, hop) pending-challenge record.  An entry is
// referenced by the arena map while pending and by exactly one priority
// queue slot until that slot is popped; the timeout worker is the sole
// owner for recycling, so a recycled entry can never alias a live slot.
type entry struct {
	id        ID
	challenge Challenge
	own       Share
	deadline  time.Time
	state     State
}

func (e *entry) priority() uint64 {
	return uint64(e.deadline.UnixNano())
}

var entryPool = sync.Pool{
	New: func() interface{} {
		return new(entry)
	},
}

// Arena tracks pending relay challenges and drives their state machine.
// Concurrent packets never contend on the same record since records are
// keyed by packet-derived identifiers.
type Arena struct {
	worker.Worker
	sync.Mutex

	entries map[ID]*entry
	priq    *queue.PriorityQueue

	timeout   time.Duration
	onTimeout func(ID, *Challenge)

	wakeCh chan struct{}
}

// NewArena creates an Arena and starts its timeout worker.  onTimeout is
// invoked, without any lock held, for every challenge that transitions to
// StateTimedOut.
func NewArena(timeout time.Duration, onTimeout func(ID, *Challenge)) *Arena {
	a := &Arena{
		entries:   make(map[ID]*entry),
		priq:      queue.New(),
		timeout:   timeout,
		onTimeout: onTimeout,
		wakeCh:    make(chan struct{}, 1),
	}
	a.Go(a.timeoutWorker)
	return a
}

// Register records a pending challenge for the given identifier.  The own
// share is retained so the eventual acknowledgement can be combined into
// the response.
func (a *Arena) Register(id ID, challenge *Challenge, own *Share) {
	e := entryPool.Get().(*entry)
	e.id = id
	e.challenge = *challenge
	e.own = *own
	e.deadline = time.Now().Add(a.timeout)
	e.state = StatePending

	a.Lock()
	a.entries[id] = e
	a.priq.Enqueue(e.priority(), e)
	a.Unlock()

	select {
	case a.wakeCh <- struct{}{}:
	default:
	}
}

// Resolve attempts to complete the pending challenge identified by id with
// the acknowledgement share ack.  On success the verified response is
// returned.  Unknown identifiers, already timed-out entries and responses
// that fail verification all return false; a late acknowledgement is not an
// error, it is simply ignored.
func (a *Arena) Resolve(id ID, ack *Share) (*Response, bool) {
	a.Lock()
	e, ok := a.entries[id]
	if !ok || e.state != StatePending {
		a.Unlock()
		return nil, false
	}

	resp := DeriveResponse(&e.own, ack)
	if !VerifyResponse(&e.challenge, resp) {
		a.Unlock()
		return nil, false
	}

	e.state = StateResolved
	delete(a.entries, id)
	a.Unlock()

	// The entry is not recycled here: its priority queue slot still
	// references it.  The timeout worker reclaims it when the stale slot
	// reaches the head of the queue.
	return resp, true
}

// Len returns the number of pending challenges.
func (a *Arena) Len() int {
	a.Lock()
	defer a.Unlock()
	return len(a.entries)
}

func (a *Arena) timeoutWorker() {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		a.Lock()
		var wait time.Duration
		for {
			head := a.priq.Peek()
			if head == nil {
				wait = 0
				break
			}
			e := head.Value.(*entry)
			if live, pending := a.entries[e.id]; !pending || live != e {
				// Entry was resolved.  Popping its stale slot drops the
				// last reference, so the entry is recycled here, under
				// the lock, and never while the queue can reach it.
				a.priq.Pop()
				disposeEntry(e)
				continue
			}
			now := time.Now()
			if e.deadline.After(now) {
				wait = e.deadline.Sub(now)
				break
			}

			a.priq.Pop()
			e.state = StateTimedOut
			delete(a.entries, e.id)
			id, challenge := e.id, e.challenge
			a.Unlock()
			if a.onTimeout != nil {
				a.onTimeout(id, &challenge)
			}
			disposeEntry(e)
			a.Lock()
		}
		a.Unlock()

		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-a.HaltCh():
				return
			case <-timer.C:
			case <-a.wakeCh:
				if !timer.Stop() {
					<-timer.C
				}
			}
		} else {
			select {
			case <-a.HaltCh():
				return
			case <-a.wakeCh:
			}
		}
	}
}

func disposeEntry(e *entry) {
	*e = entry{}
	entryPool.Put(e)
}
