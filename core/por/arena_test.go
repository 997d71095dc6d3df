// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

package por

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/rand"
)

func newPending(require *require.Assertions) (ID, *Challenge, *Share, *Share) {
	secret := newSecret(require)
	nextSecret := newSecret(require)

	pkt := make([]byte, 256)
	_, err := rand.Reader.Read(pkt)
	require.NoError(err)

	challenge, own := EmbedChallenge(secret, nextSecret)
	return NewID(pkt), challenge, own, AckShare(nextSecret)
}

func TestArenaResolve(t *testing.T) {
	require := require.New(t)

	a := NewArena(time.Minute, nil)
	defer a.Halt()

	id, challenge, own, ack := newPending(require)
	a.Register(id, challenge, own)
	require.Equal(1, a.Len())

	// A bogus acknowledgement share must not resolve the entry.
	bad := new(Share)
	_, ok := a.Resolve(id, bad)
	require.False(ok, "invalid share must not resolve")
	require.Equal(1, a.Len())

	resp, ok := a.Resolve(id, ack)
	require.True(ok, "valid share must resolve")
	require.True(VerifyResponse(challenge, resp))
	require.Equal(0, a.Len())

	// Resolving twice is not possible; ownership moved.
	_, ok = a.Resolve(id, ack)
	require.False(ok, "second resolve must miss")
}

func TestArenaUnknownID(t *testing.T) {
	require := require.New(t)

	a := NewArena(time.Minute, nil)
	defer a.Halt()

	id, _, _, ack := newPending(require)
	_, ok := a.Resolve(id, ack)
	require.False(ok, "unknown identifier must miss")
}

func TestArenaTimeout(t *testing.T) {
	require := require.New(t)

	var (
		mu       sync.Mutex
		timedOut []ID
	)
	doneCh := make(chan struct{})
	a := NewArena(10*time.Millisecond, func(id ID, challenge *Challenge) {
		mu.Lock()
		timedOut = append(timedOut, id)
		mu.Unlock()
		select {
		case doneCh <- struct{}{}:
		default:
		}
	})
	defer a.Halt()

	id, challenge, own, ack := newPending(require)
	a.Register(id, challenge, own)

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		require.FailNow("timeout callback never fired")
	}

	mu.Lock()
	require.Equal([]ID{id}, timedOut)
	mu.Unlock()

	// A late acknowledgement is ignored, not an error.
	_, ok := a.Resolve(id, ack)
	require.False(ok, "late acknowledgement must be ignored")
	require.Equal(0, a.Len())
}

func TestArenaConcurrentChurn(t *testing.T) {
	require := require.New(t)

	// Recycled entries must never alias a live priority queue slot; a
	// short timeout keeps the worker popping stale slots while other
	// goroutines register and resolve fresh entries over the same pool.
	a := NewArena(2*time.Millisecond, nil)
	defer a.Halt()

	const (
		nrWorkers = 4
		nrRounds  = 256
	)

	var wg sync.WaitGroup
	for i := 0; i < nrWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < nrRounds; j++ {
				id, challenge, own, ack := newPending(require)
				a.Register(id, challenge, own)
				if j%2 == 0 {
					if resp, ok := a.Resolve(id, ack); ok {
						require.True(VerifyResponse(challenge, resp))
					}
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(func() bool {
		return a.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestArenaResolveBeatsTimeout(t *testing.T) {
	require := require.New(t)

	a := NewArena(time.Hour, func(ID, *Challenge) {
		require.FailNow("timeout must not fire")
	})
	defer a.Halt()

	id, challenge, own, ack := newPending(require)
	a.Register(id, challenge, own)

	resp, ok := a.Resolve(id, ack)
	require.True(ok)
	require.True(VerifyResponse(challenge, resp))
}
