// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ticket

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/rand"
	eddsa "github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/mixtoll/mixtoll/core/commitment"
	"github.com/mixtoll/mixtoll/core/ledger"
	"github.com/mixtoll/mixtoll/core/por"
)

type memSpent map[[32]byte]bool

func (m memSpent) IsSpent(h [32]byte) bool    { return m[h] }
func (m memSpent) MarkSpent(h [32]byte) error { m[h] = true; return nil }

func newTestIssuer(require *require.Assertions) *Issuer {
	pub, priv, err := eddsa.Scheme().GenerateKey()
	require.NoError(err)
	return NewIssuer(eddsa.Scheme(), pub, priv)
}

func newTestChannel(require *require.Assertions, chain *commitment.Chain) *ledger.ChannelState {
	ch := &ledger.ChannelState{
		Balance: 1000,
	}
	_, err := rand.Reader.Read(ch.ID[:])
	require.NoError(err)
	_, err = rand.Reader.Read(ch.Source[:])
	require.NoError(err)
	_, err = rand.Reader.Read(ch.Destination[:])
	require.NoError(err)
	if chain != nil {
		ch.Epoch = chain.Epoch()
		ch.PublishedHead = [ledger.HeadLength]byte(chain.Head())
	}
	return ch
}

func newChallenge(require *require.Assertions) *por.Challenge {
	c := new(por.Challenge)
	_, err := rand.Reader.Read(c[:])
	require.NoError(err)
	return c
}

// newResolvedChallenge returns a challenge together with the response that
// resolves it, standing in for a completed proof-of-relay exchange.
func newResolvedChallenge(require *require.Assertions) (*por.Challenge, *por.Response) {
	resp := new(por.Response)
	_, err := rand.Reader.Read(resp[:])
	require.NoError(err)
	return por.ChallengeFromResponse(resp), resp
}

func TestIssueVerify(t *testing.T) {
	require := require.New(t)

	issuer := newTestIssuer(require)
	channel := newTestChannel(require, nil)
	challenge := newChallenge(require)

	tkt, err := issuer.Issue(channel, challenge, 0.5, 100)
	require.NoError(err)
	require.Equal(channel.ID, tkt.ChannelID)
	require.Equal(*challenge, tkt.Challenge)
	require.NoError(Verify(issuer.PublicKey(), tkt, channel))

	// The signature must cover every body field.
	mangled := *tkt
	mangled.Amount++
	require.Equal(ErrBadSignature, Verify(issuer.PublicKey(), &mangled, channel))

	// A foreign key must not verify.
	other := newTestIssuer(require)
	require.Equal(ErrBadSignature, Verify(other.PublicKey(), tkt, channel))

	// Balance and epoch consistency with the channel.
	drained := *channel
	drained.Balance = 1
	require.Equal(ErrInsufficientBalance, Verify(issuer.PublicKey(), tkt, &drained))
	advanced := *channel
	advanced.Epoch++
	require.Equal(ErrEpochMismatch, Verify(issuer.PublicKey(), tkt, &advanced))
}

func TestIssueRejections(t *testing.T) {
	require := require.New(t)

	issuer := newTestIssuer(require)
	channel := newTestChannel(require, nil)
	challenge := newChallenge(require)

	for _, p := range []float64{0, -0.1, 1.1, math.NaN()} {
		_, err := issuer.Issue(channel, challenge, p, 100)
		require.Equalf(ErrInvalidProbability, err, "probability %v", p)
	}

	_, err := issuer.Issue(channel, challenge, 0.5, channel.Balance+1)
	require.Equal(ErrInsufficientBalance, err)
}

func TestTicketWireRoundTrip(t *testing.T) {
	require := require.New(t)

	issuer := newTestIssuer(require)
	channel := newTestChannel(require, nil)
	tkt, err := issuer.Issue(channel, newChallenge(require), 0.25, 7)
	require.NoError(err)

	blob, err := tkt.Marshal()
	require.NoError(err)
	got, err := Unmarshal(blob)
	require.NoError(err)

	// The ticket survives the wire with its hash and signature intact.
	require.Equal(tkt.Hash(), got.Hash())
	require.NoError(Verify(issuer.PublicKey(), got, channel))
}

func TestSaturatedThresholdAlwaysWins(t *testing.T) {
	require := require.New(t)

	issuer := newTestIssuer(require)
	channel := newTestChannel(require, nil)
	tkt, err := issuer.Issue(channel, newChallenge(require), 1.0, 1)
	require.NoError(err)

	for i := 0; i < 64; i++ {
		var (
			resp    por.Response
			opening commitment.Opening
		)
		_, err = rand.Reader.Read(resp[:])
		require.NoError(err)
		_, err = rand.Reader.Read(opening[:])
		require.NoError(err)
		require.True(IsWinning(tkt, &resp, &opening), "probability 1 must always win")
	}
}

func TestLotteryFairness(t *testing.T) {
	require := require.New(t)

	const (
		p      = 0.25
		trials = 10000
	)

	issuer := newTestIssuer(require)
	channel := newTestChannel(require, nil)
	tkt, err := issuer.Issue(channel, newChallenge(require), p, 1)
	require.NoError(err)

	wins := 0
	for i := 0; i < trials; i++ {
		var (
			resp    por.Response
			opening commitment.Opening
		)
		_, err = rand.Reader.Read(resp[:])
		require.NoError(err)
		_, err = rand.Reader.Read(opening[:])
		require.NoError(err)
		if IsWinning(tkt, &resp, &opening) {
			wins++
		}
	}

	// 4 sigma tolerance around the expected win rate.
	rate := float64(wins) / float64(trials)
	sigma := math.Sqrt(p * (1 - p) / float64(trials))
	require.InDelta(p, rate, 4*sigma, "empirical win rate diverged: %v", rate)

	// Determinism: the same inputs always draw the same outcome.
	var (
		resp    por.Response
		opening commitment.Opening
	)
	first := IsWinning(tkt, &resp, &opening)
	for i := 0; i < 8; i++ {
		require.Equal(first, IsWinning(tkt, &resp, &opening))
	}
}

func TestRedeemWinning(t *testing.T) {
	require := require.New(t)

	chain, err := commitment.NewChain(rand.Reader, 4)
	require.NoError(err)
	issuer := newTestIssuer(require)
	channel := newTestChannel(require, chain)
	spent := make(memSpent)

	challenge, resp := newResolvedChallenge(require)
	tkt, err := issuer.Issue(channel, challenge, 1.0, 10)
	require.NoError(err)

	opening, err := chain.PeekNext()
	require.NoError(err)

	req, err := Redeem(tkt, resp, opening, channel, spent)
	require.NoError(err)
	require.Equal(channel.ID, req.ChannelID)
	require.Equal(opening[:], req.Opening[:])
	require.NotEmpty(req.Ticket)

	// Redeeming the same ticket twice must fail.
	_, err = Redeem(tkt, resp, opening, channel, spent)
	require.Equal(ErrTicketSpent, err)
}

func TestRedeemWrongSecret(t *testing.T) {
	require := require.New(t)

	chain, err := commitment.NewChain(rand.Reader, 4)
	require.NoError(err)
	issuer := newTestIssuer(require)
	channel := newTestChannel(require, chain)
	spent := make(memSpent)

	tkt, err := issuer.Issue(channel, newChallenge(require), 1.0, 10)
	require.NoError(err)

	opening, err := chain.PeekNext()
	require.NoError(err)

	// A secret that does not resolve the ticket's challenge must be
	// rejected even when the lottery would otherwise always win.
	var bogus por.Response
	_, err = rand.Reader.Read(bogus[:])
	require.NoError(err)

	_, err = Redeem(tkt, &bogus, opening, channel, spent)
	require.Equal(ErrInvalidResponse, err)
	require.False(spent[tkt.Hash()], "a rejected ticket is not spent")
}

func TestRedeemLosing(t *testing.T) {
	require := require.New(t)

	chain, err := commitment.NewChain(rand.Reader, 4)
	require.NoError(err)
	issuer := newTestIssuer(require)
	channel := newTestChannel(require, chain)
	spent := make(memSpent)

	// A vanishing winning probability: the lottery draw loses.
	challenge, resp := newResolvedChallenge(require)
	tkt, err := issuer.Issue(channel, challenge, 1e-18, 10)
	require.NoError(err)

	opening, err := chain.PeekNext()
	require.NoError(err)

	_, err = Redeem(tkt, resp, opening, channel, spent)
	require.Equal(ErrNotWinning, err)
	require.False(spent[tkt.Hash()], "a losing ticket is not spent")
}

func TestRedeemInvalidOpening(t *testing.T) {
	require := require.New(t)

	chain, err := commitment.NewChain(rand.Reader, 4)
	require.NoError(err)
	issuer := newTestIssuer(require)
	channel := newTestChannel(require, chain)

	challenge, resp := newResolvedChallenge(require)
	tkt, err := issuer.Issue(channel, challenge, 1.0, 10)
	require.NoError(err)

	var bogus commitment.Opening
	_, err = rand.Reader.Read(bogus[:])
	require.NoError(err)

	_, err = Redeem(tkt, resp, &bogus, channel, make(memSpent))
	require.Equal(ErrInvalidOpening, err)
}

func TestRedeemEpochMismatchAfterReseed(t *testing.T) {
	require := require.New(t)

	chain, err := commitment.NewChain(rand.Reader, 4)
	require.NoError(err)
	issuer := newTestIssuer(require)
	channel := newTestChannel(require, chain)

	challenge, resp := newResolvedChallenge(require)
	tkt, err := issuer.Issue(channel, challenge, 1.0, 10)
	require.NoError(err)

	// The recipient reseeds; the channel view follows; the old ticket is
	// void even with a perfectly valid opening for the new chain.
	newHead, err := chain.Reseed(rand.Reader, 4)
	require.NoError(err)
	channel.Epoch = chain.Epoch()
	channel.PublishedHead = [ledger.HeadLength]byte(newHead)

	opening, err := chain.PeekNext()
	require.NoError(err)

	_, err = Redeem(tkt, resp, opening, channel, make(memSpent))
	require.Equal(ErrEpochMismatch, err)
}
