// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ticket implements the probabilistic payment ticket lottery.
//
// A ticket is a conditional payment claim a relay's predecessor attaches to
// one forwarded packet.  Whether a ticket pays out depends on a hash over
// the ticket, the proof-of-relay secret and the recipient's commitment
// opening.  Neither entropy input is known to the issuer at issuance time,
// and the recipient cannot pick the opening after seeing the secret without
// an on-chain reveal checked against the pre-published commitment, so
// neither side can turn a losing ticket into a winner after the fact.
package ticket

import (
	"errors"
	"math"
	"math/big"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"

	"github.com/mixtoll/mixtoll/core/commitment"
	"github.com/mixtoll/mixtoll/core/ledger"
	"github.com/mixtoll/mixtoll/core/por"
)

var (
	// ErrInvalidProbability is returned for winning probabilities outside
	// (0, 1].
	ErrInvalidProbability = errors.New("ticket: probability outside (0, 1]")

	// ErrInsufficientBalance is returned when a ticket's amount exceeds
	// the channel's available stake.
	ErrInsufficientBalance = errors.New("ticket: amount exceeds channel balance")

	// ErrEpochMismatch is returned when a ticket's recorded epoch no
	// longer matches the channel's on-chain epoch.
	ErrEpochMismatch = errors.New("ticket: channel epoch advanced past ticket")

	// ErrNotWinning is returned when a ticket loses the lottery.
	ErrNotWinning = errors.New("ticket: not a winning ticket")

	// ErrTicketSpent is returned on double redemption attempts.
	ErrTicketSpent = errors.New("ticket: already redeemed")

	// ErrBadSignature is returned when a ticket's issuer signature does
	// not verify.
	ErrBadSignature = errors.New("ticket: invalid issuer signature")

	// ErrInvalidOpening is returned when the presented commitment opening
	// does not match the channel's published head.
	ErrInvalidOpening = errors.New("ticket: opening does not match published head")

	// ErrInvalidResponse is returned when the presented proof-of-relay
	// secret does not resolve the ticket's challenge.
	ErrInvalidResponse = errors.New("ticket: response does not resolve challenge")
)

// ThresholdLength is the length of the winning-probability threshold in
// bytes.
const ThresholdLength = 32

// Ticket is a probabilistic payment claim bound to exactly one packet.
type Ticket struct {
	// ChannelID names the payment channel the claim draws on.
	ChannelID ledger.ChannelID `cbor:"channel_id"`

	// Epoch is the channel's commitment epoch at issuance.  A reseed
	// voids the ticket.
	Epoch uint64 `cbor:"epoch"`

	// Amount is the payout in base units if the ticket wins.
	Amount uint64 `cbor:"amount"`

	// Threshold is the winning-probability threshold as a big-endian
	// 256-bit value; the lottery hash must fall below it to win.
	Threshold [ThresholdLength]byte `cbor:"threshold"`

	// Challenge is the proof-of-relay challenge binding the ticket to
	// packet-specific randomness.
	Challenge por.Challenge `cbor:"challenge"`

	// Signature is the issuer's signature over all of the above.
	Signature []byte `cbor:"signature,omitempty"`
}

type ticketBody struct {
	ChannelID ledger.ChannelID      `cbor:"channel_id"`
	Epoch     uint64                `cbor:"epoch"`
	Amount    uint64                `cbor:"amount"`
	Threshold [ThresholdLength]byte `cbor:"threshold"`
	Challenge por.Challenge         `cbor:"challenge"`
}

func (t *Ticket) bodyBytes() []byte {
	b, err := cbor.Marshal(&ticketBody{
		ChannelID: t.ChannelID,
		Epoch:     t.Epoch,
		Amount:    t.Amount,
		Threshold: t.Threshold,
		Challenge: t.Challenge,
	})
	if err != nil {
		panic("ticket: cbor marshal failure: " + err.Error())
	}
	return b
}

// Hash returns the ticket hash, computed over the canonical serialization
// sans signature.
func (t *Ticket) Hash() [32]byte {
	return hash.Sum256(t.bodyBytes())
}

// Marshal serializes the ticket, signature included.
func (t *Ticket) Marshal() ([]byte, error) {
	return cbor.Marshal(t)
}

// Unmarshal deserializes a ticket.
func Unmarshal(b []byte) (*Ticket, error) {
	t := new(Ticket)
	if err := cbor.Unmarshal(b, t); err != nil {
		return nil, err
	}
	return t, nil
}

// thresholdFromProbability maps p in (0, 1] to floor(p * 2^256), saturated
// at 2^256-1 so that p == 1 wins on every hash value.
func thresholdFromProbability(p float64) ([ThresholdLength]byte, error) {
	var out [ThresholdLength]byte
	if p <= 0 || p > 1 || math.IsNaN(p) {
		return out, ErrInvalidProbability
	}

	one := new(big.Int).Lsh(big.NewInt(1), 256)
	f := new(big.Float).SetPrec(300).SetFloat64(p)
	f.Mul(f, new(big.Float).SetPrec(300).SetInt(one))
	thr, _ := f.Int(nil)
	max := new(big.Int).Sub(one, big.NewInt(1))
	if thr.Cmp(max) > 0 {
		thr = max
	}
	thr.FillBytes(out[:])
	return out, nil
}

func isSaturated(thr *[ThresholdLength]byte) bool {
	for _, b := range thr {
		if b != 0xff {
			return false
		}
	}
	return true
}

// Issuer signs tickets drawn against channels it funds.
type Issuer struct {
	scheme sign.Scheme
	priv   sign.PrivateKey
	pub    sign.PublicKey
}

// NewIssuer creates an Issuer from a signing key pair.
func NewIssuer(scheme sign.Scheme, pub sign.PublicKey, priv sign.PrivateKey) *Issuer {
	return &Issuer{
		scheme: scheme,
		priv:   priv,
		pub:    pub,
	}
}

// PublicKey returns the issuer's verification key.
func (i *Issuer) PublicKey() sign.PublicKey {
	return i.pub
}

// Issue creates and signs a ticket against the given channel, bound to the
// given relay challenge.
func (i *Issuer) Issue(channel *ledger.ChannelState, challenge *por.Challenge, probability float64, amount uint64) (*Ticket, error) {
	thr, err := thresholdFromProbability(probability)
	if err != nil {
		return nil, err
	}
	if amount > channel.Balance {
		return nil, ErrInsufficientBalance
	}

	t := &Ticket{
		ChannelID: channel.ID,
		Epoch:     channel.Epoch,
		Amount:    amount,
		Threshold: thr,
		Challenge: *challenge,
	}
	t.Signature = i.scheme.Sign(i.priv, t.bodyBytes(), nil)
	return t, nil
}

// Verify checks a received ticket's issuer signature and its consistency
// with the current channel state.  Relays call this before forwarding; a
// ticket that fails here is worthless and the packet is dropped.
func Verify(issuerPub sign.PublicKey, t *Ticket, channel *ledger.ChannelState) error {
	if !issuerPub.Scheme().Verify(issuerPub, t.bodyBytes(), t.Signature, nil) {
		return ErrBadSignature
	}
	if t.Epoch != channel.Epoch {
		return ErrEpochMismatch
	}
	if t.Amount > channel.Balance {
		return ErrInsufficientBalance
	}
	return nil
}

// IsWinning evaluates the ticket lottery: the ticket wins iff
// hash(ticketHash || porSecret || opening) falls below the ticket's
// threshold.  The check is deterministic given its inputs and involves no
// network interaction.
func IsWinning(t *Ticket, porSecret *por.Response, opening *commitment.Opening) bool {
	th := t.Hash()
	b := make([]byte, 0, len(th)+por.ResponseLength+commitment.OpeningLength)
	b = append(b, th[:]...)
	b = append(b, porSecret[:]...)
	b = append(b, opening[:]...)
	h := hash.Sum256(b)

	if isSaturated(&t.Threshold) {
		return true
	}
	return new(big.Int).SetBytes(h[:]).Cmp(new(big.Int).SetBytes(t.Threshold[:])) < 0
}

// SpentSet tracks redeemed tickets so a ticket can be redeemed at most
// once.  *commitment.Store satisfies it.
type SpentSet interface {
	IsSpent(ticketHash [32]byte) bool
	MarkSpent(ticketHash [32]byte) error
}

// Redeem evaluates a ticket for redemption and, if it wins, emits the
// on-chain redemption request and marks the ticket spent.  The presented
// proof-of-relay secret must resolve the ticket's challenge.  Typed errors
// report epoch mismatches, lost lotteries and double redemptions; the
// policy layer decides what, if anything, to retry with a new ticket.
func Redeem(t *Ticket, porSecret *por.Response, opening *commitment.Opening, channel *ledger.ChannelState, spent SpentSet) (*ledger.RedemptionRequest, error) {
	if t.Epoch != channel.Epoch {
		return nil, ErrEpochMismatch
	}
	if !por.VerifyResponse(&t.Challenge, porSecret) {
		return nil, ErrInvalidResponse
	}
	th := t.Hash()
	if spent.IsSpent(th) {
		return nil, ErrTicketSpent
	}
	var head commitment.Opening
	copy(head[:], channel.PublishedHead[:])
	if !commitment.Verify(opening, &head) {
		return nil, ErrInvalidOpening
	}
	if !IsWinning(t, porSecret, opening) {
		return nil, ErrNotWinning
	}

	blob, err := t.Marshal()
	if err != nil {
		return nil, err
	}
	if err = spent.MarkSpent(th); err != nil {
		return nil, err
	}

	req := &ledger.RedemptionRequest{
		ChannelID: t.ChannelID,
		Ticket:    blob,
	}
	copy(req.Opening[:], opening[:])
	return req, nil
}
