// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ledger defines the interface boundary to the on-chain payment
// channel and stake state.  The contract execution environment itself lives
// outside the relay core; this package only carries the read-only views the
// core consumes and the intents it emits.
package ledger

import (
	"encoding/hex"
	"errors"
)

// NodeID identifies a relay node on chain.
type NodeID [32]byte

// String returns the hex representation of the node identifier.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// ChannelID identifies a payment channel on chain.
type ChannelID [32]byte

// String returns the hex representation of the channel identifier.
func (c ChannelID) String() string {
	return hex.EncodeToString(c[:])
}

// HeadLength is the length of a published commitment head in bytes.
const HeadLength = 32

// ErrChannelNotFound is returned for lookups on channels the ledger does
// not know about.
var ErrChannelNotFound = errors.New("ledger: channel not found")

// ChannelState is the read-only view of one directed payment channel.
type ChannelState struct {
	// ID is the channel identifier.
	ID ChannelID

	// Source is the funding party, the ticket issuer side.
	Source NodeID

	// Destination is the counterparty, the ticket recipient side.
	Destination NodeID

	// Balance is the stake available to back tickets, in base units.
	Balance uint64

	// Epoch is the running commitment epoch.  Tickets recorded under an
	// older epoch are void.
	Epoch uint64

	// PublishedHead is the destination's current on-chain commitment
	// head.
	PublishedHead [HeadLength]byte
}

// Reader is the read-only channel and stake state the core consumes.
// Implementations may serve an arbitrarily stale snapshot; the core
// tolerates staleness by construction.
type Reader interface {
	// Channel returns the state of the identified channel.
	Channel(id ChannelID) (*ChannelState, error)

	// ChannelsFrom returns all open channels funded by the given node.
	ChannelsFrom(node NodeID) []*ChannelState

	// StakeOf returns the given node's own stake, in base units.
	StakeOf(node NodeID) uint64
}

// RedemptionRequest is the intent to redeem a winning ticket on chain.
type RedemptionRequest struct {
	ChannelID ChannelID

	// Ticket is the serialized ticket being redeemed.
	Ticket []byte

	// Opening is the commitment chain preimage authorizing redemption.
	Opening [HeadLength]byte
}

// CommitmentPublication is the intent to publish a new commitment head,
// either at channel setup or on reseed.
type CommitmentPublication struct {
	ChannelID ChannelID
	Head      [HeadLength]byte
}

// Submitter consumes the intents the core emits toward the chain.
type Submitter interface {
	SubmitRedemption(*RedemptionRequest) error
	PublishCommitment(*CommitmentPublication) error
}

// EventKind enumerates channel lifecycle events.
type EventKind uint8

const (
	// EventOpened signals a channel came into existence.
	EventOpened EventKind = iota

	// EventClosed signals a channel was settled and removed.
	EventClosed

	// EventBalanceChanged signals a channel's balance moved.
	EventBalanceChanged
)

// Event is a channel lifecycle notification, consumed by the path selector
// to refresh its view.
type Event struct {
	Kind    EventKind
	Channel ChannelState
}
