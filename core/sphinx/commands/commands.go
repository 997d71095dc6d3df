// SPDX-FileCopyrightText: Copyright (C) 2017 Yawning Angel
// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package commands implements the per-hop routing info commands of the
// mixtoll packet format.
package commands

import (
	"errors"

	"github.com/katzenpost/core/utils"

	"github.com/mixtoll/mixtoll/core/sphinx/geo"
)

const (
	null           commandID = 0x00
	nextNodeHop    commandID = 0x01
	recipient      commandID = 0x02
	relayChallenge commandID = 0x03
	nextChallenge  commandID = 0x04
)

var errInvalidCommand = errors.New("sphinx: invalid per-hop command")

type commandID byte

// RoutingCommand is the common interface exposed by all per-hop routing
// command structures.
type RoutingCommand interface {
	// ToBytes appends the serialized command to slice b, and returns the
	// resulting slice.
	ToBytes(b []byte) []byte
}

// FromBytes deserializes the first per-hop routing command in the buffer b,
// returning a RoutingCommand and the remaining bytes (if any), or an error.
func FromBytes(b []byte, g *geo.Geometry) (cmd RoutingCommand, rest []byte, err error) {
	if len(b) == 0 {
		// Treat a 0 length command as a null command.
		return
	}

	id := b[0]
	if len(b) == 1 {
		// null can have 0 body, and requires special handling.
		if commandID(id) != null {
			err = errInvalidCommand
		}
		return
	}
	b = b[1:]

	switch commandID(id) {
	case null:
		// The null command, being the terminal command, is a special case.
		if len(b) > 0 {
			if !utils.CtIsZero(b) {
				err = errInvalidCommand
				return
			}
		}
	case nextNodeHop:
		cmd, rest, err = nextNodeHopFromBytes(b, g)
	case recipient:
		cmd, rest, err = recipientFromBytes(b, g)
	case relayChallenge:
		cmd, rest, err = relayChallengeFromBytes(b, g)
	case nextChallenge:
		cmd, rest, err = nextChallengeFromBytes(b, g)
	default:
		err = errInvalidCommand
	}
	return
}

// NextNodeHop is a de-serialized next_node_hop command.
type NextNodeHop struct {
	ID  [geo.NodeIDLength]byte
	MAC [geo.MACLength]byte
}

// ToBytes appends the serialized NextNodeHop to slice b, and returns the
// resulting slice.
func (cmd *NextNodeHop) ToBytes(b []byte) []byte {
	b = append(b, byte(nextNodeHop))
	b = append(b, cmd.ID[:]...)
	b = append(b, cmd.MAC[:]...)
	return b
}

func nextNodeHopFromBytes(b []byte, g *geo.Geometry) (cmd RoutingCommand, rest []byte, err error) {
	if len(b) < g.NextNodeHopLength-1 {
		err = errInvalidCommand
		return
	}
	rest = b[g.NextNodeHopLength-1:]

	r := new(NextNodeHop)
	copy(r.ID[:], b[:g.NodeIDLength])
	copy(r.MAC[:], b[g.NodeIDLength:])
	cmd = r
	return
}

// Recipient is a de-serialized recipient command.
type Recipient struct {
	ID [geo.RecipientIDLength]byte
}

// ToBytes appends the serialized Recipient to slice b, and returns the
// resulting slice.
func (cmd *Recipient) ToBytes(b []byte) []byte {
	b = append(b, byte(recipient))
	b = append(b, cmd.ID[:]...)
	return b
}

func recipientFromBytes(b []byte, g *geo.Geometry) (cmd RoutingCommand, rest []byte, err error) {
	if len(b) < g.RecipientLength-1 {
		err = errInvalidCommand
		return
	}
	rest = b[g.RecipientLength-1:]

	r := new(Recipient)
	copy(r.ID[:], b[:g.RecipientIDLength])
	cmd = r
	return
}

// RelayChallenge is a de-serialized relay_challenge command.  It carries the
// public proof-of-relay challenge the hop's payment ticket is bound to.
type RelayChallenge struct {
	Challenge [geo.ChallengeLength]byte
}

// ToBytes appends the serialized RelayChallenge to slice b, and returns the
// resulting slice.
func (cmd *RelayChallenge) ToBytes(b []byte) []byte {
	b = append(b, byte(relayChallenge))
	b = append(b, cmd.Challenge[:]...)
	return b
}

func relayChallengeFromBytes(b []byte, g *geo.Geometry) (cmd RoutingCommand, rest []byte, err error) {
	if len(b) < g.RelayChallengeLength-1 {
		err = errInvalidCommand
		return
	}
	rest = b[g.RelayChallengeLength-1:]

	r := new(RelayChallenge)
	copy(r.Challenge[:], b[:g.ChallengeLength])
	cmd = r
	return
}

// NextChallenge is a de-serialized next_challenge command.  It carries the
// proof-of-relay challenge the hop must bind into the ticket it issues when
// forwarding.  It is absent when the successor hop is the final recipient,
// which earns no ticket.
type NextChallenge struct {
	Challenge [geo.ChallengeLength]byte
}

// ToBytes appends the serialized NextChallenge to slice b, and returns the
// resulting slice.
func (cmd *NextChallenge) ToBytes(b []byte) []byte {
	b = append(b, byte(nextChallenge))
	b = append(b, cmd.Challenge[:]...)
	return b
}

func nextChallengeFromBytes(b []byte, g *geo.Geometry) (cmd RoutingCommand, rest []byte, err error) {
	if len(b) < g.NextChallengeLength-1 {
		err = errInvalidCommand
		return
	}
	rest = b[g.NextChallengeLength-1:]

	r := new(NextChallenge)
	copy(r.Challenge[:], b[:g.ChallengeLength])
	cmd = r
	return
}
