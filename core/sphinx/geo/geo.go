// SPDX-FileCopyrightText: Copyright (C) 2017 Yawning Angel
// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package geo describes the geometry of a mixtoll packet.  The geometry is
// a function of the NIKE scheme, the maximum hop count and the payload
// length, and is identical for every packet regardless of the actual path
// length, so that packet size leaks nothing about a packet's position on
// its path.
package geo

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/schemes"
)

const (
	// NodeIDLength is the node identifier length in bytes.
	NodeIDLength = 32

	// RecipientIDLength is the terminal recipient identifier length in bytes.
	RecipientIDLength = 32

	// ChallengeLength is the length of a per-hop relay challenge in bytes.
	ChallengeLength = 32

	// MACLength is the tag length of the header MAC in bytes.
	MACLength = 16

	adLength = 2

	// payloadTagLength is the length of the packet payload SPRP tag.
	payloadTagLength = 32
)

// Geometry describes the geometry of a packet.
type Geometry struct {

	// PacketLength is the length of a packet.
	PacketLength int

	// MaxHops is the maximum number of hops, which determines the size
	// of the packet header.
	MaxHops int

	// HeaderLength is the length of the packet header in bytes.
	HeaderLength int

	// RoutingInfoLength is the length of the routing info portion of the
	// header.
	RoutingInfoLength int

	// PerHopRoutingInfoLength is the length of the per hop routing info.
	PerHopRoutingInfoLength int

	// PayloadTagLength is the length of the payload tag.
	PayloadTagLength int

	// ForwardPayloadLength is the size of the payload.
	ForwardPayloadLength int

	// NodeIDLength is the node identifier length in bytes.
	NodeIDLength int

	// RecipientIDLength is the recipient identifier length in bytes.
	RecipientIDLength int

	// ChallengeLength is the relay challenge length in bytes.
	ChallengeLength int

	// NextNodeHopLength is the serialized length of a next_node_hop
	// routing command.
	NextNodeHopLength int

	// RelayChallengeLength is the serialized length of a relay_challenge
	// routing command.
	RelayChallengeLength int

	// NextChallengeLength is the serialized length of a next_challenge
	// routing command.
	NextChallengeLength int

	// RecipientLength is the serialized length of a recipient routing
	// command.
	RecipientLength int

	// NIKEName is the name of the NIKE scheme used by the packet format.
	NIKEName string
}

type geometryFactory struct {
	nike                 nike.Scheme
	maxHops              int
	forwardPayloadLength int
}

func (f *geometryFactory) perHopRoutingInfoLength() int {
	// Sized off the largest per-hop routing block: a non-terminal hop
	// carries a NextNodeHop, a RelayChallenge and a NextChallenge.  A
	// terminal hop carries only a Recipient, which is strictly shorter.
	return nextNodeHopLength() + relayChallengeLength() + nextChallengeLength()
}

func (f *geometryFactory) routingInfoLength() int {
	return f.perHopRoutingInfoLength() * f.maxHops
}

func (f *geometryFactory) headerLength() int {
	return adLength + f.nike.PublicKeySize() + f.routingInfoLength() + MACLength
}

func (f *geometryFactory) packetLength() int {
	return f.headerLength() + payloadTagLength + f.forwardPayloadLength
}

func nextNodeHopLength() int {
	return 1 + NodeIDLength + MACLength
}

func relayChallengeLength() int {
	return 1 + ChallengeLength
}

func nextChallengeLength() int {
	return 1 + ChallengeLength
}

func recipientLength() int {
	return 1 + RecipientIDLength
}

// NewGeometry computes the geometry for the given NIKE scheme, maximum hop
// count and forward payload length.
func NewGeometry(scheme nike.Scheme, maxHops, forwardPayloadLength int) *Geometry {
	f := &geometryFactory{
		nike:                 scheme,
		maxHops:              maxHops,
		forwardPayloadLength: forwardPayloadLength,
	}
	return &Geometry{
		PacketLength:            f.packetLength(),
		MaxHops:                 maxHops,
		HeaderLength:            f.headerLength(),
		RoutingInfoLength:       f.routingInfoLength(),
		PerHopRoutingInfoLength: f.perHopRoutingInfoLength(),
		PayloadTagLength:        payloadTagLength,
		ForwardPayloadLength:    forwardPayloadLength,
		NodeIDLength:            NodeIDLength,
		RecipientIDLength:       RecipientIDLength,
		ChallengeLength:         ChallengeLength,
		NextNodeHopLength:       nextNodeHopLength(),
		RelayChallengeLength:    relayChallengeLength(),
		NextChallengeLength:     nextChallengeLength(),
		RecipientLength:         recipientLength(),
		NIKEName:                scheme.Name(),
	}
}

// Scheme returns the NIKE scheme named by the geometry.
func (g *Geometry) Scheme() (nike.Scheme, error) {
	s := schemes.ByName(g.NIKEName)
	if s == nil {
		return nil, fmt.Errorf("geo: unknown NIKE scheme: %s", g.NIKEName)
	}
	return s, nil
}

// Validate returns an error if the geometry is internally inconsistent.
func (g *Geometry) Validate() error {
	if g == nil {
		return errors.New("geo: geometry is nil")
	}
	if g.NIKEName == "" {
		return errors.New("geo: NIKE scheme not set")
	}
	s, err := g.Scheme()
	if err != nil {
		return err
	}
	if g.MaxHops < 1 {
		return errors.New("geo: invalid MaxHops")
	}
	if g.ForwardPayloadLength < 1 {
		return errors.New("geo: invalid ForwardPayloadLength")
	}
	if g.PerHopRoutingInfoLength != nextNodeHopLength()+relayChallengeLength()+nextChallengeLength() {
		return errors.New("geo: invalid PerHopRoutingInfoLength")
	}
	if g.RoutingInfoLength != g.PerHopRoutingInfoLength*g.MaxHops {
		return errors.New("geo: invalid RoutingInfoLength")
	}
	if g.HeaderLength != adLength+s.PublicKeySize()+g.RoutingInfoLength+MACLength {
		return errors.New("geo: invalid HeaderLength")
	}
	if g.PacketLength != g.HeaderLength+g.PayloadTagLength+g.ForwardPayloadLength {
		return errors.New("geo: invalid PacketLength")
	}
	return nil
}

func (g *Geometry) String() string {
	var b strings.Builder
	b.WriteString("packet_geometry:\n")
	b.WriteString(fmt.Sprintf("packet size: %d\n", g.PacketLength))
	b.WriteString(fmt.Sprintf("max hops: %d\n", g.MaxHops))
	b.WriteString(fmt.Sprintf("header size: %d\n", g.HeaderLength))
	b.WriteString(fmt.Sprintf("forward payload size: %d\n", g.ForwardPayloadLength))
	b.WriteString(fmt.Sprintf("payload tag size: %d\n", g.PayloadTagLength))
	b.WriteString(fmt.Sprintf("routing info size: %d\n", g.RoutingInfoLength))
	b.WriteString(fmt.Sprintf("NIKE: %s\n", g.NIKEName))
	return b.String()
}

// Display returns the geometry as a TOML document fragment.
func (g *Geometry) Display() string {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(g); err != nil {
		panic(err)
	}
	return buf.String()
}
