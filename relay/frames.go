// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/mixtoll/mixtoll/core/por"
	"github.com/mixtoll/mixtoll/core/sphinx/geo"
)

const (
	frameTypeRelay frameType = 1
	frameTypeAck   frameType = 2

	// frameOverhead bounds everything a frame carries beyond the packet:
	// the cbor envelope and the ticket.
	frameOverhead = 512
)

var errInvalidFrame = errors.New("relay: invalid frame")

type frameType uint8

// wireFrame is the cbor envelope shared by both frame types.  Unused fields
// are omitted on the wire.
type wireFrame struct {
	Type   frameType `cbor:"type"`
	Packet []byte    `cbor:"packet,omitempty"`
	Ticket []byte    `cbor:"ticket,omitempty"`
	ID     []byte    `cbor:"id,omitempty"`
	Share  []byte    `cbor:"share,omitempty"`
}

// RelayFrame carries one packet and, unless the receiving hop is the final
// recipient, the serialized payment ticket bound to it.
type RelayFrame struct {
	Packet []byte
	Ticket []byte
}

// Marshal serializes the frame.
func (f *RelayFrame) Marshal() ([]byte, error) {
	return cbor.Marshal(&wireFrame{
		Type:   frameTypeRelay,
		Packet: f.Packet,
		Ticket: f.Ticket,
	})
}

// AckFrame is the upstream acknowledgement for one forwarded packet.  It
// carries the acknowledging hop's key share, which completes the upstream
// hop's challenge response.
type AckFrame struct {
	ID    por.ID
	Share por.Share
}

// Marshal serializes the frame.
func (f *AckFrame) Marshal() ([]byte, error) {
	return cbor.Marshal(&wireFrame{
		Type:  frameTypeAck,
		ID:    f.ID[:],
		Share: f.Share[:],
	})
}

// MaxFrameSize returns the ingest size bound for frames under the given
// packet geometry.
func MaxFrameSize(g *geo.Geometry) int {
	return g.PacketLength + frameOverhead
}

// decodeFrame parses and validates a raw frame.  It returns either a
// *RelayFrame or an *AckFrame.
func decodeFrame(b []byte, g *geo.Geometry) (interface{}, error) {
	if len(b) > MaxFrameSize(g) {
		return nil, errInvalidFrame
	}

	w := new(wireFrame)
	if err := cbor.Unmarshal(b, w); err != nil {
		return nil, errInvalidFrame
	}

	switch w.Type {
	case frameTypeRelay:
		if len(w.Packet) != g.PacketLength || len(w.ID) != 0 || len(w.Share) != 0 {
			return nil, errInvalidFrame
		}
		return &RelayFrame{
			Packet: w.Packet,
			Ticket: w.Ticket,
		}, nil
	case frameTypeAck:
		if len(w.ID) != por.IDLength || len(w.Share) != por.ShareLength {
			return nil, errInvalidFrame
		}
		if len(w.Packet) != 0 || len(w.Ticket) != 0 {
			return nil, errInvalidFrame
		}
		f := new(AckFrame)
		copy(f.ID[:], w.ID)
		copy(f.Share[:], w.Share)
		return f, nil
	default:
		return nil, errInvalidFrame
	}
}
