// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package por implements the proof-of-relay challenge/response scheme that
// couples packet forwarding to payment eligibility.
//
// Every value is derived deterministically from the per-hop shared secrets
// established during packet construction.  A hop's challenge binds that
// hop's own key share to the acknowledgement key share of its successor, so
// the hop cannot finish the response before the successor confirms receipt,
// and the ticket issuer cannot predict the response at issuance time.
package por

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/hpqc/hash"
)

const (
	// ShareLength is the length of a proof-of-relay key share in bytes.
	ShareLength = 32

	// ChallengeLength is the length of a public relay challenge in bytes.
	ChallengeLength = 32

	// ResponseLength is the length of a relay challenge response in bytes.
	ResponseLength = 32

	ownShareInfo = "mixtoll-por-v0-own-share"
	ackShareInfo = "mixtoll-por-v0-ack-share"
)

var challengeTag = []byte("mixtoll-por-v0-challenge")

// Share is one half of the key material a response is derived from.
type Share [ShareLength]byte

// Challenge is the public per-hop relay challenge embedded in a packet.
type Challenge [ChallengeLength]byte

// Response is the secret a relay reconstructs once its successor has
// acknowledged the forwarded packet.  It doubles as the proof-of-relay
// secret fed into the ticket lottery.
type Response [ResponseLength]byte

// OwnShare derives the hop-owned key share from a per-hop shared secret.
func OwnShare(secret []byte) *Share {
	return expandShare(secret, ownShareInfo)
}

// AckShare derives the acknowledgement key share from a per-hop shared
// secret.  A hop emits this value upstream upon successfully processing a
// packet; it completes the predecessor's response.
func AckShare(secret []byte) *Share {
	return expandShare(secret, ackShareInfo)
}

// DeriveResponse combines a hop's own share with the successor's
// acknowledgement share into the response secret.
func DeriveResponse(own, ack *Share) *Response {
	b := make([]byte, 0, ShareLength*2)
	b = append(b, own[:]...)
	b = append(b, ack[:]...)
	r := Response(hash.Sum256(b))
	return &r
}

// ChallengeFromResponse computes the public challenge a response verifies
// against.
func ChallengeFromResponse(r *Response) *Challenge {
	b := make([]byte, 0, len(challengeTag)+ResponseLength)
	b = append(b, challengeTag...)
	b = append(b, r[:]...)
	c := Challenge(hash.Sum256(b))
	return &c
}

// EmbedChallenge derives the challenge to embed for a hop, given the hop's
// shared secret and the successor hop's shared secret.  It also returns the
// hop's own share, which the sender retains for bookkeeping.
func EmbedChallenge(secret, nextSecret []byte) (*Challenge, *Share) {
	own := OwnShare(secret)
	resp := DeriveResponse(own, AckShare(nextSecret))
	return ChallengeFromResponse(resp), own
}

// ExpectedResponse precomputes the response a hop will eventually be able to
// derive.  Only the packet's creator, who knows both shared secrets, can
// call this.
func ExpectedResponse(secret, nextSecret []byte) *Response {
	return DeriveResponse(OwnShare(secret), AckShare(nextSecret))
}

// VerifyResponse returns true iff the response satisfies the challenge.
// It is pure and involves no network interaction.
func VerifyResponse(c *Challenge, r *Response) bool {
	derived := ChallengeFromResponse(r)
	return subtle.ConstantTimeCompare(c[:], derived[:]) == 1
}

func expandShare(secret []byte, info string) *Share {
	r := hkdf.Expand(sha256.New, secret, []byte(info))
	s := new(Share)
	if _, err := io.ReadFull(r, s[:]); err != nil {
		panic("por: hkdf entropy exhausted: " + err.Error())
	}
	return s
}
