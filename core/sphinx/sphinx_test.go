// SPDX-FileCopyrightText: Copyright (C) 2017 Yawning Angel
// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"

	"github.com/mixtoll/mixtoll/core/por"
	"github.com/mixtoll/mixtoll/core/sphinx/geo"
)

type nodeParams struct {
	id         [geo.NodeIDLength]byte
	privateKey nike.PrivateKey
	publicKey  nike.PublicKey
}

func newNode(require *require.Assertions, scheme nike.Scheme) *nodeParams {
	n := new(nodeParams)
	_, err := rand.Reader.Read(n.id[:])
	require.NoError(err, "newNode: failed to generate ID")
	n.publicKey, n.privateKey, err = scheme.GenerateKeyPair()
	require.NoError(err, "newNode: failed to generate key pair")
	return n
}

func newPathVector(require *require.Assertions, scheme nike.Scheme, nrHops int) ([]*nodeParams, []*PathHop) {
	nodes := make([]*nodeParams, nrHops)
	for i := range nodes {
		nodes[i] = newNode(require, scheme)
	}

	path := make([]*PathHop, nrHops)
	for i := range path {
		path[i] = &PathHop{
			ID:        nodes[i].id,
			PublicKey: nodes[i].publicKey,
		}
	}
	return nodes, path
}

func TestForwardPacket(t *testing.T) {
	g := DefaultGeometry()
	c, err := NewCodec(g)
	require.NoError(t, err)

	for nrHops := 1; nrHops <= g.MaxHops; nrHops++ {
		t.Logf("Testing %d hop(s).", nrHops)
		testForwardPacket(t, c, nrHops)
	}
}

func testForwardPacket(t *testing.T, c *Codec, nrHops int) {
	require := require.New(t)
	g := c.Geometry()
	scheme, err := g.Scheme()
	require.NoError(err)

	nodes, path := newPathVector(require, scheme, nrHops)

	var recipient [geo.RecipientIDLength]byte
	_, err = rand.Reader.Read(recipient[:])
	require.NoError(err)

	payload := make([]byte, g.ForwardPayloadLength)
	copy(payload, []byte("It is the stillest words that bring on the storm."))

	pkt, sender, err := c.NewPacket(rand.Reader, path, recipient, payload)
	require.NoError(err, "NewPacket failed")
	require.Equal(g.PacketLength, len(pkt), "Packet Length")
	require.Equal(nrHops, len(sender.SharedSecrets))
	require.Equal(nrHops, len(sender.Challenges))
	require.Nil(sender.Challenges[nrHops-1], "terminal hop must have no challenge")

	results := make([]*UnwrapResult, nrHops)
	for i := range nodes {
		res, err := c.Unwrap(nodes[i].privateKey, pkt)
		require.NoErrorf(err, "Hop %d: Unwrap failed", i)
		results[i] = res

		require.Equal(por.OwnShare(sender.SharedSecrets[i])[:], res.OwnShare[:], "Hop %d: own share", i)
		require.Equal(por.AckShare(sender.SharedSecrets[i])[:], res.AckShare[:], "Hop %d: ack share", i)

		if i == nrHops-1 {
			require.Nil(res.NextHop, "Terminal hop: NextHop")
			require.Nil(res.Challenge, "Terminal hop: Challenge")
			require.NotNil(res.Recipient, "Terminal hop: Recipient")
			require.Equal(recipient[:], res.Recipient.ID[:], "Terminal hop: recipient ID")
			require.Equal(payload, res.Payload, "Terminal hop: payload")
			continue
		}

		require.NotNil(res.NextHop, "Hop %d: NextHop", i)
		require.Equal(nodes[i+1].id[:], res.NextHop.ID[:], "Hop %d: next hop ID", i)
		require.NotNil(res.Challenge, "Hop %d: Challenge", i)
		require.Equal(sender.Challenges[i][:], res.Challenge.Challenge[:], "Hop %d: challenge", i)
		require.Nil(res.Payload, "Hop %d: payload", i)

		if i == nrHops-2 {
			require.Nil(res.NextChallenge, "Hop %d: NextChallenge before terminal", i)
		} else {
			require.NotNil(res.NextChallenge, "Hop %d: NextChallenge", i)
			require.Equal(sender.Challenges[i+1][:], res.NextChallenge.Challenge[:], "Hop %d: next challenge", i)
		}

		pkt = res.Packet
		require.Equal(c.Geometry().PacketLength, len(pkt), "Hop %d: forwarded packet length", i)
	}

	// Every hop's challenge resolves from its own share and the successor's
	// acknowledgement share, and only from those.
	for i := 0; i < nrHops-1; i++ {
		challenge := por.Challenge(results[i].Challenge.Challenge)
		resp := por.DeriveResponse(&results[i].OwnShare, &results[i+1].AckShare)
		require.True(por.VerifyResponse(&challenge, resp), "Hop %d: response must verify", i)

		resp = por.DeriveResponse(&results[i].OwnShare, &results[i].AckShare)
		require.False(por.VerifyResponse(&challenge, resp), "Hop %d: own ack share must not resolve", i)
	}
}

func TestUnwrapTampered(t *testing.T) {
	require := require.New(t)

	g := DefaultGeometry()
	c, err := NewCodec(g)
	require.NoError(err)
	scheme, err := g.Scheme()
	require.NoError(err)

	nodes, path := newPathVector(require, scheme, 3)
	var recipient [geo.RecipientIDLength]byte
	payload := make([]byte, g.ForwardPayloadLength)

	pkt, _, err := c.NewPacket(rand.Reader, path, recipient, payload)
	require.NoError(err)

	// A single flipped header bit must fail the MAC.
	mangled := append([]byte{}, pkt...)
	mangled[g.HeaderLength/2] ^= 0x01
	_, err = c.Unwrap(nodes[0].privateKey, mangled)
	require.Error(err, "tampered header must be rejected")

	// The wrong hop key must fail the MAC as well.
	mangled = append([]byte{}, pkt...)
	_, err = c.Unwrap(nodes[1].privateKey, mangled)
	require.Error(err, "wrong hop key must be rejected")

	// A tampered payload survives forwarding but must fail the terminal
	// tag check.
	mangled = append([]byte{}, pkt...)
	mangled[len(mangled)-1] ^= 0x01
	for i := 0; i < 2; i++ {
		res, err := c.Unwrap(nodes[i].privateKey, mangled)
		require.NoError(err)
		mangled = res.Packet
	}
	_, err = c.Unwrap(nodes[2].privateKey, mangled)
	require.Error(err, "tampered payload must be rejected at delivery")
}

func TestPathTooLong(t *testing.T) {
	require := require.New(t)

	g := DefaultGeometry()
	c, err := NewCodec(g)
	require.NoError(err)
	scheme, err := g.Scheme()
	require.NoError(err)

	_, path := newPathVector(require, scheme, g.MaxHops+1)
	var recipient [geo.RecipientIDLength]byte
	payload := make([]byte, g.ForwardPayloadLength)

	_, _, err = c.NewPacket(rand.Reader, path, recipient, payload)
	require.Equal(ErrPathTooLong, err)
}

func TestKeyAgreementFailure(t *testing.T) {
	require := require.New(t)

	g := DefaultGeometry()
	c, err := NewCodec(g)
	require.NoError(err)
	scheme, err := g.Scheme()
	require.NoError(err)

	_, path := newPathVector(require, scheme, 3)
	var recipient [geo.RecipientIDLength]byte
	payload := make([]byte, g.ForwardPayloadLength)

	// A hop without usable public key material cannot contribute a shared
	// secret.
	path[1].PublicKey = nil
	_, _, err = c.NewPacket(rand.Reader, path, recipient, payload)
	require.Equal(ErrKeyAgreement, err)
}

func TestInvalidPayloadLength(t *testing.T) {
	require := require.New(t)

	g := DefaultGeometry()
	c, err := NewCodec(g)
	require.NoError(err)
	scheme, err := g.Scheme()
	require.NoError(err)

	_, path := newPathVector(require, scheme, 2)
	var recipient [geo.RecipientIDLength]byte

	_, _, err = c.NewPacket(rand.Reader, path, recipient, make([]byte, g.ForwardPayloadLength-1))
	require.Error(err, "short payload must be rejected")
}
