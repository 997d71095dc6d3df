// SPDX-FileCopyrightText: Copyright (C) 2017 Yawning Angel
// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package sphinx implements the mixtoll layered packet format.  It is a
// Sphinx derivative: a fixed-size header carrying one encrypted routing
// segment per hop, a group element blinded at every hop, and a wide-block
// SPRP protected payload.  Each non-terminal routing segment additionally
// carries the proof-of-relay challenge that the hop's payment ticket is
// bound to.
package sphinx

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/core/utils"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"

	"github.com/mixtoll/mixtoll/core/por"
	"github.com/mixtoll/mixtoll/core/sphinx/commands"
	"github.com/mixtoll/mixtoll/core/sphinx/geo"
	"github.com/mixtoll/mixtoll/core/sphinx/internal/crypto"
)

var (
	v0AD = [2]byte{0x00, 0x00}

	// ErrPathTooLong is returned when a path exceeds the geometry's
	// maximum hop count.
	ErrPathTooLong = errors.New("sphinx: path exceeds maximum hop count")

	// ErrKeyAgreement is returned when a hop's public key material is
	// malformed.
	ErrKeyAgreement = errors.New("sphinx: per-hop key agreement failed")

	errTruncatedPayload = errors.New("sphinx: truncated payload")
	errInvalidTag       = errors.New("sphinx: payload auth failed")
	errInvalidPacket    = errors.New("sphinx: invalid packet")
)

// PathHop describes a hop that a packet will traverse.
type PathHop struct {
	ID        [geo.NodeIDLength]byte
	PublicKey nike.PublicKey
}

// SenderSecrets is the sender-retained key material resulting from packet
// construction.  Ownership passes to the caller, who needs it to issue the
// first hop's ticket and to recognize the first hop's acknowledgement.
type SenderSecrets struct {
	// SharedSecrets holds the per-hop shared secrets, ordered by hop.
	SharedSecrets [][]byte

	// Challenges holds the relay challenge embedded for each non-terminal
	// hop.  Challenges[i] is nil for the terminal hop.
	Challenges []*por.Challenge
}

// Reset clears the sender secrets.
func (s *SenderSecrets) Reset() {
	for _, v := range s.SharedSecrets {
		utils.ExplicitBzero(v)
	}
	s.SharedSecrets = nil
	s.Challenges = nil
}

// UnwrapResult is the outcome of peeling one layer off a packet.
type UnwrapResult struct {
	// Packet is the transformed packet destined for NextHop.  It is nil
	// at the terminal hop.
	Packet []byte

	// Payload is the delivered plaintext.  It is nil at non-terminal hops.
	Payload []byte

	// NextHop carries the next hop's identity, nil at the terminal hop.
	NextHop *commands.NextNodeHop

	// Challenge is the relay challenge bound to this hop's ticket, nil at
	// the terminal hop.
	Challenge *commands.RelayChallenge

	// NextChallenge is the challenge to bind into the ticket issued to the
	// next hop.  It is nil when the successor is the terminal recipient.
	NextChallenge *commands.NextChallenge

	// Recipient identifies the local delivery target, terminal hop only.
	Recipient *commands.Recipient

	// AckShare is this hop's acknowledgement key share, emitted upstream.
	AckShare por.Share

	// OwnShare is this hop's half of its challenge response.  Combined
	// with the successor's AckShare it resolves Challenge.
	OwnShare por.Share

	// ReplayTag uniquely identifies the packet's key exchange for replay
	// detection.
	ReplayTag []byte
}

// Codec is the packet construction and unwrap engine for one geometry.
type Codec struct {
	nike     nike.Scheme
	geometry *geo.Geometry
}

// NewCodec creates a Codec from the provided geometry.
func NewCodec(g *geo.Geometry) (*Codec, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	scheme, err := g.Scheme()
	if err != nil {
		return nil, err
	}
	return &Codec{
		nike:     scheme,
		geometry: g,
	}, nil
}

// Geometry returns the codec's packet geometry.
func (c *Codec) Geometry() *geo.Geometry {
	return c.geometry
}

type sprpKey struct {
	key [crypto.SPRPKeyLength]byte
	iv  [crypto.SPRPIVLength]byte
}

func (k *sprpKey) Reset() {
	utils.ExplicitBzero(k.key[:])
	utils.ExplicitBzero(k.iv[:])
}

// deriveSecrets computes the per-hop shared secrets and packet keys, walking
// the blinded DH chain the same way every hop will during unwrap.
func (c *Codec) deriveSecrets(path []*PathHop) ([][]byte, []*crypto.PacketKeys, []nike.PublicKey, error) {
	nrHops := len(path)

	clientPublicKey, clientPrivateKey, err := c.nike.GenerateKeyPair()
	if err != nil {
		return nil, nil, nil, ErrKeyAgreement
	}
	defer clientPrivateKey.Reset()

	secrets := make([][]byte, nrHops)
	keys := make([]*crypto.PacketKeys, nrHops)
	groupElements := make([]nike.PublicKey, nrHops)

	for i := 0; i < nrHops; i++ {
		if path[i].PublicKey == nil {
			return nil, nil, nil, ErrKeyAgreement
		}

		sharedSecret := c.nike.DeriveSecret(clientPrivateKey, path[i].PublicKey)
		for j := 0; j < i; j++ {
			pubkey := c.nike.NewEmptyPublicKey()
			if err = pubkey.FromBytes(sharedSecret); err != nil {
				return nil, nil, nil, ErrKeyAgreement
			}
			blinded := c.nike.Blind(pubkey, keys[j].BlindingFactor)
			sharedSecret = blinded.Bytes()
		}
		secrets[i] = sharedSecret
		keys[i] = crypto.KDF(sharedSecret, c.nike)

		if i > 0 {
			if err = clientPublicKey.Blind(keys[i-1].BlindingFactor); err != nil {
				return nil, nil, nil, ErrKeyAgreement
			}
		}
		groupElements[i], err = c.nike.UnmarshalBinaryPublicKey(clientPublicKey.Bytes())
		if err != nil {
			return nil, nil, nil, ErrKeyAgreement
		}
	}

	return secrets, keys, groupElements, nil
}

func (c *Codec) createHeader(r io.Reader, path []*PathHop, recipient [geo.RecipientIDLength]byte) ([]byte, []*sprpKey, *SenderSecrets, error) {
	nrHops := len(path)
	if nrHops == 0 {
		return nil, nil, nil, errors.New("sphinx: empty path")
	}
	if nrHops > c.geometry.MaxHops {
		return nil, nil, nil, ErrPathTooLong
	}

	secrets, keys, groupElements, err := c.deriveSecrets(path)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, k := range keys {
		defer k.Reset()
	}

	// Derive the routing_information keystream and encrypted padding for
	// each hop.
	riKeyStream := make([][]byte, nrHops)
	riPadding := make([][]byte, nrHops)
	for i := 0; i < nrHops; i++ {
		keyStream := make([]byte, c.geometry.RoutingInfoLength+c.geometry.PerHopRoutingInfoLength)
		defer utils.ExplicitBzero(keyStream)

		streamCipher := crypto.NewStream(&keys[i].HeaderEncryption, &keys[i].HeaderEncryptionIV)
		streamCipher.KeyStream(keyStream)
		streamCipher.Reset()

		ksLen := len(keyStream) - (i+1)*c.geometry.PerHopRoutingInfoLength
		riKeyStream[i] = keyStream[:ksLen]
		riPadding[i] = keyStream[ksLen:]
		if i > 0 {
			prevPadLen := len(riPadding[i-1])
			xorBytes(riPadding[i][:prevPadLen], riPadding[i][:prevPadLen], riPadding[i-1])
		}
	}

	// Derive the per-hop relay challenges.  The terminal hop delivers
	// instead of forwarding and earns no ticket, so it has none.
	challenges := make([]*por.Challenge, nrHops)
	for i := 0; i < nrHops-1; i++ {
		challenges[i], _ = por.EmbedChallenge(secrets[i], secrets[i+1])
	}

	// Create the routing_information block.
	var mac []byte
	var routingInfo []byte
	if skippedHops := c.geometry.MaxHops - nrHops; skippedHops > 0 {
		routingInfo = make([]byte, skippedHops*c.geometry.PerHopRoutingInfoLength)
		if _, err := io.ReadFull(r, routingInfo); err != nil {
			return nil, nil, nil, err
		}
	}
	zeroBytes := make([]byte, c.geometry.PerHopRoutingInfoLength)
	for i := nrHops - 1; i >= 0; i-- {
		isTerminal := i == nrHops-1

		var riFragment []byte
		if isTerminal {
			cmd := &commands.Recipient{ID: recipient}
			riFragment = cmd.ToBytes(riFragment)
		} else {
			chCmd := &commands.RelayChallenge{Challenge: *challenges[i]}
			riFragment = chCmd.ToBytes(riFragment)

			// The forwarding hop needs the successor's challenge to issue
			// its ticket.  The last relay's successor is the recipient,
			// who earns none.
			if challenges[i+1] != nil {
				ncCmd := &commands.NextChallenge{Challenge: *challenges[i+1]}
				riFragment = ncCmd.ToBytes(riFragment)
			}

			nextCmd := &commands.NextNodeHop{}
			copy(nextCmd.ID[:], path[i+1].ID[:])
			copy(nextCmd.MAC[:], mac)
			riFragment = nextCmd.ToBytes(riFragment)
		}
		if padLen := c.geometry.PerHopRoutingInfoLength - len(riFragment); padLen > 0 {
			riFragment = append(riFragment, zeroBytes[:padLen]...)
		}

		routingInfo = append(riFragment, routingInfo...) // Prepend
		xorBytes(routingInfo, routingInfo, riKeyStream[i])

		m := crypto.NewMAC(&keys[i].HeaderMAC)
		defer m.Reset()
		m.Write(v0AD[:])
		m.Write(groupElements[i].Bytes())
		m.Write(routingInfo)
		if i > 0 {
			m.Write(riPadding[i-1])
		}
		mac = m.Sum(nil)
	}

	// Assemble the completed packet header and the payload SPRP key vector.
	hdr := make([]byte, 0, c.geometry.HeaderLength)
	hdr = append(hdr, v0AD[:]...)
	hdr = append(hdr, groupElements[0].Bytes()...)
	hdr = append(hdr, routingInfo...)
	hdr = append(hdr, mac...)

	sprpKeys := make([]*sprpKey, 0, nrHops)
	for i := 0; i < nrHops; i++ {
		v := keys[i]

		// The header encryption IV is reused for the SPRP because the
		// keys *and* more importantly the primitives are different.
		k := new(sprpKey)
		copy(k.key[:], v.PayloadEncryption[:])
		copy(k.iv[:], v.HeaderEncryptionIV[:])
		sprpKeys = append(sprpKeys, k)
	}

	sender := &SenderSecrets{
		SharedSecrets: secrets,
		Challenges:    challenges,
	}

	return hdr, sprpKeys, sender, nil
}

// NewPacket creates a forward packet with the provided path, recipient and
// payload, using the provided entropy source.  The returned SenderSecrets
// carry the per-hop shared secrets and embedded challenges.
func (c *Codec) NewPacket(r io.Reader, path []*PathHop, recipient [geo.RecipientIDLength]byte, payload []byte) ([]byte, *SenderSecrets, error) {
	if len(payload) != c.geometry.ForwardPayloadLength {
		return nil, nil, fmt.Errorf("sphinx: invalid payload length: %d, expected %d", len(payload), c.geometry.ForwardPayloadLength)
	}

	hdr, sprpKeys, sender, err := c.createHeader(r, path, recipient)
	if err != nil {
		return nil, nil, err
	}
	for _, v := range sprpKeys {
		defer v.Reset()
	}

	// Assemble the packet.
	pkt := make([]byte, 0, len(hdr)+c.geometry.PayloadTagLength+len(payload))
	pkt = append(pkt, hdr...)
	pkt = append(pkt, make([]byte, c.geometry.PayloadTagLength)...)
	pkt = append(pkt, payload...)

	// Encrypt the payload.
	b := pkt[len(hdr):]
	for i := len(path) - 1; i >= 0; i-- {
		k := sprpKeys[i]
		b = crypto.SPRPEncrypt(&k.key, &k.iv, b)
	}
	copy(pkt[len(hdr):], b)

	return pkt, sender, nil
}

// Unwrap peels exactly one layer off the provided packet in-place, using
// the hop's NIKE private key.  On any integrity failure an opaque error is
// returned and the caller must drop the packet without further processing;
// no partial plaintext escapes.
func (c *Codec) Unwrap(privKey nike.PrivateKey, pkt []byte) (*UnwrapResult, error) {
	var (
		geOff      = 2
		riOff      = geOff + c.nike.PublicKeySize()
		macOff     = riOff + c.geometry.RoutingInfoLength
		payloadOff = macOff + crypto.MACLength
	)

	if len(pkt) < c.geometry.HeaderLength {
		return nil, errInvalidPacket
	}
	if subtle.ConstantTimeCompare(v0AD[:], pkt[:2]) != 1 {
		return nil, errInvalidPacket
	}

	// Calculate the hop's shared secret and replay tag.
	groupElement, err := c.nike.UnmarshalBinaryPublicKey(pkt[geOff:riOff])
	if err != nil {
		return nil, errInvalidPacket
	}
	sharedSecret := c.nike.DeriveSecret(privKey, groupElement)
	defer utils.ExplicitBzero(sharedSecret)

	replayTag := hash.Sum256(groupElement.Bytes())

	keys := crypto.KDF(sharedSecret, c.nike)
	defer keys.Reset()

	// Validate the header MAC before anything is decrypted.
	m := crypto.NewMAC(&keys.HeaderMAC)
	defer m.Reset()
	m.Write(pkt[0:macOff])
	mac := m.Sum(nil)
	if subtle.ConstantTimeCompare(pkt[macOff:macOff+crypto.MACLength], mac) != 1 {
		return nil, errInvalidPacket
	}

	// Append padding to preserve length invariance, decrypt the (padded)
	// routing_info block, and extract the section for the current hop.
	b := make([]byte, c.geometry.RoutingInfoLength+c.geometry.PerHopRoutingInfoLength)
	copy(b[:c.geometry.RoutingInfoLength], pkt[riOff:riOff+c.geometry.RoutingInfoLength])
	stream := crypto.NewStream(&keys.HeaderEncryption, &keys.HeaderEncryptionIV)
	defer stream.Reset()
	stream.XORKeyStream(b[:], b[:])

	newRoutingInfo := b[c.geometry.PerHopRoutingInfoLength:]
	cmdBuf := b[:c.geometry.PerHopRoutingInfoLength]

	result := &UnwrapResult{
		ReplayTag: replayTag[:],
		AckShare:  *por.AckShare(sharedSecret),
		OwnShare:  *por.OwnShare(sharedSecret),
	}

	// Parse the per-hop routing commands.
	for {
		cmd, rest, err := commands.FromBytes(cmdBuf, c.geometry)
		if err != nil {
			return nil, errInvalidPacket
		} else if cmd == nil { // Terminal null command.
			break
		}

		switch cc := cmd.(type) {
		case *commands.NextNodeHop:
			if result.NextHop != nil {
				return nil, errInvalidPacket
			}
			result.NextHop = cc
		case *commands.RelayChallenge:
			if result.Challenge != nil {
				return nil, errInvalidPacket
			}
			result.Challenge = cc
		case *commands.NextChallenge:
			if result.NextChallenge != nil {
				return nil, errInvalidPacket
			}
			result.NextChallenge = cc
		case *commands.Recipient:
			if result.Recipient != nil {
				return nil, errInvalidPacket
			}
			result.Recipient = cc
		default:
			return nil, errInvalidPacket
		}
		cmdBuf = rest
	}

	// Decrypt the packet payload.
	payload := pkt[payloadOff:]
	if len(payload) > 0 {
		payload = crypto.SPRPDecrypt(&keys.PayloadEncryption, &keys.HeaderEncryptionIV, payload)
	}

	if result.NextHop != nil {
		// Forward case: transform the packet for the next hop.
		if result.Recipient != nil || result.Challenge == nil {
			return nil, errInvalidPacket
		}
		if err := groupElement.Blind(keys.BlindingFactor); err != nil {
			return nil, errInvalidPacket
		}
		copy(pkt[geOff:riOff], groupElement.Bytes())
		copy(pkt[riOff:macOff], newRoutingInfo)
		copy(pkt[macOff:payloadOff], result.NextHop.MAC[:])
		if len(payload) > 0 {
			copy(pkt[payloadOff:], payload)
		}
		result.Packet = pkt
		return result, nil
	}

	// Terminal case: validate the payload tag and deliver.
	if result.Recipient == nil || result.Challenge != nil || result.NextChallenge != nil {
		return nil, errInvalidPacket
	}
	if len(payload) < c.geometry.PayloadTagLength {
		return nil, errTruncatedPayload
	}
	if !utils.CtIsZero(payload[:c.geometry.PayloadTagLength]) {
		return nil, errInvalidTag
	}
	result.Payload = payload[c.geometry.PayloadTagLength:]
	return result, nil
}

// DefaultGeometry returns the geometry the relay uses absent explicit
// configuration: X25519, 5 hops, 2 KiB forward payloads.
func DefaultGeometry() *geo.Geometry {
	return geo.NewGeometry(x25519.Scheme(rand.Reader), 5, 2*1024)
}

func xorBytes(dst, a, b []byte) {
	if len(a) != len(b) || len(a) != len(dst) {
		panic(fmt.Sprintf("sphinx: BUG: xorBytes called with mismatched buffer sizes, got 'len(a)' %d and 'len(b)' %d", len(a), len(b)))
	}

	for i, v := range a {
		dst[i] = v ^ b[i]
	}
}
