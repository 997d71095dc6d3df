// SPDX-FileCopyrightText: Copyright (C) 2017 Yawning Angel
// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto provides the mixtoll parameterization of the packet format
// cryptographic operations.
package crypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"hash"

	"gitlab.com/yawning/aez.git"
	"gitlab.com/yawning/bsaes.git"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/core/utils"
	"github.com/katzenpost/hpqc/nike"
)

const (
	// MACKeyLength is the key size of the MAC in bytes.
	MACKeyLength = 32

	// MACLength is the tag size of the MAC in bytes.
	MACLength = 16

	// StreamKeyLength is the key size of the stream cipher in bytes.
	StreamKeyLength = 16

	// StreamIVLength is the IV size of the stream cipher in bytes.
	StreamIVLength = 16

	// SPRPKeyLength is the key size of the SPRP in bytes.
	SPRPKeyLength = 48

	// SPRPIVLength is the IV size of the SPRP in bytes.
	SPRPIVLength = StreamIVLength

	kdfInfo = "mixtoll-kdf-v0-hkdf-sha256"
)

type resetable interface {
	Reset()
}

type macWrapper struct {
	hash.Hash
}

func (m *macWrapper) Sum(b []byte) []byte {
	tmp := m.Hash.Sum(nil)
	b = append(b, tmp[0:MACLength]...)
	return b
}

// Stream is the header stream cipher.
type Stream struct {
	cipher.Stream
}

// KeyStream fills the buffer dst with key stream output.
func (s *Stream) KeyStream(dst []byte) {
	utils.ExplicitBzero(dst)
	s.XORKeyStream(dst, dst)
}

// Reset clears the Stream instance such that no sensitive data is left in
// memory.
func (s *Stream) Reset() {
	if r, ok := s.Stream.(resetable); ok {
		r.Reset()
	}
}

// NewMAC returns a new hash.Hash implementing the header MAC with the
// provided key.
func NewMAC(key *[MACKeyLength]byte) hash.Hash {
	return &macWrapper{hmac.New(sha256.New, key[:])}
}

// NewStream returns a new Stream implementing the header stream cipher with
// the provided key and IV.
func NewStream(key *[StreamKeyLength]byte, iv *[StreamIVLength]byte) *Stream {
	// bsaes detects AES-NI capable hardware and falls through to the
	// runtime's implementation where that is constant time.
	blk, err := bsaes.NewCipher(key[:])
	if err != nil {
		panic("crypto/NewStream: failed to create AES instance: " + err.Error())
	}
	return &Stream{cipher.NewCTR(blk, iv[:])}
}

// SPRPEncrypt returns the ciphertext of the message msg, encrypted via the
// wide-block SPRP with the provided key and IV.
func SPRPEncrypt(key *[SPRPKeyLength]byte, iv *[SPRPIVLength]byte, msg []byte) []byte {
	return aez.Encrypt(key[:], iv[:], nil, 0, msg, nil)
}

// SPRPDecrypt returns the plaintext of the message msg, decrypted via the
// wide-block SPRP with the provided key and IV.
func SPRPDecrypt(key *[SPRPKeyLength]byte, iv *[SPRPIVLength]byte, msg []byte) []byte {
	dst, ok := aez.Decrypt(key[:], iv[:], nil, 0, msg, nil)
	if !ok {
		panic("crypto/SPRPDecrypt: BUG - aez.Decrypt failed with tau = 0")
	}
	return dst
}

// PacketKeys are the per-hop packet keys, derived from the blinded DH key
// exchange.
type PacketKeys struct {
	HeaderMAC          [MACKeyLength]byte
	HeaderEncryption   [StreamKeyLength]byte
	HeaderEncryptionIV [StreamIVLength]byte
	PayloadEncryption  [SPRPKeyLength]byte
	BlindingFactor     nike.PrivateKey
}

// Reset clears the PacketKeys structure such that no sensitive data is left
// in memory.
func (k *PacketKeys) Reset() {
	utils.ExplicitBzero(k.HeaderMAC[:])
	utils.ExplicitBzero(k.HeaderEncryption[:])
	utils.ExplicitBzero(k.HeaderEncryptionIV[:])
	utils.ExplicitBzero(k.PayloadEncryption[:])
	if k.BlindingFactor != nil {
		k.BlindingFactor.Reset()
		k.BlindingFactor = nil
	}
}

// KDF takes the input key material and returns the per-hop packet keys.
func KDF(ikm []byte, scheme nike.Scheme) *PacketKeys {
	r := hkdf.Expand(sha256.New, ikm, []byte(kdfInfo))

	k := new(PacketKeys)
	mustRead(r, k.HeaderMAC[:])
	mustRead(r, k.HeaderEncryption[:])
	mustRead(r, k.HeaderEncryptionIV[:])
	mustRead(r, k.PayloadEncryption[:])
	k.BlindingFactor = scheme.GeneratePrivateKey(r)

	return k
}

func mustRead(r interface{ Read([]byte) (int, error) }, b []byte) {
	if _, err := r.Read(b); err != nil {
		panic("crypto/KDF: hkdf entropy exhausted: " + err.Error())
	}
}
