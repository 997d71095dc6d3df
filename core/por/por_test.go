// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

package por

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/rand"
)

func newSecret(require *require.Assertions) []byte {
	s := make([]byte, 32)
	_, err := rand.Reader.Read(s)
	require.NoError(err)
	return s
}

func TestChallengeResponse(t *testing.T) {
	require := require.New(t)

	secret := newSecret(require)
	nextSecret := newSecret(require)

	challenge, own := EmbedChallenge(secret, nextSecret)
	require.Equal(OwnShare(secret), own)

	// Only the combination of the hop's own share and the successor's
	// acknowledgement share resolves the challenge.
	resp := DeriveResponse(OwnShare(secret), AckShare(nextSecret))
	require.True(VerifyResponse(challenge, resp))
	require.Equal(ExpectedResponse(secret, nextSecret), resp)

	// Neither half alone, nor the wrong halves, may do.
	require.False(VerifyResponse(challenge, DeriveResponse(OwnShare(secret), AckShare(secret))))
	require.False(VerifyResponse(challenge, DeriveResponse(OwnShare(nextSecret), AckShare(nextSecret))))
	require.False(VerifyResponse(challenge, DeriveResponse(AckShare(nextSecret), OwnShare(secret))))
}

func TestShareDomainSeparation(t *testing.T) {
	require := require.New(t)

	secret := newSecret(require)
	require.NotEqual(OwnShare(secret)[:], AckShare(secret)[:], "shares must be domain separated")

	other := newSecret(require)
	require.NotEqual(OwnShare(secret)[:], OwnShare(other)[:])
	require.NotEqual(AckShare(secret)[:], AckShare(other)[:])
}

func TestChallengeDeterminism(t *testing.T) {
	require := require.New(t)

	secret := newSecret(require)
	nextSecret := newSecret(require)

	c1, _ := EmbedChallenge(secret, nextSecret)
	c2, _ := EmbedChallenge(secret, nextSecret)
	require.Equal(c1, c2, "challenge derivation must be deterministic")

	c3, _ := EmbedChallenge(nextSecret, secret)
	require.NotEqual(c1, c3, "challenge must be direction sensitive")
}
