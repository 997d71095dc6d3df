// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)

	const doc = `
[Relay]
Identifier = "relay1"
DataDir = "/var/lib/mixtoll"
`
	cfg, err := Load([]byte(doc))
	require.NoError(err)

	require.Equal("relay1", cfg.Relay.Identifier)
	require.Equal(defaultStoreFile, cfg.Relay.StoreFile)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal(defaultMaxHops, cfg.Sphinx.MaxHops)
	require.Equal(defaultNIKE, cfg.Sphinx.NIKE)
	require.Equal(defaultAckTimeout, cfg.PoR.AckTimeout)
	require.Equal(defaultNumWorkers, cfg.PoR.NumWorkers)
	require.Equal(defaultProbability, cfg.Tickets.Probability)
	require.Equal(uint64(defaultAmount), cfg.Tickets.Amount)
	require.Equal(defaultChainLength, cfg.Tickets.ChainLength)
	require.Equal(defaultMinQuality, cfg.Path.MinQuality)
}

func TestLoadOverrides(t *testing.T) {
	require := require.New(t)

	const doc = `
[Relay]
Identifier = "relay2"
DataDir = "/var/lib/mixtoll"

[Sphinx]
MaxHops = 3
ForwardPayloadLength = 512
NIKE = "x25519"

[Tickets]
Probability = 0.25
Amount = 42
ChainLength = 128
`
	cfg, err := Load([]byte(doc))
	require.NoError(err)
	require.Equal(3, cfg.Sphinx.MaxHops)
	require.Equal(512, cfg.Sphinx.ForwardPayloadLength)
	require.Equal(0.25, cfg.Tickets.Probability)
	require.Equal(uint64(42), cfg.Tickets.Amount)
	require.Equal(128, cfg.Tickets.ChainLength)
}

func TestLoadRejections(t *testing.T) {
	require := require.New(t)

	// No Relay block.
	_, err := Load([]byte(""))
	require.Error(err)

	// Relative DataDir.
	_, err = Load([]byte("[Relay]\nIdentifier = \"x\"\nDataDir = \"relative\"\n"))
	require.Error(err)

	// Probability out of range.
	_, err = Load([]byte(`
[Relay]
Identifier = "x"
DataDir = "/tmp"

[Tickets]
Probability = 1.5
Amount = 1
ChainLength = 1
`))
	require.Error(err)

	// Unknown keys are refused, not ignored.
	_, err = Load([]byte("[Relay]\nIdentifier = \"x\"\nDataDir = \"/tmp\"\nBogus = 1\n"))
	require.Error(err)
}
