// SPDX-FileCopyrightText: Copyright (C) 2017 Yawning Angel
// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the mixtoll relay configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel     = "NOTICE"
	defaultMaxHops      = 5
	defaultPayload      = 2 * 1024
	defaultNIKE         = "x25519"
	defaultAckTimeout   = 15 * 1000 // 15 sec.
	defaultNumWorkers   = 2
	defaultProbability  = 0.05
	defaultAmount       = 100
	defaultChainLength  = 4096
	defaultMinQuality   = 0.5
	defaultCloseQuality = 0.1
	defaultStoreFile    = "relay.db"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Relay is the top-level relay node configuration.
type Relay struct {
	// Identifier is the human readable identifier for the node.
	Identifier string

	// DataDir is the absolute path to the node's state directory.
	DataDir string

	// StoreFile is the name of the persistent store within DataDir.
	StoreFile string
}

func (rCfg *Relay) validate() error {
	if rCfg.Identifier == "" {
		return errors.New("config: Relay: Identifier is not set")
	}
	if !filepath.IsAbs(rCfg.DataDir) {
		return fmt.Errorf("config: Relay: DataDir '%v' is not an absolute path", rCfg.DataDir)
	}
	if rCfg.StoreFile == "" {
		rCfg.StoreFile = defaultStoreFile
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stderr will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	switch lCfg.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Sphinx is the packet geometry configuration.
type Sphinx struct {
	// MaxHops is the maximum hop count the geometry supports.
	MaxHops int

	// ForwardPayloadLength is the packet payload length in bytes.
	ForwardPayloadLength int

	// NIKE names the key agreement scheme.
	NIKE string
}

func (sCfg *Sphinx) validate() error {
	if sCfg.MaxHops < 1 {
		return errors.New("config: Sphinx: MaxHops must be at least 1")
	}
	if sCfg.ForwardPayloadLength < 1 {
		return errors.New("config: Sphinx: invalid ForwardPayloadLength")
	}
	if sCfg.NIKE == "" {
		return errors.New("config: Sphinx: NIKE is not set")
	}
	return nil
}

// PoR is the proof-of-relay configuration.
type PoR struct {
	// AckTimeout is the downstream acknowledgement timeout in
	// milliseconds.  Challenges unresolved past it are abandoned along
	// with their tickets.
	AckTimeout int

	// NumWorkers is the number of packet processing workers.
	NumWorkers int
}

func (pCfg *PoR) validate() error {
	if pCfg.AckTimeout < 1 {
		return errors.New("config: PoR: AckTimeout must be positive")
	}
	if pCfg.NumWorkers < 1 {
		return errors.New("config: PoR: NumWorkers must be at least 1")
	}
	return nil
}

// Tickets is the ticket issuance configuration.
type Tickets struct {
	// Probability is the winning probability of issued tickets, in
	// (0, 1].
	Probability float64

	// Amount is the payout of issued tickets in base units.
	Amount uint64

	// ChainLength is the commitment chain length used at channel setup
	// and on reseed.
	ChainLength int
}

func (tCfg *Tickets) validate() error {
	if tCfg.Probability <= 0 || tCfg.Probability > 1 {
		return errors.New("config: Tickets: Probability must be in (0, 1]")
	}
	if tCfg.Amount == 0 {
		return errors.New("config: Tickets: Amount must be positive")
	}
	if tCfg.ChainLength < 1 {
		return errors.New("config: Tickets: ChainLength must be at least 1")
	}
	return nil
}

// Path is the path selection configuration.
type Path struct {
	// MinQuality is the link quality floor for path eligibility.
	MinQuality float64

	// CloseQuality is the counterparty quality floor below which a
	// channel close is advised.
	CloseQuality float64
}

func (pCfg *Path) validate() error {
	if pCfg.MinQuality < 0 || pCfg.MinQuality > 1 {
		return errors.New("config: Path: MinQuality must be in [0, 1]")
	}
	if pCfg.CloseQuality < 0 || pCfg.CloseQuality > pCfg.MinQuality {
		return errors.New("config: Path: CloseQuality must be in [0, MinQuality]")
	}
	return nil
}

// Config is the top-level configuration.
type Config struct {
	Relay   *Relay
	Logging *Logging
	Sphinx  *Sphinx
	PoR     *PoR
	Tickets *Tickets
	Path    *Path
}

// FixupAndValidate applies defaults to missing sections and validates the
// configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Relay == nil {
		return errors.New("config: No Relay block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Sphinx == nil {
		cfg.Sphinx = &Sphinx{
			MaxHops:              defaultMaxHops,
			ForwardPayloadLength: defaultPayload,
			NIKE:                 defaultNIKE,
		}
	}
	if cfg.PoR == nil {
		cfg.PoR = &PoR{
			AckTimeout: defaultAckTimeout,
			NumWorkers: defaultNumWorkers,
		}
	}
	if cfg.Tickets == nil {
		cfg.Tickets = &Tickets{
			Probability: defaultProbability,
			Amount:      defaultAmount,
			ChainLength: defaultChainLength,
		}
	}
	if cfg.Path == nil {
		cfg.Path = &Path{
			MinQuality:   defaultMinQuality,
			CloseQuality: defaultCloseQuality,
		}
	}

	for _, v := range []interface{ validate() error }{
		cfg.Relay, cfg.Logging, cfg.Sphinx, cfg.PoR, cfg.Tickets, cfg.Path,
	} {
		if err := v.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
