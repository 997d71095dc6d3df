// SPDX-FileCopyrightText: Copyright (C) 2017, 2018 Yawning Angel
// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package path provides stake- and quality-weighted path and channel
// selection.
//
// Node importance is derived from the on-chain stake ledger and never
// persisted; the ledger remains authoritative.  Selection is deliberately
// non-deterministic: repeated calls with identical inputs yield different
// paths, since deterministic paths would leak traffic patterns.
package path

import (
	"errors"
	"math"
	mRand "math/rand"
	"sort"
	"sync"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/mixtoll/mixtoll/core/ledger"
	"github.com/mixtoll/mixtoll/core/log"
)

// ErrInsufficientEligibleNodes is returned when fewer eligible nodes exist
// than the requested hop count.
var ErrInsufficientEligibleNodes = errors.New("path: insufficient eligible nodes")

// Candidate describes a relay node eligible for selection.
type Candidate struct {
	ID ledger.NodeID

	// PublicKey is the node's packet key, used downstream for packet
	// construction.
	PublicKey nike.PublicKey

	// Quality is the observed link quality in [0, 1], maintained by the
	// transport feedback loop.
	Quality float64
}

// Config tunes the selector.
type Config struct {
	// MinQuality is the eligibility floor; nodes below it never appear
	// on a path.
	MinQuality float64

	// CloseQuality is the responsiveness floor for channel
	// counterparties; below it the channel should be closed and
	// replaced rather than retried.
	CloseQuality float64
}

// Selector chooses forwarding paths and cover traffic targets.
type Selector struct {
	sync.Mutex

	cfg    *Config
	ledger ledger.Reader
	rng    *mRand.Rand
	log    *logging.Logger
}

// New creates a Selector.
func New(cfg *Config, reader ledger.Reader, logBackend *log.Backend) *Selector {
	return &Selector{
		cfg:    cfg,
		ledger: reader,
		rng:    rand.NewMath(),
		log:    logBackend.GetLogger("path"),
	}
}

// Importance computes the stake-adjusted weight of a node: the node's own
// stake scaled by the aggregate of its outgoing channels, each channel
// weighted by the geometric mean of its balance and the counterparty's
// stake.  Zero-stake nodes and zero-balance channels contribute nothing.
func (s *Selector) Importance(node ledger.NodeID) float64 {
	stake := float64(s.ledger.StakeOf(node))
	if stake == 0 {
		return 0
	}
	var sum float64
	for _, ch := range s.ledger.ChannelsFrom(node) {
		sum += math.Sqrt(float64(ch.Balance) * float64(s.ledger.StakeOf(ch.Destination)))
	}
	return stake * sum
}

// SelectPath chooses an ordered sequence of hopCount relays between src and
// dst from the candidate set.  Candidates are weighted by importance and
// link quality; equal weights degrade to a uniform draw.  The call never
// blocks on the ledger view beyond reading the current snapshot.
func (s *Selector) SelectPath(src, dst ledger.NodeID, hopCount int, candidates []*Candidate) ([]*Candidate, error) {
	if hopCount < 1 {
		return nil, errors.New("path: invalid hop count")
	}

	eligible := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == src || c.ID == dst {
			continue
		}
		if c.Quality < s.cfg.MinQuality {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) < hopCount {
		return nil, ErrInsufficientEligibleNodes
	}

	weights := make([]float64, len(eligible))
	var total float64
	for i, c := range eligible {
		weights[i] = s.Importance(c.ID) * c.Quality
		total += weights[i]
	}
	if total == 0 {
		// No stake information at all; fall back to a uniform draw
		// rather than refusing to route.
		for i := range weights {
			weights[i] = 1
		}
		total = float64(len(weights))
	}

	s.Lock()
	defer s.Unlock()

	path := make([]*Candidate, 0, hopCount)
	for len(path) < hopCount {
		r := s.rng.Float64() * total
		idx := len(eligible) - 1
		for i, w := range weights {
			if r < w {
				idx = i
				break
			}
			r -= w
		}

		path = append(path, eligible[idx])
		total -= weights[idx]
		eligible = append(eligible[:idx], eligible[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}

	return path, nil
}

// SignalKind enumerates advisory channel management signals.
type SignalKind uint8

const (
	// SignalOpenChannel advises opening a channel toward a node.
	SignalOpenChannel SignalKind = iota

	// SignalCloseChannel advises closing a channel whose counterparty is
	// unresponsive.  The channel is replaced, not retried indefinitely.
	SignalCloseChannel
)

// Signal is an advisory channel management intent emitted toward the policy
// layer.  The core never acts on chain by itself.
type Signal struct {
	Kind    SignalKind
	Node    ledger.NodeID
	Channel ledger.ChannelID
}

// CoverTrafficTargets picks up to max nodes to maintain cover traffic
// channels toward, preferring high-importance candidates.  Owned channels
// whose counterparty quality fell below the close threshold yield close
// signals instead of targets.
func (s *Selector) CoverTrafficTargets(owned []*ledger.ChannelState, candidates []*Candidate, max int) ([]*Candidate, []Signal) {
	quality := make(map[ledger.NodeID]float64, len(candidates))
	for _, c := range candidates {
		quality[c.ID] = c.Quality
	}

	var signals []Signal
	unresponsive := make(map[ledger.NodeID]bool)
	held := make(map[ledger.NodeID]bool)
	for _, ch := range owned {
		held[ch.Destination] = true
		if q, ok := quality[ch.Destination]; ok && q < s.cfg.CloseQuality {
			unresponsive[ch.Destination] = true
			signals = append(signals, Signal{
				Kind:    SignalCloseChannel,
				Node:    ch.Destination,
				Channel: ch.ID,
			})
			s.log.Debugf("cover traffic: channel %v counterparty %v below close threshold", ch.ID, ch.Destination)
		}
	}

	eligible := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Quality < s.cfg.MinQuality || unresponsive[c.ID] {
			continue
		}
		eligible = append(eligible, c)
	}
	importance := make(map[ledger.NodeID]float64, len(eligible))
	for _, c := range eligible {
		importance[c.ID] = s.Importance(c.ID)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return importance[eligible[i].ID] > importance[eligible[j].ID]
	})

	targets := make([]*Candidate, 0, max)
	for _, c := range eligible {
		if len(targets) == max {
			break
		}
		targets = append(targets, c)
		if !held[c.ID] {
			signals = append(signals, Signal{
				Kind: SignalOpenChannel,
				Node: c.ID,
			})
		}
	}

	return targets, signals
}
