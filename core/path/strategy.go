// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

package path

import (
	"errors"
	"fmt"

	"github.com/mixtoll/mixtoll/core/ledger"
)

// MaxStrategyDepth bounds strategy nesting.  A Mixed strategy may contain
// leaf strategies but not another Mixed one.
const MaxStrategyDepth = 2

// StrategyKind enumerates the channel management strategies.
type StrategyKind uint8

const (
	// StrategyPassive emits no channel management signals.
	StrategyPassive StrategyKind = iota

	// StrategyPromiscuous opens channels toward high-importance nodes
	// and closes channels to unresponsive counterparties.
	StrategyPromiscuous

	// StrategyMixed fans out to its child strategies.
	StrategyMixed
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyPassive:
		return "passive"
	case StrategyPromiscuous:
		return "promiscuous"
	case StrategyMixed:
		return "mixed"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Strategy is the tagged-variant representation of a channel management
// strategy.  The automation acting on the emitted signals lives in the
// policy layer outside this core; the core only decides what to advise.
type Strategy struct {
	Kind StrategyKind

	// Children is only meaningful for StrategyMixed.
	Children []*Strategy

	// MaxTargets caps how many cover traffic targets a promiscuous
	// strategy advises, 0 meaning no additional channels.
	MaxTargets int
}

// Validate checks the structural invariants, including the nesting bound.
func (st *Strategy) Validate() error {
	return st.validate(1)
}

func (st *Strategy) validate(depth int) error {
	if depth > MaxStrategyDepth {
		return errors.New("path: strategy nesting exceeds maximum depth")
	}
	switch st.Kind {
	case StrategyPassive, StrategyPromiscuous:
		if len(st.Children) != 0 {
			return fmt.Errorf("path: %v strategy cannot have children", st.Kind)
		}
	case StrategyMixed:
		if len(st.Children) == 0 {
			return errors.New("path: mixed strategy requires children")
		}
		for _, c := range st.Children {
			if err := c.validate(depth + 1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("path: unknown strategy kind: %v", st.Kind)
	}
	return nil
}

// Signals evaluates the strategy against the current channel set and
// candidate pool, returning the advisory channel management intents.
func (st *Strategy) Signals(s *Selector, owned []*ledger.ChannelState, candidates []*Candidate) []Signal {
	switch st.Kind {
	case StrategyPassive:
		return nil
	case StrategyPromiscuous:
		_, signals := s.CoverTrafficTargets(owned, candidates, st.MaxTargets)
		return signals
	case StrategyMixed:
		var out []Signal
		seen := make(map[Signal]bool)
		for _, c := range st.Children {
			for _, sig := range c.Signals(s, owned, candidates) {
				if !seen[sig] {
					seen[sig] = true
					out = append(out, sig)
				}
			}
		}
		return out
	default:
		return nil
	}
}
