// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixtoll_relay_dropped_packets_total",
			Help: "Number of dropped packets",
		},
		[]string{"reason"},
	)
	packetsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixtoll_relay_forwarded_packets_total",
			Help: "Number of forwarded packets",
		},
	)
	packetsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixtoll_relay_delivered_packets_total",
			Help: "Number of packets delivered to a local recipient",
		},
	)
	ticketsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixtoll_tickets_issued_total",
			Help: "Number of tickets issued to downstream hops",
		},
	)
	ticketsWon = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixtoll_tickets_won_total",
			Help: "Number of winning tickets submitted for redemption",
		},
	)
	ticketsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixtoll_tickets_lost_total",
			Help: "Number of tickets that lost the redemption lottery",
		},
	)
	ticketsAbandoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixtoll_tickets_abandoned_total",
			Help: "Number of tickets abandoned on acknowledgement timeout",
		},
	)
	acksIgnored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixtoll_acks_ignored_total",
			Help: "Number of unknown, late or invalid acknowledgements",
		},
	)
	redemptionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixtoll_redemption_failures_total",
			Help: "Number of failed redemption attempts",
		},
		[]string{"reason"},
	)
)

// Drop and failure reason label values.
const (
	dropReasonMalformed         = "malformed_frame"
	dropReasonReplay            = "replay"
	dropReasonUnwrap            = "unwrap"
	dropReasonNoTicket          = "no_ticket"
	dropReasonTicketVerify      = "ticket_verify"
	dropReasonChallengeMismatch = "challenge_mismatch"
	dropReasonNoChannel         = "no_channel"
	dropReasonIssue             = "ticket_issue"
	dropReasonSend              = "send"
	dropReasonQueueFull         = "queue_full"

	failReasonEpoch     = "epoch_mismatch"
	failReasonSpent     = "spent"
	failReasonOpening   = "opening"
	failReasonExhausted = "chain_exhausted"
	failReasonSubmit    = "submit"
)

func init() {
	prometheus.MustRegister(
		packetsDropped,
		packetsForwarded,
		packetsDelivered,
		ticketsIssued,
		ticketsWon,
		ticketsLost,
		ticketsAbandoned,
		acksIgnored,
		redemptionFailures,
	)
}
