// SPDX-FileCopyrightText: Copyright (C) 2026 The mixtoll Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay ties the packet, proof-of-relay, ticket and commitment cores
// into the node-side forwarding pipeline.
package relay

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/katzenpost/core/worker"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/schemes"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/mixtoll/mixtoll/core/commitment"
	"github.com/mixtoll/mixtoll/core/ledger"
	"github.com/mixtoll/mixtoll/core/log"
	"github.com/mixtoll/mixtoll/core/por"
	"github.com/mixtoll/mixtoll/core/sphinx"
	"github.com/mixtoll/mixtoll/core/sphinx/geo"
	"github.com/mixtoll/mixtoll/core/ticket"
	"github.com/mixtoll/mixtoll/relay/config"
)

const inboundQueueSize = 128

// Transport delivers opaque frames to peers.  The link layer itself lives
// outside the relay core; implementations are expected to invoke OnFrame for
// every frame received.
type Transport interface {
	Send(peer ledger.NodeID, frame []byte) error
}

// Keyring resolves a peer's ticket verification key.
type Keyring interface {
	IssuerKey(node ledger.NodeID) (sign.PublicKey, error)
}

// Delivery is a payload unwrapped at its terminal hop.
type Delivery struct {
	Recipient [geo.RecipientIDLength]byte
	Payload   []byte
}

// Parameters bundles the externally provided dependencies of a Relay.
type Parameters struct {
	Config     *config.Config
	LogBackend *log.Backend
	NodeID     ledger.NodeID
	NIKEKey    nike.PrivateKey
	Issuer     *ticket.Issuer
	Keyring    Keyring
	Ledger     ledger.Reader
	Submitter  ledger.Submitter
	Transport  Transport
}

func (p *Parameters) validate() error {
	switch {
	case p.Config == nil:
		return errors.New("relay: no config provided")
	case p.LogBackend == nil:
		return errors.New("relay: no log backend provided")
	case p.NIKEKey == nil:
		return errors.New("relay: no NIKE private key provided")
	case p.Issuer == nil:
		return errors.New("relay: no ticket issuer provided")
	case p.Keyring == nil:
		return errors.New("relay: no keyring provided")
	case p.Ledger == nil:
		return errors.New("relay: no ledger provided")
	case p.Submitter == nil:
		return errors.New("relay: no submitter provided")
	case p.Transport == nil:
		return errors.New("relay: no transport provided")
	}
	return nil
}

type inbound struct {
	from  ledger.NodeID
	frame interface{}
}

// pendingTicket is the ticket retained while its challenge awaits the
// downstream acknowledgement.  A nil ticket marks a locally originated
// packet, tracked only for first-hop delivery confirmation.
type pendingTicket struct {
	ticket *ticket.Ticket
}

// Relay is the forwarding pipeline of one node.
type Relay struct {
	worker.Worker

	cfg      *config.Config
	geometry *geo.Geometry
	codec    *sphinx.Codec

	nodeID    ledger.NodeID
	nikeKey   nike.PrivateKey
	issuer    *ticket.Issuer
	keyring   Keyring
	ledger    ledger.Reader
	submitter ledger.Submitter
	transport Transport

	store *commitment.Store
	arena *por.Arena
	log   *logging.Logger

	replayMu sync.Mutex
	replay   *bloom.Filter

	chainsMu sync.Mutex
	chains   map[ledger.ChannelID]*commitment.Chain

	pendingMu sync.Mutex
	pending   map[por.ID]*pendingTicket

	// redeemMu is the single redemption authority: opening reveal, spent
	// marking and submission are one critical section.
	redeemMu sync.Mutex

	inCh       chan *inbound
	deliveryCh chan *Delivery
}

// New constructs a Relay, opens its persistent store and starts its packet
// workers.
func New(p *Parameters) (*Relay, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	cfg := p.Config

	scheme := schemes.ByName(cfg.Sphinx.NIKE)
	if scheme == nil {
		return nil, errors.New("relay: unknown NIKE scheme: " + cfg.Sphinx.NIKE)
	}
	g := geo.NewGeometry(scheme, cfg.Sphinx.MaxHops, cfg.Sphinx.ForwardPayloadLength)
	codec, err := sphinx.NewCodec(g)
	if err != nil {
		return nil, err
	}

	store, err := commitment.OpenStore(filepath.Join(cfg.Relay.DataDir, cfg.Relay.StoreFile))
	if err != nil {
		return nil, err
	}

	// 1 MiB, ~620k entries.  Rotating the NIKE key resets the replay
	// window; filter sizing only needs to cover one key's lifetime.
	filter, err := bloom.New(rand.Reader, 23, 0.001)
	if err != nil {
		store.Close()
		return nil, err
	}

	r := &Relay{
		cfg:        cfg,
		geometry:   g,
		codec:      codec,
		nodeID:     p.NodeID,
		nikeKey:    p.NIKEKey,
		issuer:     p.Issuer,
		keyring:    p.Keyring,
		ledger:     p.Ledger,
		submitter:  p.Submitter,
		transport:  p.Transport,
		store:      store,
		log:        p.LogBackend.GetLogger("relay"),
		replay:     filter,
		chains:     make(map[ledger.ChannelID]*commitment.Chain),
		pending:    make(map[por.ID]*pendingTicket),
		inCh:       make(chan *inbound, inboundQueueSize),
		deliveryCh: make(chan *Delivery, 16),
	}
	r.arena = por.NewArena(time.Duration(cfg.PoR.AckTimeout)*time.Millisecond, r.onAckTimeout)

	for i := 0; i < cfg.PoR.NumWorkers; i++ {
		r.Go(r.packetWorker)
	}
	return r, nil
}

// Geometry returns the relay's packet geometry.
func (r *Relay) Geometry() *geo.Geometry {
	return r.geometry
}

// Deliveries returns the channel on which terminally unwrapped payloads are
// surfaced.
func (r *Relay) Deliveries() <-chan *Delivery {
	return r.deliveryCh
}

// Shutdown halts the workers and closes the persistent store.
func (r *Relay) Shutdown() {
	r.Halt()
	r.arena.Halt()
	r.store.Close()
}

// OnFrame ingests one raw frame received from the given peer.  Malformed
// frames are dropped without a response.
func (r *Relay) OnFrame(from ledger.NodeID, raw []byte) {
	v, err := decodeFrame(raw, r.geometry)
	if err != nil {
		packetsDropped.WithLabelValues(dropReasonMalformed).Inc()
		return
	}

	select {
	case r.inCh <- &inbound{from: from, frame: v}:
	default:
		packetsDropped.WithLabelValues(dropReasonQueueFull).Inc()
	}
}

func (r *Relay) packetWorker() {
	for {
		select {
		case <-r.HaltCh():
			return
		case in := <-r.inCh:
			switch f := in.frame.(type) {
			case *RelayFrame:
				r.processPacket(in.from, f)
			case *AckFrame:
				r.processAck(in.from, f)
			}
		}
	}
}

func (r *Relay) processPacket(from ledger.NodeID, f *RelayFrame) {
	// The acknowledgement identifier is derived from the packet as it was
	// received, before the unwrap transforms it in place.
	inboundID := por.NewID(f.Packet)

	res, err := r.codec.Unwrap(r.nikeKey, f.Packet)
	if err != nil {
		packetsDropped.WithLabelValues(dropReasonUnwrap).Inc()
		return
	}
	if r.isReplay(res.ReplayTag) {
		packetsDropped.WithLabelValues(dropReasonReplay).Inc()
		return
	}

	if res.NextHop == nil {
		// Terminal hop.
		packetsDelivered.Inc()
		r.sendAck(from, inboundID, &res.AckShare)
		d := &Delivery{Payload: res.Payload}
		copy(d.Recipient[:], res.Recipient.ID[:])
		select {
		case r.deliveryCh <- d:
		case <-r.HaltCh():
		}
		return
	}

	tkt := r.acceptTicket(from, f.Ticket, res)
	if tkt == nil {
		return
	}

	r.sendAck(from, inboundID, &res.AckShare)

	out := &RelayFrame{Packet: res.Packet}
	nextHop := ledger.NodeID(res.NextHop.ID)
	if res.NextChallenge != nil {
		blob, ok := r.issueTicket(nextHop, res)
		if !ok {
			return
		}
		out.Ticket = blob
	}

	raw, err := out.Marshal()
	if err != nil {
		packetsDropped.WithLabelValues(dropReasonSend).Inc()
		return
	}

	// Register the pending challenge before the frame can possibly be
	// acknowledged.
	outID := por.NewID(res.Packet)
	ch := por.Challenge(res.Challenge.Challenge)
	r.trackPending(outID, &ch, &res.OwnShare, tkt)

	if err = r.transport.Send(nextHop, raw); err != nil {
		r.log.Debugf("send to %v failed: %v", nextHop, err)
		packetsDropped.WithLabelValues(dropReasonSend).Inc()
		return
	}
	packetsForwarded.Inc()
}

// acceptTicket validates and persists the ticket accompanying a packet to be
// forwarded.  A packet without an acceptable ticket is dropped; relaying is
// never done for free.
func (r *Relay) acceptTicket(from ledger.NodeID, blob []byte, res *sphinx.UnwrapResult) *ticket.Ticket {
	if len(blob) == 0 {
		packetsDropped.WithLabelValues(dropReasonNoTicket).Inc()
		return nil
	}
	tkt, err := ticket.Unmarshal(blob)
	if err != nil {
		packetsDropped.WithLabelValues(dropReasonNoTicket).Inc()
		return nil
	}

	// The ticket's challenge must match the one the packet's creator bound
	// into this hop's routing info, otherwise the issuer is promising a
	// lottery it knows cannot be drawn.
	if tkt.Challenge != por.Challenge(res.Challenge.Challenge) {
		packetsDropped.WithLabelValues(dropReasonChallengeMismatch).Inc()
		return nil
	}

	channel, err := r.ledger.Channel(tkt.ChannelID)
	if err != nil {
		packetsDropped.WithLabelValues(dropReasonNoChannel).Inc()
		return nil
	}
	if channel.Source != from || channel.Destination != r.nodeID {
		packetsDropped.WithLabelValues(dropReasonTicketVerify).Inc()
		return nil
	}
	issuerKey, err := r.keyring.IssuerKey(from)
	if err != nil {
		packetsDropped.WithLabelValues(dropReasonTicketVerify).Inc()
		return nil
	}
	if err = ticket.Verify(issuerKey, tkt, channel); err != nil {
		r.log.Debugf("ticket from %v rejected: %v", from, err)
		packetsDropped.WithLabelValues(dropReasonTicketVerify).Inc()
		return nil
	}

	if err = r.store.PutTicket(tkt.Hash(), blob); err != nil {
		r.log.Warningf("failed to persist ticket: %v", err)
	}
	return tkt
}

// issueTicket issues the forwarded packet's ticket for the next hop, drawn
// against the local node's channel to it.
func (r *Relay) issueTicket(nextHop ledger.NodeID, res *sphinx.UnwrapResult) ([]byte, bool) {
	channel, err := r.channelTo(nextHop)
	if err != nil {
		packetsDropped.WithLabelValues(dropReasonNoChannel).Inc()
		return nil, false
	}
	ch := por.Challenge(res.NextChallenge.Challenge)
	nt, err := r.issuer.Issue(channel, &ch, r.cfg.Tickets.Probability, r.cfg.Tickets.Amount)
	if err != nil {
		r.log.Debugf("ticket issuance for %v failed: %v", nextHop, err)
		packetsDropped.WithLabelValues(dropReasonIssue).Inc()
		return nil, false
	}
	blob, err := nt.Marshal()
	if err != nil {
		packetsDropped.WithLabelValues(dropReasonIssue).Inc()
		return nil, false
	}
	ticketsIssued.Inc()
	return blob, true
}

func (r *Relay) processAck(from ledger.NodeID, f *AckFrame) {
	resp, ok := r.arena.Resolve(f.ID, &f.Share)
	if !ok {
		acksIgnored.Inc()
		return
	}

	r.pendingMu.Lock()
	p := r.pending[f.ID]
	delete(r.pending, f.ID)
	r.pendingMu.Unlock()

	if p == nil {
		acksIgnored.Inc()
		return
	}
	if p.ticket == nil {
		// Locally originated packet; the first hop confirmed receipt.
		r.log.Debugf("first hop %v acknowledged", from)
		return
	}
	r.redeem(p.ticket, resp)
}

// redeem draws the redemption lottery for a resolved ticket and, on a win,
// submits it on chain.
func (r *Relay) redeem(tkt *ticket.Ticket, resp *por.Response) {
	r.redeemMu.Lock()
	defer r.redeemMu.Unlock()

	th := tkt.Hash()
	channel, err := r.ledger.Channel(tkt.ChannelID)
	if err != nil {
		redemptionFailures.WithLabelValues(dropReasonNoChannel).Inc()
		_ = r.store.DeleteTicket(th)
		return
	}
	chain, err := r.chainFor(tkt.ChannelID)
	if err != nil {
		redemptionFailures.WithLabelValues(failReasonOpening).Inc()
		_ = r.store.DeleteTicket(th)
		return
	}
	opening, err := chain.PeekNext()
	if err != nil {
		// Exhaustion requires an operator driven reseed; the ticket is
		// void once the reseed bumps the epoch, so drop it now.
		r.log.Warningf("channel %v: %v", tkt.ChannelID, err)
		redemptionFailures.WithLabelValues(failReasonExhausted).Inc()
		_ = r.store.DeleteTicket(th)
		return
	}

	req, err := ticket.Redeem(tkt, resp, opening, channel, r.store)
	switch err {
	case nil:
	case ticket.ErrNotWinning:
		ticketsLost.Inc()
		_ = r.store.DeleteTicket(th)
		return
	case ticket.ErrEpochMismatch:
		redemptionFailures.WithLabelValues(failReasonEpoch).Inc()
		_ = r.store.DeleteTicket(th)
		return
	case ticket.ErrTicketSpent:
		redemptionFailures.WithLabelValues(failReasonSpent).Inc()
		_ = r.store.DeleteTicket(th)
		return
	case ticket.ErrInvalidOpening:
		// The local chain disagrees with the published head; leave the
		// ticket in place for a retry once the views converge.
		r.log.Warningf("channel %v: local commitment head out of sync", tkt.ChannelID)
		redemptionFailures.WithLabelValues(failReasonOpening).Inc()
		return
	default:
		redemptionFailures.WithLabelValues(failReasonSubmit).Inc()
		return
	}

	// The winning redemption consumes the opening.
	if _, err = chain.RevealNext(); err != nil {
		// Unreachable given the PeekNext above; the lock is held.
		r.log.Errorf("channel %v: %v", tkt.ChannelID, err)
	}
	if err = r.store.PutChain(tkt.ChannelID, chain); err != nil {
		r.log.Warningf("failed to persist chain for %v: %v", tkt.ChannelID, err)
	}
	_ = r.store.DeleteTicket(th)

	if err = r.submitter.SubmitRedemption(req); err != nil {
		// The ticket is already marked spent; losing a submission is
		// strictly cheaper than risking a double redemption.
		r.log.Errorf("redemption submission for %v failed: %v", tkt.ChannelID, err)
		redemptionFailures.WithLabelValues(failReasonSubmit).Inc()
		return
	}
	ticketsWon.Inc()
}

// SendPacket originates a packet along the given path, issuing the first
// hop's ticket.  The payload must be exactly ForwardPayloadLength bytes.
func (r *Relay) SendPacket(path []*sphinx.PathHop, recipient [geo.RecipientIDLength]byte, payload []byte) error {
	pkt, sender, err := r.codec.NewPacket(rand.Reader, path, recipient, payload)
	if err != nil {
		return err
	}
	defer sender.Reset()

	out := &RelayFrame{Packet: pkt}
	firstHop := ledger.NodeID(path[0].ID)
	if len(path) > 1 {
		channel, err := r.channelTo(firstHop)
		if err != nil {
			return err
		}
		tkt, err := r.issuer.Issue(channel, sender.Challenges[0], r.cfg.Tickets.Probability, r.cfg.Tickets.Amount)
		if err != nil {
			return err
		}
		if out.Ticket, err = tkt.Marshal(); err != nil {
			return err
		}
		ticketsIssued.Inc()
	}

	raw, err := out.Marshal()
	if err != nil {
		return err
	}

	// Track the first hop's acknowledgement.  The expected share is known
	// in advance, so a synthetic challenge over it lets the arena do the
	// verification.
	var own por.Share
	expected := por.DeriveResponse(&own, por.AckShare(sender.SharedSecrets[0]))
	r.trackPending(por.NewID(pkt), por.ChallengeFromResponse(expected), &own, nil)

	return r.transport.Send(firstHop, raw)
}

// EnsureChain ensures a commitment chain exists for the given inbound
// channel, creating, persisting and publishing a fresh one if needed.  It
// returns the chain's current head.
func (r *Relay) EnsureChain(id ledger.ChannelID) (commitment.Opening, error) {
	r.chainsMu.Lock()
	defer r.chainsMu.Unlock()

	if c, ok := r.chains[id]; ok {
		return c.Head(), nil
	}
	c, err := r.store.GetChain(id)
	switch err {
	case nil:
	case commitment.ErrNoChain:
		if c, err = commitment.NewChain(rand.Reader, r.cfg.Tickets.ChainLength); err != nil {
			return commitment.Opening{}, err
		}
		if err = r.store.PutChain(id, c); err != nil {
			return commitment.Opening{}, err
		}
		pub := &ledger.CommitmentPublication{
			ChannelID: id,
			Head:      [ledger.HeadLength]byte(c.Head()),
		}
		if err = r.submitter.PublishCommitment(pub); err != nil {
			return commitment.Opening{}, err
		}
	default:
		return commitment.Opening{}, err
	}
	r.chains[id] = c
	return c.Head(), nil
}

// ReseedChain replaces the chain of the given channel and publishes the new
// head.  Every outstanding ticket under the prior epoch becomes void.
func (r *Relay) ReseedChain(id ledger.ChannelID) (commitment.Opening, error) {
	chain, err := r.chainFor(id)
	if err != nil {
		return commitment.Opening{}, err
	}
	head, err := chain.Reseed(rand.Reader, r.cfg.Tickets.ChainLength)
	if err != nil {
		return commitment.Opening{}, err
	}
	if err = r.store.PutChain(id, chain); err != nil {
		return commitment.Opening{}, err
	}
	pub := &ledger.CommitmentPublication{
		ChannelID: id,
		Head:      [ledger.HeadLength]byte(head),
	}
	if err = r.submitter.PublishCommitment(pub); err != nil {
		return commitment.Opening{}, err
	}
	return head, nil
}

// HandleChannelEvent reacts to channel lifecycle notifications.
func (r *Relay) HandleChannelEvent(ev *ledger.Event) {
	switch ev.Kind {
	case ledger.EventOpened:
		if ev.Channel.Destination != r.nodeID {
			return
		}
		if _, err := r.EnsureChain(ev.Channel.ID); err != nil {
			r.log.Errorf("failed to set up chain for %v: %v", ev.Channel.ID, err)
		}
	case ledger.EventClosed:
		r.chainsMu.Lock()
		delete(r.chains, ev.Channel.ID)
		r.chainsMu.Unlock()
	}
}

func (r *Relay) chainFor(id ledger.ChannelID) (*commitment.Chain, error) {
	r.chainsMu.Lock()
	defer r.chainsMu.Unlock()
	if c, ok := r.chains[id]; ok {
		return c, nil
	}
	c, err := r.store.GetChain(id)
	if err != nil {
		return nil, err
	}
	r.chains[id] = c
	return c, nil
}

func (r *Relay) channelTo(peer ledger.NodeID) (*ledger.ChannelState, error) {
	for _, ch := range r.ledger.ChannelsFrom(r.nodeID) {
		if ch.Destination == peer {
			return ch, nil
		}
	}
	return nil, ledger.ErrChannelNotFound
}

func (r *Relay) trackPending(id por.ID, challenge *por.Challenge, own *por.Share, tkt *ticket.Ticket) {
	r.pendingMu.Lock()
	r.pending[id] = &pendingTicket{ticket: tkt}
	r.pendingMu.Unlock()
	r.arena.Register(id, challenge, own)
}

func (r *Relay) onAckTimeout(id por.ID, _ *por.Challenge) {
	r.pendingMu.Lock()
	p := r.pending[id]
	delete(r.pending, id)
	r.pendingMu.Unlock()

	if p != nil && p.ticket != nil {
		_ = r.store.DeleteTicket(p.ticket.Hash())
		ticketsAbandoned.Inc()
	}
	r.log.Debugf("challenge %x timed out", id[:])
}

func (r *Relay) sendAck(to ledger.NodeID, id por.ID, share *por.Share) {
	f := &AckFrame{ID: id, Share: *share}
	raw, err := f.Marshal()
	if err != nil {
		return
	}
	if err = r.transport.Send(to, raw); err != nil {
		r.log.Debugf("ack to %v failed: %v", to, err)
	}
}

func (r *Relay) isReplay(tag []byte) bool {
	r.replayMu.Lock()
	defer r.replayMu.Unlock()
	if r.replay.Entries() >= r.replay.MaxEntries() {
		// Saturated filter; let traffic flow rather than wedge the node.
		return false
	}
	return r.replay.TestAndSet(tag)
}
