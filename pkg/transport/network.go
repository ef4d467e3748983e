package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/types"
)

type link struct{ from, to types.AuthorityID }

// Network is an in-memory message fabric between authorities, used by
// simulations and tests.
type Network struct {
	mu      sync.RWMutex
	cfg     InboxConfig
	inboxes map[types.AuthorityID]*Inbox
	cut     map[link]bool
	logger  *slog.Logger
}

// NewNetwork creates an empty network. Every joined authority gets an
// inbox built from cfg.
func NewNetwork(cfg InboxConfig) *Network {
	return &Network{
		cfg:     cfg,
		inboxes: make(map[types.AuthorityID]*Inbox),
		cut:     make(map[link]bool),
		logger:  slog.Default().With("component", "transport.network"),
	}
}

// Join registers self and returns its endpoint. Joining twice returns an
// endpoint over the same inbox.
func (n *Network) Join(self types.AuthorityID) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	in, ok := n.inboxes[self]
	if !ok {
		in = NewInbox(n.cfg)
		n.inboxes[self] = in
	}
	return &Endpoint{net: n, self: self, inbox: in}
}

// Partition drops every message from a to b until Heal.
func (n *Network) Partition(from, to types.AuthorityID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[link{from, to}] = true
}

// Heal removes all partitions.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.cut)
}

func (n *Network) deliver(from, to types.AuthorityID, data []byte) error {
	n.mu.RLock()
	in, ok := n.inboxes[to]
	dropped := n.cut[link{from, to}]
	n.mu.RUnlock()
	if !ok {
		return coreerr.New(coreerr.KindNotFound, "transport.send_to_peer", "unknown peer %s", to)
	}
	if dropped {
		n.logger.Debug("partitioned message dropped", "from", from, "to", to)
		return nil
	}
	return in.Push(Inbound{From: from, Data: append([]byte(nil), data...)})
}

// Endpoint is one authority's view of the network.
type Endpoint struct {
	net   *Network
	self  types.AuthorityID
	inbox *Inbox
}

// Self is the endpoint's authority.
func (e *Endpoint) Self() types.AuthorityID { return e.self }

// SendToPeer queues data in peer's inbox.
func (e *Endpoint) SendToPeer(ctx context.Context, peer types.AuthorityID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.net.deliver(e.self, peer, data)
}

// Receive pops the next message, or returns coreerr.ErrNoMessage.
func (e *Endpoint) Receive(ctx context.Context) (Inbound, error) {
	if err := ctx.Err(); err != nil {
		return Inbound{}, err
	}
	return e.inbox.Pop()
}

// Pending is the number of queued messages for this endpoint.
func (e *Endpoint) Pending() int { return e.inbox.Len() }
