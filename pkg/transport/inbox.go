package transport

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/types"
)

// Inbound is one received message.
type Inbound struct {
	From types.AuthorityID
	Data []byte
}

// InboxConfig bounds an inbox. Zero values mean unlimited.
type InboxConfig struct {
	Capacity int

	// PerSenderRate is messages per second admitted from one sender.
	PerSenderRate  float64
	PerSenderBurst int
}

// Inbox is a FIFO queue for one authority. All operations are O(1) under
// the lock and never block.
type Inbox struct {
	mu       sync.RWMutex
	cfg      InboxConfig
	queue    []Inbound
	head     int
	limiters map[types.AuthorityID]*rate.Limiter
}

// NewInbox creates an empty inbox.
func NewInbox(cfg InboxConfig) *Inbox {
	return &Inbox{cfg: cfg, limiters: make(map[types.AuthorityID]*rate.Limiter)}
}

func (in *Inbox) limiter(from types.AuthorityID) *rate.Limiter {
	l, ok := in.limiters[from]
	if !ok {
		burst := in.cfg.PerSenderBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(in.cfg.PerSenderRate), burst)
		in.limiters[from] = l
	}
	return l
}

// Push enqueues msg. It fails with Denied when the inbox is full or the
// sender exceeds its rate.
func (in *Inbox) Push(msg Inbound) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cfg.Capacity > 0 && len(in.queue)-in.head >= in.cfg.Capacity {
		return coreerr.Denied("inbox_full", "inbox is full").WithOp("transport.push")
	}
	if in.cfg.PerSenderRate > 0 && !in.limiter(msg.From).Allow() {
		return coreerr.Denied("rate_limited", "sender "+msg.From.String()+" exceeded its rate").WithOp("transport.push")
	}
	in.queue = append(in.queue, msg)
	return nil
}

// Pop dequeues the oldest message, or returns coreerr.ErrNoMessage.
func (in *Inbox) Pop() (Inbound, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.head == len(in.queue) {
		return Inbound{}, coreerr.ErrNoMessage
	}
	msg := in.queue[in.head]
	in.queue[in.head] = Inbound{}
	in.head++
	if in.head == len(in.queue) {
		in.queue = in.queue[:0]
		in.head = 0
	} else if in.head > 64 && in.head*2 > len(in.queue) {
		n := copy(in.queue, in.queue[in.head:])
		in.queue = in.queue[:n]
		in.head = 0
	}
	return msg, nil
}

// Len is the number of queued messages.
func (in *Inbox) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.queue) - in.head
}
