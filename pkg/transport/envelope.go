// Package transport frames cross-authority messages. Envelopes carry a
// version, sender and per-sender sequence; validation is structural only.
// Authenticating the payload is left to the guard chain.
package transport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/types"
)

// WireFormatVersion is the newest envelope version this build accepts.
const WireFormatVersion uint16 = 1

// Envelope validation codes.
const (
	CodeInvalidVersion     = "INVALID_VERSION"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodeInvalidTimestamp   = "INVALID_TIMESTAMP"
	CodeSequenceReplay     = "SEQUENCE_REPLAY"
	CodeClockSkew          = "CLOCK_SKEW"
)

// EnvelopeError is a single envelope rejection.
type EnvelopeError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// Unwrap exposes the rejection as an Invalid core error so callers can
// classify it with coreerr.KindOf.
func (e *EnvelopeError) Unwrap() error {
	return &coreerr.Error{Kind: coreerr.KindInvalid, Op: "transport.validate", Reason: e.Code, Msg: e.Message}
}

func reject(field, code, format string, args ...any) *EnvelopeError {
	return &EnvelopeError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Header is the routing part of an envelope.
type Header struct {
	Version   uint16           `json:"version"`
	SessionID *types.SessionID `json:"session_id,omitempty"`
	SenderID  types.DeviceID   `json:"sender_id"`
	Sequence  uint64           `json:"sequence"`
	Timestamp uint64           `json:"timestamp"`
}

// Envelope frames a payload of type T.
type Envelope[T any] struct {
	Version   uint16           `json:"version"`
	SessionID *types.SessionID `json:"session_id,omitempty"`
	SenderID  types.DeviceID   `json:"sender_id"`
	Sequence  uint64           `json:"sequence"`
	Timestamp uint64           `json:"timestamp"`
	Payload   T                `json:"payload"`
}

// Header returns the envelope header.
func (e *Envelope[T]) Header() Header {
	return Header{
		Version:   e.Version,
		SessionID: e.SessionID,
		SenderID:  e.SenderID,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
	}
}

// Validate checks the envelope against the previous sequence seen from the
// same sender, if any.
func (e *Envelope[T]) Validate(prev *uint64) error {
	return e.Header().Validate(prev)
}

// Validate performs the receipt checks. The first failing check is
// returned as an *EnvelopeError.
func (h Header) Validate(prev *uint64) error {
	if h.Version == 0 {
		return reject("version", CodeInvalidVersion, "version must be non-zero")
	}
	if h.Version > WireFormatVersion {
		return reject("version", CodeUnsupportedVersion, "version %d is newer than %d", h.Version, WireFormatVersion)
	}
	if prev != nil && h.Sequence <= *prev {
		return reject("sequence", CodeSequenceReplay, "sequence %d does not follow %d", h.Sequence, *prev)
	}
	if h.Timestamp == 0 {
		return reject("timestamp", CodeInvalidTimestamp, "timestamp must be non-zero")
	}
	return nil
}

// CheckSkew rejects headers whose timestamp is further than maxSkewMs from
// nowMs in either direction. A zero maxSkewMs disables the check.
func (h Header) CheckSkew(nowMs, maxSkewMs uint64) error {
	if maxSkewMs == 0 {
		return nil
	}
	var diff uint64
	if h.Timestamp > nowMs {
		diff = h.Timestamp - nowMs
	} else {
		diff = nowMs - h.Timestamp
	}
	if diff > maxSkewMs {
		return reject("timestamp", CodeClockSkew, "timestamp %d is %dms away from %d (max %d)", h.Timestamp, diff, nowMs, maxSkewMs)
	}
	return nil
}

// SequenceTracker remembers the last accepted sequence per sender.
type SequenceTracker struct {
	mu   sync.Mutex
	last map[types.DeviceID]uint64
}

// NewSequenceTracker creates an empty tracker.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{last: make(map[types.DeviceID]uint64)}
}

// Last returns the last accepted sequence from sender.
func (t *SequenceTracker) Last(sender types.DeviceID) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq, ok := t.last[sender]
	return seq, ok
}

// Accept validates h and, on success, records its sequence.
func (t *SequenceTracker) Accept(h Header) error {
	return t.accept(h, nil)
}

// AcceptAt is Accept followed by a clock skew check against nowMs. A
// header rejected for skew leaves its sequence unrecorded, so a resend
// with a corrected timestamp is still accepted.
func (t *SequenceTracker) AcceptAt(h Header, nowMs, maxSkewMs uint64) error {
	return t.accept(h, func() error { return h.CheckSkew(nowMs, maxSkewMs) })
}

func (t *SequenceTracker) accept(h Header, check func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var prev *uint64
	if seq, ok := t.last[h.SenderID]; ok {
		prev = &seq
	}
	if err := h.Validate(prev); err != nil {
		return err
	}
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	t.last[h.SenderID] = h.Sequence
	return nil
}

// Framer stamps outgoing envelopes for one sender with increasing
// sequence numbers starting at 1.
type Framer struct {
	sender  types.DeviceID
	session *types.SessionID
	next    atomic.Uint64
}

// NewFramer creates a framer for sender. session may be nil.
func NewFramer(sender types.DeviceID, session *types.SessionID) *Framer {
	return &Framer{sender: sender, session: session}
}

// Sender is the framer's device.
func (f *Framer) Sender() types.DeviceID { return f.sender }

// Frame wraps payload in the next envelope from f.
func Frame[T any](f *Framer, timestampMs uint64, payload T) Envelope[T] {
	return Envelope[T]{
		Version:   WireFormatVersion,
		SessionID: f.session,
		SenderID:  f.sender,
		Sequence:  f.next.Add(1),
		Timestamp: timestampMs,
		Payload:   payload,
	}
}
