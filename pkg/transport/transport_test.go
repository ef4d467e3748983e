package transport_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/transport"
	"github.com/hxrts/aura/pkg/types"
)

func header(version uint16, seq, ts uint64) transport.Header {
	return transport.Header{
		Version:   version,
		SenderID:  types.DeviceIDFromString("device-1"),
		Sequence:  seq,
		Timestamp: ts,
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var envErr *transport.EnvelopeError
	require.True(t, errors.As(err, &envErr), "want EnvelopeError, got %v", err)
	assert.Equal(t, code, envErr.Code)
	assert.Equal(t, coreerr.KindInvalid, coreerr.KindOf(err))
}

func TestEnvelopeRejection(t *testing.T) {
	prev := uint64(7)
	tests := []struct {
		name string
		h    transport.Header
		prev *uint64
		code string
	}{
		{"zero version", header(0, 8, 1000), &prev, transport.CodeInvalidVersion},
		{"future version", header(transport.WireFormatVersion+1, 8, 1000), &prev, transport.CodeUnsupportedVersion},
		{"zero timestamp", header(1, 8, 0), &prev, transport.CodeInvalidTimestamp},
		{"replayed sequence", header(1, 7, 1000), &prev, transport.CodeSequenceReplay},
		{"older sequence", header(1, 3, 1000), &prev, transport.CodeSequenceReplay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireCode(t, tt.h.Validate(tt.prev), tt.code)
		})
	}

	require.NoError(t, header(1, 8, 1000).Validate(&prev))
	require.NoError(t, header(1, 0, 1000).Validate(nil))
}

func TestEnvelopeValidateDelegatesToHeader(t *testing.T) {
	env := transport.Envelope[string]{Version: 1, Sequence: 1, Timestamp: 0, Payload: "x"}
	requireCode(t, env.Validate(nil), transport.CodeInvalidTimestamp)
}

func TestSequenceTracker(t *testing.T) {
	tr := transport.NewSequenceTracker()
	require.NoError(t, tr.Accept(header(1, 1, 10)))
	require.NoError(t, tr.Accept(header(1, 5, 10)))
	requireCode(t, tr.Accept(header(1, 5, 10)), transport.CodeSequenceReplay)

	last, ok := tr.Last(types.DeviceIDFromString("device-1"))
	require.True(t, ok)
	assert.Equal(t, uint64(5), last)

	// A rejected envelope does not advance the tracker.
	requireCode(t, tr.Accept(header(0, 9, 10)), transport.CodeInvalidVersion)
	last, _ = tr.Last(types.DeviceIDFromString("device-1"))
	assert.Equal(t, uint64(5), last)
}

func TestSequenceTrackerSkewKeepsSequence(t *testing.T) {
	tr := transport.NewSequenceTracker()
	require.NoError(t, tr.AcceptAt(header(1, 1, 10_000), 10_000, 1_000))

	requireCode(t, tr.AcceptAt(header(1, 2, 50_000), 10_000, 1_000), transport.CodeClockSkew)
	last, _ := tr.Last(types.DeviceIDFromString("device-1"))
	assert.Equal(t, uint64(1), last)

	require.NoError(t, tr.AcceptAt(header(1, 2, 10_200), 10_000, 1_000))
	requireCode(t, tr.AcceptAt(header(1, 2, 10_200), 10_000, 1_000), transport.CodeSequenceReplay)
}

func TestCheckSkew(t *testing.T) {
	h := header(1, 1, 10_000)
	require.NoError(t, h.CheckSkew(10_500, 1_000))
	require.NoError(t, h.CheckSkew(9_500, 1_000))
	requireCode(t, h.CheckSkew(12_000, 1_000), transport.CodeClockSkew)
	require.NoError(t, h.CheckSkew(99_999, 0))
}

func TestFramerSequences(t *testing.T) {
	f := transport.NewFramer(types.DeviceIDFromString("d"), nil)
	a := transport.Frame(f, 100, "a")
	b := transport.Frame(f, 100, "b")
	assert.Equal(t, uint64(1), a.Sequence)
	assert.Equal(t, uint64(2), b.Sequence)
	assert.Equal(t, transport.WireFormatVersion, a.Version)
}

func TestEnvelopeWireRoundTrip(t *testing.T) {
	since := map[types.AuthorityID]types.Epoch{types.AuthorityIDFromString("a"): 3}
	msg, err := transport.NewMessage(transport.TagJournalSyncRequest, transport.JournalSyncRequest{Since: since})
	require.NoError(t, err)

	f := transport.NewFramer(types.DeviceIDFromString("d"), nil)
	raw, err := transport.EncodeEnvelope(transport.Frame(f, 42, msg))
	require.NoError(t, err)

	env, err := transport.DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, transport.TagJournalSyncRequest, env.Payload.Tag)

	var req transport.JournalSyncRequest
	require.NoError(t, env.Payload.Decode(&req))
	assert.Equal(t, since, req.Since)
}

func TestNewMessageRejectsUnknownTag(t *testing.T) {
	_, err := transport.NewMessage(transport.MessageTag(99), struct{}{})
	assert.True(t, coreerr.Is(err, coreerr.KindInvalid))
}

func TestSyncDeltaConversion(t *testing.T) {
	d := journal.Delta{CapsRefinement: journal.NewCap("send:*")}
	assert.Equal(t, d, transport.SyncDelta(d).Delta())
}

func TestInboxFIFO(t *testing.T) {
	in := transport.NewInbox(transport.InboxConfig{})
	from := types.AuthorityIDFromString("a")
	for i := 0; i < 200; i++ {
		require.NoError(t, in.Push(transport.Inbound{From: from, Data: []byte{byte(i)}}))
	}
	for i := 0; i < 200; i++ {
		msg, err := in.Pop()
		require.NoError(t, err)
		require.Equal(t, byte(i), msg.Data[0])
	}
	_, err := in.Pop()
	assert.ErrorIs(t, err, coreerr.ErrNoMessage)
}

func TestInboxLimits(t *testing.T) {
	from := types.AuthorityIDFromString("a")

	full := transport.NewInbox(transport.InboxConfig{Capacity: 1})
	require.NoError(t, full.Push(transport.Inbound{From: from}))
	assert.True(t, coreerr.Is(full.Push(transport.Inbound{From: from}), coreerr.KindDenied))

	limited := transport.NewInbox(transport.InboxConfig{PerSenderRate: 0.001, PerSenderBurst: 2})
	require.NoError(t, limited.Push(transport.Inbound{From: from}))
	require.NoError(t, limited.Push(transport.Inbound{From: from}))
	err := limited.Push(transport.Inbound{From: from})
	assert.ErrorIs(t, err, coreerr.Denied("rate_limited", ""))
	require.NoError(t, limited.Push(transport.Inbound{From: types.AuthorityIDFromString("b")}))
}

func TestNetworkDeliveryAndPartition(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork(transport.InboxConfig{})
	a := net.Join(types.AuthorityIDFromString("a"))
	b := net.Join(types.AuthorityIDFromString("b"))

	require.NoError(t, a.SendToPeer(ctx, b.Self(), []byte("hi")))
	msg, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Self(), msg.From)
	assert.Equal(t, []byte("hi"), msg.Data)

	net.Partition(a.Self(), b.Self())
	require.NoError(t, a.SendToPeer(ctx, b.Self(), []byte("lost")))
	assert.Equal(t, 0, b.Pending())
	net.Heal()
	require.NoError(t, a.SendToPeer(ctx, b.Self(), []byte("back")))
	assert.Equal(t, 1, b.Pending())

	err = a.SendToPeer(ctx, types.AuthorityIDFromString("nobody"), nil)
	assert.True(t, coreerr.Is(err, coreerr.KindNotFound))

	_, err = a.Receive(ctx)
	assert.ErrorIs(t, err, coreerr.ErrNoMessage)
}
