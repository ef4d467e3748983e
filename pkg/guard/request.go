package guard

import (
	"strings"

	"github.com/hxrts/aura/pkg/transport"
	"github.com/hxrts/aura/pkg/types"
)

// SendPrefix marks operations that hand an envelope to the transport.
const SendPrefix = "send:"

// SendIntent is the envelope a send operation wants delivered.
type SendIntent struct {
	To       types.AuthorityID      `json:"to"`
	Envelope transport.WireEnvelope `json:"envelope"`
}

// Request describes the operation being authorized.
type Request struct {
	Authority          types.AuthorityID `json:"authority"`
	Operation          []byte            `json:"operation"`
	Cost               uint32            `json:"cost"`
	Context            types.ContextID   `json:"context"`
	CapabilityEvidence []byte            `json:"capability_evidence,omitempty"`
	Payload            []byte            `json:"payload,omitempty"`
	Send               *SendIntent       `json:"send,omitempty"`
}

// IsSend reports whether the operation is a network send.
func (r *Request) IsSend() bool {
	return strings.HasPrefix(string(r.Operation), SendPrefix)
}
