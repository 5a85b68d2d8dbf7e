package rpc

import (
	"github.com/ersha-io/ersha/pkg/ids"
)

// Envelope is the unit exchanged over an RPC stream. ReplyTo
// is nil for a fresh request and set to the originating MsgID for a
// response; correlation is by ReplyTo == request.MsgID.
type Envelope struct {
	MsgID   ids.MessageId  `json:"msg_id"`
	ReplyTo *ids.MessageId `json:"reply_to,omitempty"`
	Payload WireMessage    `json:"payload"`
}

func newRequest(payload WireMessage) Envelope {
	return Envelope{MsgID: ids.NewMessageId(), Payload: payload}
}

func newReply(to ids.MessageId, payload WireMessage) Envelope {
	reply := to
	return Envelope{MsgID: ids.NewMessageId(), ReplyTo: &reply, Payload: payload}
}
