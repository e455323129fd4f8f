// Package control defines the parent->child control messages as a tagged
// sum, and an exhaustive dispatcher over them. The supervising parent's
// side of the contract lives outside this module; this package is the db
// child's side of the wire.
package control

import "fmt"

// Type tags a Message's payload kind.
type Type string

const (
	TypeInit              Type = "init"
	TypeListen            Type = "listen"
	TypeHeadLookup        Type = "headLookup"
	TypeLocalDataChannel  Type = "localDataChannel"
	TypeRemoteDataChannel Type = "remoteDataChannel"
	TypeAutoMerge         Type = "autoMerge"
	TypeKill              Type = "kill"
)

// Message is one control-interface record, line-delimited JSON on the
// parent/child pipe.
type Message struct {
	Type Type `json:"type"`

	// Perspective and ReceiveBeforeSend apply only to remoteDataChannel.
	Perspective       string `json:"perspective,omitempty"`
	ReceiveBeforeSend bool   `json:"receiveBeforeSend,omitempty"`
}

// Handler receives the dispatched effect of one control message. Exactly
// one method is invoked per Dispatch call, matching Message.Type.
type Handler interface {
	Init()
	Listen()
	HeadLookup()
	LocalDataChannel()
	RemoteDataChannel(perspective string, receiveBeforeSend bool)
	AutoMerge()
	Kill()
}

// Dispatch routes msg to exactly one Handler method, exhaustive over
// Type, returning an error for anything else rather than silently
// dropping it.
func Dispatch(msg Message, h Handler) error {
	switch msg.Type {
	case TypeInit:
		h.Init()
	case TypeListen:
		h.Listen()
	case TypeHeadLookup:
		h.HeadLookup()
	case TypeLocalDataChannel:
		h.LocalDataChannel()
	case TypeRemoteDataChannel:
		h.RemoteDataChannel(msg.Perspective, msg.ReceiveBeforeSend)
	case TypeAutoMerge:
		h.AutoMerge()
	case TypeKill:
		h.Kill()
	default:
		return fmt.Errorf("control: unknown message type %q", msg.Type)
	}
	return nil
}
