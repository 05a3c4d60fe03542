package proxy

import (
	"github.com/chorus-labs/antiphon/codec"
	"github.com/chorus-labs/antiphon/remoting"
	"github.com/chorus-labs/antiphon/transport"
)

// Caller gives call sites a uniform marshalling pattern over one connection:
// allocate an encoder, append typed arguments by key, send, decode the reply either
// with a fixed shape helper or a caller supplied closure.
type Caller struct {
	conn *remoting.Connection
}

func NewCaller(conn *remoting.Connection) *Caller {
	return &Caller{conn: conn}
}

// Call sends one method call and decodes its reply with decodeReply, which may be
// nil when the reply carries nothing of interest.
func (c *Caller) Call(methodID transport.MessageID, args *codec.Encoder,
	decodeReply remoting.ReplyHandler) error {
	return c.conn.SendMessage(methodID, args, decodeReply)
}

// CallVoid sends one method call with an empty reply.
func (c *Caller) CallVoid(methodID transport.MessageID, args *codec.Encoder) error {
	return c.conn.SendMessage(methodID, args, nil)
}

// CallForSize sends a call whose reply holds one Size value under replyKey. An
// absent key reports found false - absence is a normal outcome, not an error.
func (c *Caller) CallForSize(methodID transport.MessageID, args *codec.Encoder,
	replyKey codec.Key) (int, bool, error) {
	var v int
	var found bool
	err := c.conn.SendMessage(methodID, args, func(reply *codec.Decoder) {
		v, found = reply.ReadSize(replyKey)
	})
	return v, found, err
}

// CallForString sends a call whose reply holds one string value under replyKey.
func (c *Caller) CallForString(methodID transport.MessageID, args *codec.Encoder,
	replyKey codec.Key) (string, bool, error) {
	var v string
	var found bool
	err := c.conn.SendMessage(methodID, args, func(reply *codec.Decoder) {
		v, found = reply.ReadString(replyKey)
	})
	return v, found, err
}
