package remoting

import (
	"github.com/chorus-labs/antiphon/codec"
	"github.com/chorus-labs/antiphon/taskqueue"
	"github.com/chorus-labs/antiphon/transport"
)

// MessageHandler supplies the application side of a connection: which goroutine owns
// brand new incoming transactions, and what each call does. The dispatch layer never
// interprets message ids beyond its own reserved ones.
type MessageHandler interface {
	// DispatchTargetFor names the task queue that must run the handling of a brand
	// new incoming transaction. Nil means handle on the delivering goroutine - for
	// socket backed channels that stalls delivery until the handler returns.
	DispatchTargetFor(messageID transport.MessageID) taskqueue.Queue

	// HandleMessage processes one incoming call and returns its reply. Nil stands
	// for an empty reply. A call must always be answered - the caller is blocked on
	// it.
	HandleMessage(messageID transport.MessageID, message *codec.Decoder) *codec.Encoder
}

// ReplyHandler decodes one reply. The decoder is only valid for the duration of the
// call - copy anything that must be kept.
type ReplyHandler func(reply *codec.Decoder)
