package transport

import (
	"fmt"
	"time"
)

// MessageID identifies the operation a message invokes. Zero marks a reply rather
// than a call. IDs in [1, 2047] are owned by this library: the proxy call
// vocabulary, the distributed lock subsystem and the transport's own hello all
// allocate from it. Embedder defined extension IDs must lie above the range - a
// collision would desequence the call/reply stream on the wire.
type MessageID int32

const (
	ReplyMessageID       MessageID = 0
	MinReservedMessageID MessageID = 1
	MaxReservedMessageID MessageID = 2047
)

func IsReservedMessageID(id MessageID) bool {
	return id >= MinReservedMessageID && id <= MaxReservedMessageID
}

// CheckExtensionMessageID panics if id is a reply or library owned id. Embedders
// call this when registering extension methods.
func CheckExtensionMessageID(id MessageID) {
	if id >= ReplyMessageID && id <= MaxReservedMessageID {
		panic(fmt.Sprintf("message id %d collides with the reserved id range", id))
	}
}

// ReceiveFunc handles one received message. The payload is only valid for the
// duration of the call - channels reuse their read buffers.
type ReceiveFunc func(messageID MessageID, payload []byte)

// Channel is one physical, ordered, one message at a time transport endpoint.
//
// SendMessage must never be called concurrently on the same channel. That exclusion
// is the locking context's responsibility, not the channel's.
//
// Channels come in two behavioural flavours:
//   - co-operative: RunsReceiveLoopOnCallingGoroutine reports true, and received
//     messages are delivered only on the goroutine calling SendMessage,
//     WaitForMessage or PollMessage;
//   - lockable-blocking: delivery happens on a goroutine owned by the transport, and
//     WaitForMessage and PollMessage panic.
type Channel interface {
	// Start registers receiveFunc and begins delivery of received messages.
	Start(receiveFunc ReceiveFunc) error

	SendMessage(messageID MessageID, payload []byte) error

	RunsReceiveLoopOnCallingGoroutine() bool

	// WaitForMessage blocks until one pending message has been delivered to the
	// receive function on the calling goroutine. Co-operative channels only.
	WaitForMessage() error

	// PollMessage delivers one pending message if any arrives within timeout,
	// reporting whether one was delivered. Co-operative channels only.
	PollMessage(timeout time.Duration) (bool, error)

	Close() error
}
