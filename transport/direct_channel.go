package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/chorus-labs/antiphon/common"
)

// DirectChannel is half of an in process channel pair with synchronous inline
// delivery: SendMessage invokes the peer's receive function on the calling goroutine
// before returning. A whole transaction, including any stacked calls, therefore
// resolves on the stack of the outermost send. It is the co-operative flavour in its
// most extreme form - the "pump" always runs instantly inside the send itself.
type DirectChannel struct {
	lock        sync.RWMutex
	peer        *DirectChannel
	receiveFunc ReceiveFunc
	closed      atomic.Bool
}

var _ Channel = (*DirectChannel)(nil)

func NewDirectChannelPair() (*DirectChannel, *DirectChannel) {
	a := &DirectChannel{}
	b := &DirectChannel{}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *DirectChannel) Start(receiveFunc ReceiveFunc) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.receiveFunc = receiveFunc
	return nil
}

func (c *DirectChannel) SendMessage(messageID MessageID, payload []byte) error {
	if c.closed.Load() || c.peer.closed.Load() {
		return common.NewIPCError(common.ChannelClosed, "channel is closed")
	}
	receiveFunc := c.peer.getReceiveFunc()
	if receiveFunc == nil {
		return common.NewIPCError(common.ChannelClosed, "peer channel has not been started")
	}
	receiveFunc(messageID, payload)
	return nil
}

func (c *DirectChannel) RunsReceiveLoopOnCallingGoroutine() bool {
	return true
}

func (c *DirectChannel) WaitForMessage() error {
	// Inline delivery means a send returns only after its whole transaction has been
	// processed - waiting here would wait forever.
	panic("direct channels deliver inline - no message can be pending")
}

func (c *DirectChannel) PollMessage(time.Duration) (bool, error) {
	return false, nil
}

func (c *DirectChannel) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *DirectChannel) getReceiveFunc() ReceiveFunc {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.receiveFunc
}
