package transport

import (
	"sync"
	"time"

	"github.com/chorus-labs/antiphon/common"
)

// PumpedChannel is half of an in process channel pair that queues received messages
// until the owning goroutine pumps them out with WaitForMessage or PollMessage. It
// models a platform message queue drained from the thread that created it: delivery
// only ever happens on the pumping goroutine.
type PumpedChannel struct {
	lock        sync.Mutex
	peer        *PumpedChannel
	receiveFunc ReceiveFunc
	inbox       []queuedMessage
	notifyCh    chan struct{}
	closedCh    chan struct{}
	closed      bool
}

type queuedMessage struct {
	messageID MessageID
	payload   []byte
}

var _ Channel = (*PumpedChannel)(nil)

func NewPumpedChannelPair() (*PumpedChannel, *PumpedChannel) {
	a := newPumpedChannel()
	b := newPumpedChannel()
	a.peer = b
	b.peer = a
	return a, b
}

func newPumpedChannel() *PumpedChannel {
	return &PumpedChannel{
		notifyCh: make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

func (c *PumpedChannel) Start(receiveFunc ReceiveFunc) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.receiveFunc = receiveFunc
	return nil
}

func (c *PumpedChannel) SendMessage(messageID MessageID, payload []byte) error {
	return c.peer.enqueue(messageID, payload)
}

func (c *PumpedChannel) enqueue(messageID MessageID, payload []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return common.NewIPCError(common.ChannelClosed, "channel is closed")
	}
	// The sender reuses its buffer after the send returns, so the queued copy must
	// own its bytes.
	c.inbox = append(c.inbox, queuedMessage{messageID: messageID, payload: common.ByteSliceCopy(payload)})
	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
	return nil
}

func (c *PumpedChannel) RunsReceiveLoopOnCallingGoroutine() bool {
	return true
}

// WaitForMessage blocks until one queued message has been delivered on the calling
// goroutine.
func (c *PumpedChannel) WaitForMessage() error {
	for {
		delivered, err := c.deliverOne()
		if err != nil || delivered {
			return err
		}
		select {
		case <-c.notifyCh:
		case <-c.closedCh:
			return common.NewIPCError(common.ChannelClosed, "channel is closed")
		}
	}
}

func (c *PumpedChannel) PollMessage(timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		delivered, err := c.deliverOne()
		if err != nil || delivered {
			return delivered, err
		}
		select {
		case <-c.notifyCh:
		case <-c.closedCh:
			return false, common.NewIPCError(common.ChannelClosed, "channel is closed")
		case <-timer.C:
			return false, nil
		}
	}
}

// deliverOne pops the head of the inbox and hands it to the receive function with the
// channel unlocked, so the handler can freely send and pump.
func (c *PumpedChannel) deliverOne() (bool, error) {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return false, common.NewIPCError(common.ChannelClosed, "channel is closed")
	}
	if len(c.inbox) == 0 {
		c.lock.Unlock()
		return false, nil
	}
	msg := c.inbox[0]
	c.inbox = c.inbox[1:]
	receiveFunc := c.receiveFunc
	c.lock.Unlock()
	if receiveFunc == nil {
		panic("pumped channel pumped before Start")
	}
	receiveFunc(msg.messageID, msg.payload)
	return true, nil
}

func (c *PumpedChannel) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)
	return nil
}
