package transport

import (
	"sync"
	"time"

	"github.com/chorus-labs/antiphon/common"
)

// LocalChannel is half of an in process channel pair with asynchronous delivery on a
// goroutine the channel owns, so it behaves like a socket without the socket. It is
// the lockable-blocking flavour: callers awaiting replies block in the dispatcher
// rather than pumping.
type LocalChannel struct {
	lock        sync.Mutex
	peer        *LocalChannel
	msgChan     chan queuedMessage
	receiveFunc ReceiveFunc
	stopWG      sync.WaitGroup
	started     bool
	stopped     bool
}

var _ Channel = (*LocalChannel)(nil)

func NewLocalChannelPair() (*LocalChannel, *LocalChannel) {
	a := newLocalChannel()
	b := newLocalChannel()
	a.peer = b
	b.peer = a
	return a, b
}

func newLocalChannel() *LocalChannel {
	return &LocalChannel{msgChan: make(chan queuedMessage, 10)}
}

func (c *LocalChannel) Start(receiveFunc ReceiveFunc) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.started {
		return nil
	}
	c.receiveFunc = receiveFunc
	c.started = true
	c.stopWG.Add(1)
	common.Go(c.deliverLoop)
	return nil
}

func (c *LocalChannel) deliverLoop() {
	defer c.stopWG.Done()
	for del := range c.msgChan {
		c.receiveFunc(del.messageID, del.payload)
	}
}

func (c *LocalChannel) SendMessage(messageID MessageID, payload []byte) error {
	return c.peer.enqueue(messageID, payload)
}

func (c *LocalChannel) enqueue(messageID MessageID, payload []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stopped {
		return common.NewIPCError(common.ChannelClosed, "channel is closed")
	}
	if !c.started {
		return common.NewIPCError(common.ChannelClosed, "peer channel has not been started")
	}
	c.msgChan <- queuedMessage{messageID: messageID, payload: common.ByteSliceCopy(payload)}
	return nil
}

func (c *LocalChannel) RunsReceiveLoopOnCallingGoroutine() bool {
	return false
}

func (c *LocalChannel) WaitForMessage() error {
	panic("not a co-operative channel")
}

func (c *LocalChannel) PollMessage(time.Duration) (bool, error) {
	panic("not a co-operative channel")
}

func (c *LocalChannel) Close() error {
	c.closeChannel()
	c.stopWG.Wait()
	return nil
}

func (c *LocalChannel) closeChannel() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.msgChan)
}
