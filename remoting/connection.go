package remoting

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chorus-labs/antiphon/codec"
	"github.com/chorus-labs/antiphon/conf"
	"github.com/chorus-labs/antiphon/lock"
	"github.com/chorus-labs/antiphon/taskqueue"
	"github.com/chorus-labs/antiphon/transport"
)

/*
Connection binds the two channels of one session to the goroutine structure of the
process. Calls issued from the goroutine that created the connection travel over the
main channel; calls from every other goroutine share the other channel, serialised
by the shared locking context. Both dispatchers share that one context, so the whole
session appears single threaded to the peer.

The connection sits between the dispatchers and the application's MessageHandler so
it can serve the distributed main thread lock's reserved message ids itself; all
other ids are pure delegation.
*/
type Connection struct {
	id              uuid.UUID
	handler         MessageHandler
	mainThread      codec.ThreadRef
	lockingCtx      *lock.Context
	mainChannel     transport.Channel
	otherChannel    transport.Channel
	mainDispatcher  *Dispatcher
	otherDispatcher *Dispatcher
	processLock     *lock.MainThreadLock
	lockQueue       *taskqueue.SerialQueue
	stopped         atomic.Bool
}

var _ MessageHandler = (*Connection)(nil)

// NewConnection creates a connection over the two channels of one session. The
// calling goroutine becomes the connection's designated main goroutine. A nil
// mainThreadLock means the process wide lock; a nil cfg means defaults.
func NewConnection(id uuid.UUID, mainChannel transport.Channel, otherChannel transport.Channel,
	handler MessageHandler, mainThreadLock *lock.MainThreadLock, cfg *conf.Config) *Connection {
	if mainThreadLock == nil {
		mainThreadLock = lock.ProcessMainThreadLock()
	}
	if cfg == nil {
		defaultCfg := conf.Config{}
		defaultCfg.ApplyDefaults()
		cfg = &defaultCfg
	}
	c := &Connection{
		id:           id,
		handler:      handler,
		mainThread:   currentThreadRef(),
		lockingCtx:   lock.NewContext(),
		mainChannel:  mainChannel,
		otherChannel: otherChannel,
		processLock:  mainThreadLock,
		lockQueue:    taskqueue.NewSerialQueue(cfg.TaskQueueMaxPending),
	}
	c.mainDispatcher = NewDispatcher(mainChannel, c.lockingCtx, c, cfg.MaxInFlightPerDispatcher)
	c.otherDispatcher = NewDispatcher(otherChannel, c.lockingCtx, c, cfg.MaxInFlightPerDispatcher)
	return c
}

func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) Start() error {
	c.lockQueue.Start()
	if err := c.mainDispatcher.Start(); err != nil {
		return err
	}
	return c.otherDispatcher.Start()
}

func (c *Connection) Stop() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	c.mainDispatcher.Close()
	c.otherDispatcher.Close()
	mainErr := c.mainChannel.Close()
	otherErr := c.otherChannel.Close()
	c.lockQueue.Stop()
	if mainErr != nil {
		return mainErr
	}
	return otherErr
}

// SendMessage issues one blocking call on the dispatcher owning the calling
// goroutine and returns once the full reply, including any nested stacked calls, has
// been processed. The encoder is consumed.
func (c *Connection) SendMessage(messageID transport.MessageID, enc *codec.Encoder,
	replyHandler ReplyHandler) error {
	return c.dispatcherForCurrentGoroutine().SendMessage(messageID, enc, replyHandler)
}

func (c *Connection) dispatcherForCurrentGoroutine() *Dispatcher {
	// A call made while handling an incoming message is part of that transaction and
	// must travel back over the dispatcher handling it, whichever goroutine it runs
	// on - the peer goroutine awaiting it watches only that channel
	if _, ok := c.mainDispatcher.currentRemoteTarget(); ok {
		return c.mainDispatcher
	}
	if _, ok := c.otherDispatcher.currentRemoteTarget(); ok {
		return c.otherDispatcher
	}
	if currentThreadRef() == c.mainThread {
		return c.mainDispatcher
	}
	return c.otherDispatcher
}

// PollMainChannelMessage pumps one pending main channel message if any arrives
// within timeout. Only meaningful on connections whose main channel is co-operative,
// and only from the main goroutine - it is how an otherwise idle main goroutine
// serves incoming transactions.
func (c *Connection) PollMainChannelMessage(timeout time.Duration) (bool, error) {
	return c.mainChannel.PollMessage(timeout)
}

func (c *Connection) DispatchTargetFor(messageID transport.MessageID) taskqueue.Queue {
	if isMainThreadLockMessage(messageID) {
		// Lock requests may block indefinitely - they get their own queue so they
		// never stall channel delivery or application handling
		return c.lockQueue
	}
	return c.handler.DispatchTargetFor(messageID)
}

func (c *Connection) HandleMessage(messageID transport.MessageID, message *codec.Decoder) *codec.Encoder {
	if isMainThreadLockMessage(messageID) {
		return c.handleMainThreadLockMessage(messageID)
	}
	return c.handler.HandleMessage(messageID, message)
}
