package remoting

import (
	"fmt"
	"sync"

	"github.com/timandy/routine"

	"github.com/chorus-labs/antiphon/codec"
	"github.com/chorus-labs/antiphon/common"
	"github.com/chorus-labs/antiphon/lock"
	log "github.com/chorus-labs/antiphon/logger"
	"github.com/chorus-labs/antiphon/transport"
)

/*
Dispatcher is the per channel protocol engine. It splits calls from replies, detects
stacked transactions and routes every message to the exact goroutine that must
observe it.

An outgoing call carries the calling goroutine's identity under the reserved
send-thread tag. While a goroutine handles an incoming message, any calls it makes
back out additionally carry the remote peer goroutine's identity under the reserved
receive-thread tag, marking them as part of the existing transaction rather than the
start of a new one. Replies are matched to calls purely by goroutine identity, never
by sequence number: a goroutine blocks inside its own call, so at most one call per
goroutine can be outstanding at any instant.

On a co-operative channel the calling goroutine pumps the channel itself until its
reply has been processed. On a lockable-blocking channel delivery happens on a
goroutine owned by the transport and callers block on the routing pool's condition
variable until a message routed to them arrives.
*/
type Dispatcher struct {
	channel       transport.Channel
	lockingCtx    *lock.Context
	handler       MessageHandler
	cooperative   bool
	slotSoftLimit int

	routingLock sync.Mutex
	routingCond *sync.Cond
	slots       []routedMessage
	closed      bool

	remoteTargets  common.GRLocal
	pendingReplies common.GRLocal
}

// routedMessage is one slot of the routing pool. A slot is free when targetThread is
// invalid; taking a message out transfers ownership of the decoder to the taker.
type routedMessage struct {
	messageID    transport.MessageID
	message      *codec.Decoder
	targetThread codec.ThreadRef
}

// pendingReply lives on the stack of a goroutine pumping a co-operative channel, one
// per outstanding nested call.
type pendingReply struct {
	handler ReplyHandler
	done    bool
	prev    *pendingReply
}

func NewDispatcher(channel transport.Channel, lockingCtx *lock.Context, handler MessageHandler,
	slotSoftLimit int) *Dispatcher {
	d := &Dispatcher{
		channel:        channel,
		lockingCtx:     lockingCtx,
		handler:        handler,
		cooperative:    channel.RunsReceiveLoopOnCallingGoroutine(),
		slotSoftLimit:  slotSoftLimit,
		remoteTargets:  common.NewGRLocal(),
		pendingReplies: common.NewGRLocal(),
	}
	d.routingCond = sync.NewCond(&d.routingLock)
	return d
}

// Start begins delivery of received messages.
func (d *Dispatcher) Start() error {
	return d.channel.Start(d.routeReceivedMessage)
}

// Close wakes any goroutines blocked waiting for routed messages. The underlying
// channel is closed separately by its owner.
func (d *Dispatcher) Close() {
	d.routingLock.Lock()
	defer d.routingLock.Unlock()
	d.closed = true
	d.routingCond.Broadcast()
}

func currentThreadRef() codec.ThreadRef {
	return codec.ThreadRef(routine.Goid())
}

// SendMessage issues one call and blocks until its reply has been processed, handling
// any stacked calls of the transaction in between. The encoder is consumed.
func (d *Dispatcher) SendMessage(messageID transport.MessageID, enc *codec.Encoder,
	replyHandler ReplyHandler) error {
	if messageID == transport.ReplyMessageID {
		panic("message id 0 is reserved for replies")
	}
	if enc == nil {
		enc = codec.NewEncoder()
	}
	enc.AppendSendThread(currentThreadRef())
	if remote, ok := d.currentRemoteTarget(); ok {
		// Mid handling - mark the call as part of the existing transaction
		enc.AppendReceiveThread(remote)
	}
	payload := enc.Bytes()
	if d.cooperative {
		return d.sendCooperative(messageID, payload, replyHandler)
	}
	return d.sendBlocking(messageID, payload, replyHandler)
}

func (d *Dispatcher) sendCooperative(messageID transport.MessageID, payload []byte,
	replyHandler ReplyHandler) error {
	// Install the pending reply before the physical send - on channels with inline
	// delivery the whole transaction resolves inside SendMessage itself
	pr := &pendingReply{handler: replyHandler, prev: d.currentPendingReply()}
	d.pendingReplies.Set(pr)
	token := d.lockingCtx.LockBeforeSend(true)
	err := d.channel.SendMessage(messageID, payload)
	d.lockingCtx.UnlockAfterSend(token)
	if err != nil {
		d.restorePendingReply(pr.prev)
		return err
	}
	// Pump until the reply, and any stacked calls arriving before it, have been
	// processed
	for !pr.done {
		if err := d.channel.WaitForMessage(); err != nil {
			d.restorePendingReply(pr.prev)
			return err
		}
	}
	d.restorePendingReply(pr.prev)
	return nil
}

func (d *Dispatcher) sendBlocking(messageID transport.MessageID, payload []byte,
	replyHandler ReplyHandler) error {
	self := currentThreadRef()
	token := d.lockingCtx.LockBeforeSend(false)
	err := d.channel.SendMessage(messageID, payload)
	d.lockingCtx.UnlockAfterSend(token)
	if err != nil {
		return err
	}
	for {
		d.routingLock.Lock()
		var routedID transport.MessageID
		var routed *codec.Decoder
		for {
			if d.closed {
				d.routingLock.Unlock()
				return common.NewIPCError(common.ChannelClosed, "dispatcher is closed")
			}
			var ok bool
			routedID, routed, ok = d.takeSlot(self)
			if ok {
				break
			}
			d.routingCond.Wait()
		}
		d.routingLock.Unlock()
		if routedID != transport.ReplyMessageID {
			// A stacked call routed to this goroutine - handle it in place and keep
			// waiting for the reply
			d.handleReceivedMessage(routedID, routed)
			continue
		}
		if replyHandler != nil {
			replyHandler(routed)
		}
		return nil
	}
}

// routeReceivedMessage is the channel's receive function. The reserved thread tags
// decide which goroutine must observe the message.
func (d *Dispatcher) routeReceivedMessage(messageID transport.MessageID, payload []byte) {
	// The channel reuses its read buffer and a routed message outlives this call
	message, err := codec.NewDecoder(common.ByteSliceCopy(payload))
	if err != nil {
		panic(fmt.Sprintf("malformed message %d on channel: %v", messageID, err))
	}
	receiveTarget, hasReceiveTarget := message.ReadReceiveThread()
	if hasReceiveTarget {
		if receiveTarget == currentThreadRef() {
			d.dispatchToCurrentGoroutine(messageID, message)
		} else {
			d.routeToThread(messageID, message, receiveTarget)
		}
		return
	}
	// The start of a brand new transaction
	if q := d.handler.DispatchTargetFor(messageID); q != nil {
		if !q.Post(func() {
			d.handleReceivedMessage(messageID, message)
		}) {
			log.Warnf("dropping message %d - its dispatch target queue is stopped", messageID)
		}
		return
	}
	d.handleReceivedMessage(messageID, message)
}

func (d *Dispatcher) dispatchToCurrentGoroutine(messageID transport.MessageID, message *codec.Decoder) {
	if messageID != transport.ReplyMessageID {
		// A stacked call - handle it right away
		d.handleReceivedMessage(messageID, message)
		return
	}
	pr := d.currentPendingReply()
	if pr == nil {
		panic("received a reply with no call outstanding")
	}
	pr.done = true
	if pr.handler != nil {
		pr.handler(message)
	}
}

// handleReceivedMessage runs the application handler for one incoming call and sends
// its reply. For the duration of the handler the sender's goroutine identity is
// recorded as this goroutine's remote target, so that calls the handler makes back
// out are tagged as stacked, and the reply is routed back to exactly that goroutine.
func (d *Dispatcher) handleReceivedMessage(messageID transport.MessageID, message *codec.Decoder) {
	sendThread, ok := message.ReadSendThread()
	if !ok {
		panic(fmt.Sprintf("message %d carries no sender goroutine tag", messageID))
	}
	prevTarget, hadTarget := d.currentRemoteTarget()
	d.remoteTargets.Set(sendThread)
	htoken := d.lockingCtx.LockBeforeHandle()
	reply := d.handler.HandleMessage(messageID, message)
	if reply == nil {
		reply = codec.NewEncoder()
	}
	reply.AppendSendThread(currentThreadRef())
	reply.AppendReceiveThread(sendThread)
	payload := reply.Bytes()
	stoken := d.lockingCtx.LockBeforeSend(d.cooperative)
	err := d.channel.SendMessage(transport.ReplyMessageID, payload)
	d.lockingCtx.UnlockAfterSend(stoken)
	d.lockingCtx.UnlockAfterHandle(htoken)
	if hadTarget {
		d.remoteTargets.Set(prevTarget)
	} else {
		d.remoteTargets.Delete()
	}
	if err != nil {
		log.Errorf("failed to send reply to message %d: %v", messageID, err)
	}
}

func (d *Dispatcher) currentRemoteTarget() (codec.ThreadRef, bool) {
	v, ok := d.remoteTargets.Get()
	if !ok {
		return codec.InvalidThreadRef, false
	}
	return v.(codec.ThreadRef), true
}

func (d *Dispatcher) currentPendingReply() *pendingReply {
	v, ok := d.pendingReplies.Get()
	if !ok {
		return nil
	}
	return v.(*pendingReply)
}

func (d *Dispatcher) restorePendingReply(pr *pendingReply) {
	if pr == nil {
		d.pendingReplies.Delete()
	} else {
		d.pendingReplies.Set(pr)
	}
}

// takeSlot transfers the routed message for target out of the pool. Caller holds
// routingLock.
func (d *Dispatcher) takeSlot(target codec.ThreadRef) (transport.MessageID, *codec.Decoder, bool) {
	for i := range d.slots {
		if d.slots[i].targetThread == target {
			messageID, message := d.slots[i].messageID, d.slots[i].message
			d.slots[i] = routedMessage{}
			return messageID, message, true
		}
	}
	return 0, nil, false
}

func (d *Dispatcher) routeToThread(messageID transport.MessageID, message *codec.Decoder,
	target codec.ThreadRef) {
	d.routingLock.Lock()
	defer d.routingLock.Unlock()
	slot := -1
	for i := range d.slots {
		if d.slots[i].targetThread == codec.InvalidThreadRef {
			slot = i
			break
		}
	}
	if slot == -1 {
		// Exhaustion grows the pool rather than failing
		d.slots = append(d.slots, routedMessage{})
		slot = len(d.slots) - 1
		if len(d.slots) > d.slotSoftLimit {
			log.Warnf("dispatcher routing pool grew to %d slots - possible runaway stacked transactions",
				len(d.slots))
		}
	}
	d.slots[slot] = routedMessage{messageID: messageID, message: message, targetThread: target}
	d.routingCond.Broadcast()
}
