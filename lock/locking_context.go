package lock

import (
	"sync"
	"sync/atomic"

	"github.com/timandy/routine"

	"github.com/chorus-labs/antiphon/common"
)

// currentHandling tracks, per goroutine, the context that goroutine is currently
// handling a received message for. One cell per goroutine, shared by all contexts, so
// tokens can chain across nested handling.
var currentHandling = common.NewGRLocal()

// Context serialises access to one logical session's physical channels. All channels
// that must appear single threaded to each other share one Context.
//
// The send lock guards the physical channel write. A goroutine that holds it stackable
// may lock again without blocking, so a message handler that is itself executing
// mid-send can issue nested sends. The handle lock guards entry into the application
// message handler and is reentrant through the per goroutine handling cell.
//
// Both locks are advisory. Releasing from a goroutine that never acquired panics -
// carrying on would desequence the call/reply stream on the wire.
type Context struct {
	sendMu        sync.Mutex
	sendOwner     atomic.Int64
	sendStackable atomic.Bool
	handleMu      sync.Mutex
}

func NewContext() *Context {
	return &Context{}
}

// LockBeforeSend acquires the send lock unless this goroutine already holds it
// stackable. It returns true if the lock was actually taken, and that value must be
// passed back to UnlockAfterSend.
func (c *Context) LockBeforeSend(stackable bool) bool {
	if c.sendStackable.Load() && c.sendOwner.Load() == routine.Goid() {
		// Mid-send on this goroutine - the nested send rides on the held lock.
		return false
	}
	c.sendMu.Lock()
	c.sendOwner.Store(routine.Goid())
	c.sendStackable.Store(stackable)
	return true
}

func (c *Context) UnlockAfterSend(token bool) {
	if !token {
		return
	}
	if c.sendOwner.Load() != routine.Goid() {
		panic("send lock released from a goroutine that does not hold it")
	}
	c.sendStackable.Store(false)
	c.sendOwner.Store(0)
	c.sendMu.Unlock()
}

// LockBeforeHandle acquires the handle lock unless this goroutine is already handling
// for this context, in which case the held lock is reused. The returned token is the
// context this goroutine was handling for before, and must be passed back to
// UnlockAfterHandle.
func (c *Context) LockBeforeHandle() *Context {
	prev := handlingContext()
	if prev == c {
		return prev
	}
	c.handleMu.Lock()
	currentHandling.Set(c)
	return prev
}

func (c *Context) UnlockAfterHandle(token *Context) {
	if handlingContext() != c {
		panic("handle lock released from a goroutine that does not hold it")
	}
	if token == c {
		return
	}
	if token == nil {
		currentHandling.Delete()
	} else {
		currentHandling.Set(token)
	}
	c.handleMu.Unlock()
}

func handlingContext() *Context {
	v, ok := currentHandling.Get()
	if !ok {
		return nil
	}
	return v.(*Context)
}
