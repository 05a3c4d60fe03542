package lock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chorus-labs/antiphon/testutils"
)

func TestSendLockStackableReentersOnSameGoroutine(t *testing.T) {
	c := NewContext()
	outer := c.LockBeforeSend(true)
	require.True(t, outer)
	inner := c.LockBeforeSend(true)
	require.False(t, inner)
	c.UnlockAfterSend(inner)
	c.UnlockAfterSend(outer)

	// After release a fresh acquire takes the lock again.
	require.True(t, c.LockBeforeSend(true))
	c.UnlockAfterSend(true)
}

func TestSendLockStackableBlocksOtherGoroutine(t *testing.T) {
	c := NewContext()
	require.True(t, c.LockBeforeSend(true))

	var acquired atomic.Bool
	released := make(chan struct{})
	go func() {
		token := c.LockBeforeSend(true)
		acquired.Store(true)
		c.UnlockAfterSend(token)
		close(released)
	}()

	// Stackable reentry only applies to the goroutine holding the lock.
	time.Sleep(50 * time.Millisecond)
	require.False(t, acquired.Load())

	c.UnlockAfterSend(true)
	testutils.WaitUntil(t, func() (bool, error) {
		return acquired.Load(), nil
	})
	<-released

	// The other goroutine must have actually taken the lock, not reentered.
	require.True(t, c.LockBeforeSend(false))
	c.UnlockAfterSend(true)
}

func TestSendLockNonStackableDoesNotReenter(t *testing.T) {
	c := NewContext()
	require.True(t, c.LockBeforeSend(false))

	var acquired atomic.Bool
	go func() {
		token := c.LockBeforeSend(false)
		acquired.Store(true)
		c.UnlockAfterSend(token)
	}()
	time.Sleep(50 * time.Millisecond)
	require.False(t, acquired.Load())

	c.UnlockAfterSend(true)
	testutils.WaitUntil(t, func() (bool, error) {
		return acquired.Load(), nil
	})
}

func TestUnlockAfterSendFromWrongGoroutinePanics(t *testing.T) {
	c := NewContext()
	require.True(t, c.LockBeforeSend(true))
	panicked := make(chan bool, 1)
	go func() {
		defer func() {
			panicked <- recover() != nil
		}()
		c.UnlockAfterSend(true)
	}()
	require.True(t, <-panicked)
	c.UnlockAfterSend(true)
}

func TestHandleLockReentersWhileHandling(t *testing.T) {
	c := NewContext()
	outer := c.LockBeforeHandle()
	require.Nil(t, outer)
	inner := c.LockBeforeHandle()
	require.Same(t, c, inner)
	c.UnlockAfterHandle(inner)
	c.UnlockAfterHandle(outer)
}

func TestHandleLockBlocksOtherGoroutine(t *testing.T) {
	c := NewContext()
	require.Nil(t, c.LockBeforeHandle())

	var acquired atomic.Bool
	go func() {
		token := c.LockBeforeHandle()
		acquired.Store(true)
		c.UnlockAfterHandle(token)
	}()
	time.Sleep(50 * time.Millisecond)
	require.False(t, acquired.Load())

	c.UnlockAfterHandle(nil)
	testutils.WaitUntil(t, func() (bool, error) {
		return acquired.Load(), nil
	})
}

func TestHandleLockTokenChainsAcrossContexts(t *testing.T) {
	c1 := NewContext()
	c2 := NewContext()

	tok1 := c1.LockBeforeHandle()
	require.Nil(t, tok1)
	tok2 := c2.LockBeforeHandle()
	require.Same(t, c1, tok2)

	// This goroutine is now handling for c2, so only c2 reenters.
	require.Same(t, c2, c2.LockBeforeHandle())
	c2.UnlockAfterHandle(c2)

	c2.UnlockAfterHandle(tok2)

	// Back to handling for c1.
	require.Same(t, c1, c1.LockBeforeHandle())
	c1.UnlockAfterHandle(c1)
	c1.UnlockAfterHandle(tok1)
}

func TestUnlockAfterHandleWhenNotHandlingPanics(t *testing.T) {
	c := NewContext()
	require.Panics(t, func() {
		c.UnlockAfterHandle(nil)
	})
}
