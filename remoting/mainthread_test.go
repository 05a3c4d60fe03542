package remoting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chorus-labs/antiphon/common"
)

func TestDistributedMainThreadLockTryLockLaw(t *testing.T) {
	link := newTestLink(t, &funcHandler{}, &funcHandler{}, nil)
	defer link.stop(t)
	hostLock := NewDistributedMainThreadLock(link.host, "host-main")
	pluginLock := NewDistributedMainThreadLock(link.plugin, "plugin-main")

	ok, err := pluginLock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, pluginLock.Unlock())

	// The host takes the lock and re-enters twice
	require.NoError(t, hostLock.Lock())
	require.NoError(t, hostLock.Lock())
	ok, err = hostLock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	// A second owner fails while the first holds it
	ok, err = pluginLock.TryLock()
	require.NoError(t, err)
	require.False(t, ok)

	// And keeps failing until the first owner fully unwinds its recursion
	require.NoError(t, hostLock.Unlock())
	ok, err = pluginLock.TryLock()
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, hostLock.Unlock())
	require.NoError(t, hostLock.Unlock())

	ok, err = pluginLock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, pluginLock.Unlock())
}

func TestDistributedMainThreadLockBlocksSecondOwner(t *testing.T) {
	link := newTestLink(t, &funcHandler{}, &funcHandler{}, nil)
	defer link.stop(t)
	hostLock := NewDistributedMainThreadLock(link.host, "host-main")
	pluginLock := NewDistributedMainThreadLock(link.plugin, "plugin-main")

	require.NoError(t, hostLock.Lock())
	acquired := make(chan struct{})
	common.Go(func() {
		if err := pluginLock.Lock(); err != nil {
			panic(err)
		}
		close(acquired)
	})
	select {
	case <-acquired:
		require.Fail(t, "lock acquired while held by the other side")
	case <-time.After(200 * time.Millisecond):
	}
	require.NoError(t, hostLock.Unlock())
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		require.Fail(t, "lock not acquired after release")
	}
	require.NoError(t, pluginLock.Unlock())
}

func TestDistributedTryLockRollsBackWhenRemoteSideHeld(t *testing.T) {
	link := newTestLink(t, &funcHandler{}, &funcHandler{}, nil)
	defer link.stop(t)
	pluginLock := NewDistributedMainThreadLock(link.plugin, "plugin-main")

	// The host's main thread holds its local lock outside the distributed protocol
	link.host.processLock.Lock("host-main")
	ok, err := pluginLock.TryLock()
	require.NoError(t, err)
	require.False(t, ok)
	// The plug-in's local half was rolled back, not left dangling
	require.True(t, link.plugin.processLock.TryLock("probe"))
	link.plugin.processLock.Unlock("probe")

	link.host.processLock.Unlock("host-main")
	ok, err = pluginLock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, pluginLock.Unlock())
}
