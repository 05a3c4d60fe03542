package remoting

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/timandy/routine"

	"github.com/chorus-labs/antiphon/codec"
	"github.com/chorus-labs/antiphon/common"
	"github.com/chorus-labs/antiphon/conf"
	"github.com/chorus-labs/antiphon/lock"
	"github.com/chorus-labs/antiphon/taskqueue"
	"github.com/chorus-labs/antiphon/transport"
)

const (
	echoMessageID transport.MessageID = 300
	pingMessageID transport.MessageID = 310
	pongMessageID transport.MessageID = 311
	depthKey      codec.Key           = 0
)

type funcHandler struct {
	dispatchTargetFor func(messageID transport.MessageID) taskqueue.Queue
	handleMessage     func(messageID transport.MessageID, message *codec.Decoder) *codec.Encoder
}

func (f *funcHandler) DispatchTargetFor(messageID transport.MessageID) taskqueue.Queue {
	if f.dispatchTargetFor == nil {
		return nil
	}
	return f.dispatchTargetFor(messageID)
}

func (f *funcHandler) HandleMessage(messageID transport.MessageID, message *codec.Decoder) *codec.Encoder {
	if f.handleMessage == nil {
		return nil
	}
	return f.handleMessage(messageID, message)
}

type testLink struct {
	host   *Connection
	plugin *Connection
	queues []*taskqueue.SerialQueue
}

// newTestLink wires two connections together over in process channel pairs, one side
// playing host, the other plug-in. Each side gets its own main thread lock, as two
// real processes would have.
func newTestLink(t *testing.T, hostHandler MessageHandler, pluginHandler MessageHandler,
	cfg *conf.Config) *testLink {
	t.Helper()
	hostMain, pluginMain := transport.NewLocalChannelPair()
	hostOther, pluginOther := transport.NewLocalChannelPair()
	host := NewConnection(uuid.New(), hostMain, hostOther, hostHandler, lock.NewMainThreadLock(), cfg)
	plugin := NewConnection(uuid.New(), pluginMain, pluginOther, pluginHandler, lock.NewMainThreadLock(), cfg)
	require.NoError(t, host.Start())
	require.NoError(t, plugin.Start())
	return &testLink{host: host, plugin: plugin}
}

func (l *testLink) newQueue(maxPending int) *taskqueue.SerialQueue {
	q := taskqueue.NewSerialQueue(maxPending)
	q.Start()
	l.queues = append(l.queues, q)
	return q
}

func (l *testLink) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, l.host.Stop())
	require.NoError(t, l.plugin.Stop())
	for _, q := range l.queues {
		q.Stop()
	}
}

func TestConcurrentCallersEachReceiveTheirOwnReply(t *testing.T) {
	pluginHandler := &funcHandler{
		handleMessage: func(messageID transport.MessageID, message *codec.Decoder) *codec.Encoder {
			v, ok := message.ReadInt64(0)
			if messageID != echoMessageID || !ok {
				panic("unexpected message")
			}
			reply := codec.NewEncoder()
			reply.AppendInt64(0, v)
			return reply
		},
	}
	// A tiny routing pool, so concurrent callers force it to grow
	cfg := conf.Config{MaxInFlightPerDispatcher: 2, TaskQueueMaxPending: 100}
	link := newTestLink(t, &funcHandler{}, pluginHandler, &cfg)
	defer link.stop(t)

	numCallers := 10
	numCalls := 20
	errCh := make(chan error, numCallers)
	var wg sync.WaitGroup
	for i := 0; i < numCallers; i++ {
		i := i
		wg.Add(1)
		common.Go(func() {
			defer wg.Done()
			for j := 0; j < numCalls; j++ {
				want := int64(i*1000 + j)
				enc := codec.NewEncoder()
				enc.AppendInt64(0, want)
				var got int64
				err := link.host.SendMessage(echoMessageID, enc, func(reply *codec.Decoder) {
					got, _ = reply.ReadInt64(0)
				})
				if err != nil {
					errCh <- err
					return
				}
				if got != want {
					errCh <- errors.Errorf("caller %d received reply %d, wanted %d", i, got, want)
					return
				}
			}
		})
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
}

/*
TestStackedTransactionsResolve drives a mutually recursive transaction: a host worker
calls ping on the plug-in, whose handler calls pong back into the host, whose handler
calls ping again, down to a fixed depth. Every stacked call back into the host must
be handled on the goroutine of the original blocked caller, and the outer call still
receives its own reply.
*/
func TestStackedTransactionsResolve(t *testing.T) {
	maxDepth := int32(6)
	var link *testLink

	var hostHandlingGoids []int64
	hostHandler := &funcHandler{
		handleMessage: func(messageID transport.MessageID, message *codec.Decoder) *codec.Encoder {
			depth, _ := message.ReadInt32(depthKey)
			hostHandlingGoids = append(hostHandlingGoids, routine.Goid())
			if depth < maxDepth {
				enc := codec.NewEncoder()
				enc.AppendInt32(depthKey, depth+1)
				var nested int32
				err := link.host.SendMessage(pingMessageID, enc, func(reply *codec.Decoder) {
					nested, _ = reply.ReadInt32(depthKey)
				})
				if err != nil || nested != depth+1 {
					panic("nested ping failed")
				}
			}
			reply := codec.NewEncoder()
			reply.AppendInt32(depthKey, depth)
			return reply
		},
	}

	var pluginHandlingGoids []int64
	var pluginQueue *taskqueue.SerialQueue
	pluginHandler := &funcHandler{
		dispatchTargetFor: func(transport.MessageID) taskqueue.Queue {
			// Nesting handlers must not run on the delivering goroutine - it has to
			// stay free to route the transaction's later messages
			return pluginQueue
		},
		handleMessage: func(messageID transport.MessageID, message *codec.Decoder) *codec.Encoder {
			depth, _ := message.ReadInt32(depthKey)
			pluginHandlingGoids = append(pluginHandlingGoids, routine.Goid())
			if depth < maxDepth {
				enc := codec.NewEncoder()
				enc.AppendInt32(depthKey, depth+1)
				var nested int32
				err := link.plugin.SendMessage(pongMessageID, enc, func(reply *codec.Decoder) {
					nested, _ = reply.ReadInt32(depthKey)
				})
				if err != nil || nested != depth+1 {
					panic("nested pong failed")
				}
			}
			reply := codec.NewEncoder()
			reply.AppendInt32(depthKey, depth)
			return reply
		},
	}

	link = newTestLink(t, hostHandler, pluginHandler, nil)
	defer link.stop(t)
	pluginQueue = link.newQueue(100)

	callerGoid := make(chan int64, 1)
	outerReply := make(chan int32, 1)
	common.Go(func() {
		callerGoid <- routine.Goid()
		enc := codec.NewEncoder()
		enc.AppendInt32(depthKey, 0)
		var got int32 = -1
		if err := link.host.SendMessage(pingMessageID, enc, func(reply *codec.Decoder) {
			got, _ = reply.ReadInt32(depthKey)
		}); err != nil {
			panic(err)
		}
		outerReply <- got
	})
	caller := <-callerGoid

	select {
	case got := <-outerReply:
		require.Equal(t, int32(0), got)
	case <-time.After(10 * time.Second):
		require.Fail(t, "stacked transaction did not resolve")
	}

	// Host handled pong at depths 1, 3, 5 - all on the original caller's goroutine
	require.Equal(t, int(maxDepth/2), len(hostHandlingGoids))
	for _, goid := range hostHandlingGoids {
		require.Equal(t, caller, goid)
	}
	// Plug-in handled ping at depths 0, 2, 4, 6 - all on its dispatch queue
	require.Equal(t, int(maxDepth/2)+1, len(pluginHandlingGoids))
	for _, goid := range pluginHandlingGoids[1:] {
		require.Equal(t, pluginHandlingGoids[0], goid)
	}
}

/*
TestCooperativeMainChannelResolvesStackedCalls runs the same mutual recursion over a
pumped main channel: the host main goroutine pumps its channel inside SendMessage,
and every stacked call back to it is handled inline on that pump, while the plug-in
side is served by its own pumping goroutine.
*/
func TestCooperativeMainChannelResolvesStackedCalls(t *testing.T) {
	maxDepth := int32(5)
	var hostConn, pluginConn *Connection

	var hostHandlingGoids []int64
	hostHandler := &funcHandler{
		handleMessage: func(messageID transport.MessageID, message *codec.Decoder) *codec.Encoder {
			depth, _ := message.ReadInt32(depthKey)
			hostHandlingGoids = append(hostHandlingGoids, routine.Goid())
			if depth < maxDepth {
				enc := codec.NewEncoder()
				enc.AppendInt32(depthKey, depth+1)
				if err := hostConn.SendMessage(pingMessageID, enc, nil); err != nil {
					panic(err)
				}
			}
			reply := codec.NewEncoder()
			reply.AppendInt32(depthKey, depth)
			return reply
		},
	}
	pluginHandler := &funcHandler{
		handleMessage: func(messageID transport.MessageID, message *codec.Decoder) *codec.Encoder {
			depth, _ := message.ReadInt32(depthKey)
			if depth < maxDepth {
				enc := codec.NewEncoder()
				enc.AppendInt32(depthKey, depth+1)
				if err := pluginConn.SendMessage(pongMessageID, enc, nil); err != nil {
					panic(err)
				}
			}
			reply := codec.NewEncoder()
			reply.AppendInt32(depthKey, depth)
			return reply
		},
	}

	hostMain, pluginMain := transport.NewPumpedChannelPair()
	hostOther, pluginOther := transport.NewLocalChannelPair()
	hostConn = NewConnection(uuid.New(), hostMain, hostOther, hostHandler, lock.NewMainThreadLock(), nil)
	pluginConn = NewConnection(uuid.New(), pluginMain, pluginOther, pluginHandler, lock.NewMainThreadLock(), nil)
	require.NoError(t, hostConn.Start())
	require.NoError(t, pluginConn.Start())

	// The plug-in's main goroutine sits in a pump loop serving incoming work
	var stopPump atomic.Bool
	var pumpWG sync.WaitGroup
	pumpWG.Add(1)
	common.Go(func() {
		defer pumpWG.Done()
		for !stopPump.Load() {
			if _, err := pluginConn.PollMainChannelMessage(10 * time.Millisecond); err != nil {
				return
			}
		}
	})

	enc := codec.NewEncoder()
	enc.AppendInt32(depthKey, 0)
	var got int32 = -1
	require.NoError(t, hostConn.SendMessage(pingMessageID, enc, func(reply *codec.Decoder) {
		got, _ = reply.ReadInt32(depthKey)
	}))
	require.Equal(t, int32(0), got)

	// Stacked pongs at depths 1, 3, 5 were all handled inline on this goroutine
	require.Equal(t, int(maxDepth/2)+1, len(hostHandlingGoids))
	for _, goid := range hostHandlingGoids {
		require.Equal(t, routine.Goid(), goid)
	}

	stopPump.Store(true)
	pumpWG.Wait()
	require.NoError(t, hostConn.Stop())
	require.NoError(t, pluginConn.Stop())
}

func TestNewTransactionsHandleOnDispatchTargetQueue(t *testing.T) {
	var link *testLink
	var workQueue *taskqueue.SerialQueue
	handledOn := make(chan int64, 1)
	pluginHandler := &funcHandler{
		dispatchTargetFor: func(messageID transport.MessageID) taskqueue.Queue {
			return workQueue
		},
		handleMessage: func(messageID transport.MessageID, message *codec.Decoder) *codec.Encoder {
			workQueue.CheckInLoop()
			handledOn <- routine.Goid()
			return nil
		},
	}
	link = newTestLink(t, &funcHandler{}, pluginHandler, nil)
	defer link.stop(t)
	workQueue = link.newQueue(100)

	require.NoError(t, link.host.SendMessage(echoMessageID, nil, nil))
	queueGoid := make(chan int64, 1)
	require.True(t, workQueue.Post(func() {
		queueGoid <- routine.Goid()
	}))
	require.Equal(t, <-queueGoid, <-handledOn)
}

func TestConnectionStopUnblocksBlockedCaller(t *testing.T) {
	release := make(chan struct{})
	pluginHandler := &funcHandler{
		handleMessage: func(transport.MessageID, *codec.Decoder) *codec.Encoder {
			<-release
			return nil
		},
	}
	link := newTestLink(t, &funcHandler{}, pluginHandler, nil)

	errCh := make(chan error, 1)
	common.Go(func() {
		errCh <- link.host.SendMessage(echoMessageID, nil, nil)
	})
	// Give the call time to get in flight
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, link.host.Stop())
	select {
	case err := <-errCh:
		require.Error(t, err)
		require.True(t, common.IsIPCErrorWithCode(err, common.ChannelClosed))
	case <-time.After(5 * time.Second):
		require.Fail(t, "blocked caller was not released by Stop")
	}
	close(release)
	require.NoError(t, link.plugin.Stop())
}

func TestSendWithReplyMessageIDPanics(t *testing.T) {
	link := newTestLink(t, &funcHandler{}, &funcHandler{}, nil)
	defer link.stop(t)
	require.Panics(t, func() {
		_ = link.host.SendMessage(transport.ReplyMessageID, nil, nil)
	})
}

func TestUnexpectedReplyPanics(t *testing.T) {
	local, remote := transport.NewPumpedChannelPair()
	d := NewDispatcher(local, lock.NewContext(), &funcHandler{}, 8)
	require.NoError(t, d.Start())
	require.NoError(t, remote.Start(func(transport.MessageID, []byte) {}))
	enc := codec.NewEncoder()
	enc.AppendSendThread(codec.ThreadRef(12345))
	enc.AppendReceiveThread(currentThreadRef())
	require.NoError(t, remote.SendMessage(transport.ReplyMessageID, enc.Bytes()))
	require.Panics(t, func() {
		_, _ = local.PollMessage(time.Second)
	})
}

func TestMessageWithoutSenderTagPanics(t *testing.T) {
	local, remote := transport.NewPumpedChannelPair()
	d := NewDispatcher(local, lock.NewContext(), &funcHandler{}, 8)
	require.NoError(t, d.Start())
	require.NoError(t, remote.Start(func(transport.MessageID, []byte) {}))
	enc := codec.NewEncoder()
	enc.AppendInt32(0, 42)
	require.NoError(t, remote.SendMessage(5000, enc.Bytes()))
	require.Panics(t, func() {
		_, _ = local.PollMessage(time.Second)
	})
}
