package proxy

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/timandy/routine"

	"github.com/chorus-labs/antiphon/codec"
	"github.com/chorus-labs/antiphon/common"
	"github.com/chorus-labs/antiphon/conf"
	"github.com/chorus-labs/antiphon/lock"
	"github.com/chorus-labs/antiphon/remoting"
	"github.com/chorus-labs/antiphon/taskqueue"
	"github.com/chorus-labs/antiphon/transport"
)

// hostHandler is the host side handler of the proxy tests. The plug-in never
// initiates calls, so being asked to handle anything is a test failure.
type hostHandler struct {
}

func (h *hostHandler) DispatchTargetFor(transport.MessageID) taskqueue.Queue {
	return nil
}

func (h *hostHandler) HandleMessage(messageID transport.MessageID, _ *codec.Decoder) *codec.Encoder {
	panic(fmt.Sprintf("host received unexpected message id %d", messageID))
}

// recordingHandler wraps a handler and records, per message id, how often it was
// invoked and on which goroutines.
type recordingHandler struct {
	inner  remoting.MessageHandler
	lock   sync.Mutex
	counts map[transport.MessageID]int
	goids  map[transport.MessageID][]int64
}

func newRecordingHandler(inner remoting.MessageHandler) *recordingHandler {
	return &recordingHandler{
		inner:  inner,
		counts: map[transport.MessageID]int{},
		goids:  map[transport.MessageID][]int64{},
	}
}

func (r *recordingHandler) DispatchTargetFor(messageID transport.MessageID) taskqueue.Queue {
	return r.inner.DispatchTargetFor(messageID)
}

func (r *recordingHandler) HandleMessage(messageID transport.MessageID, message *codec.Decoder) *codec.Encoder {
	r.lock.Lock()
	r.counts[messageID]++
	r.goids[messageID] = append(r.goids[messageID], routine.Goid())
	r.lock.Unlock()
	return r.inner.HandleMessage(messageID, message)
}

func (r *recordingHandler) count(messageID transport.MessageID) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.counts[messageID]
}

func (r *recordingHandler) goidsFor(messageID transport.MessageID) []int64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]int64{}, r.goids[messageID]...)
}

type serviceLink struct {
	host   *remoting.Connection
	plugin *remoting.Connection
}

// newServiceLink wires a host connection to a plug-in connection handled by
// pluginHandler over in process channel pairs.
func newServiceLink(t *testing.T, pluginHandler remoting.MessageHandler,
	cfg *conf.Config) *serviceLink {
	t.Helper()
	hostMain, pluginMain := transport.NewLocalChannelPair()
	hostOther, pluginOther := transport.NewLocalChannelPair()
	host := remoting.NewConnection(uuid.New(), hostMain, hostOther, &hostHandler{},
		lock.NewMainThreadLock(), cfg)
	plugin := remoting.NewConnection(uuid.New(), pluginMain, pluginOther, pluginHandler,
		lock.NewMainThreadLock(), cfg)
	require.NoError(t, host.Start())
	require.NoError(t, plugin.Start())
	return &serviceLink{host: host, plugin: plugin}
}

func (l *serviceLink) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, l.host.Stop())
	require.NoError(t, l.plugin.Stop())
}

func testConfig() *conf.Config {
	cfg := conf.Config{}
	cfg.ApplyDefaults()
	return &cfg
}

func newStartedQueue(t *testing.T, cfg *conf.Config) *taskqueue.SerialQueue {
	t.Helper()
	queue := taskqueue.NewSerialQueue(cfg.TaskQueueMaxPending)
	queue.Start()
	t.Cleanup(queue.Stop)
	return queue
}

func TestCreateDocumentControllerRepliesWithReference(t *testing.T) {
	cfg := testConfig()
	queue := newStartedQueue(t, cfg)
	recording := newRecordingHandler(NewService(queue))
	link := newServiceLink(t, recording, cfg)
	defer link.stop(t)

	controller, err := CreateDocumentController(link.host, cfg, "Test Document", 2, 0x7)
	require.NoError(t, err)
	require.Greater(t, controller.Ref(), 0)

	// The create call must have been handled on the service queue's goroutine
	goidCh := make(chan int64, 1)
	require.True(t, queue.Post(func() { goidCh <- routine.Goid() }))
	queueGoid := <-goidCh
	goids := recording.goidsFor(CreateDocumentControllerID)
	require.Len(t, goids, 1)
	require.Equal(t, queueGoid, goids[0])

	name, err := controller.Name()
	require.NoError(t, err)
	require.Equal(t, "Test Document", name)
}

func TestConcurrentCreatorsEachObserveTheirOwnController(t *testing.T) {
	cfg := testConfig()
	service := NewService(nil)
	link := newServiceLink(t, service, cfg)
	defer link.stop(t)

	numCreators := 8
	type result struct {
		name string
		ctrl *DocumentController
		err  error
	}
	results := make(chan result, numCreators)
	var wg sync.WaitGroup
	for i := 0; i < numCreators; i++ {
		i := i
		wg.Add(1)
		common.Go(func() {
			defer wg.Done()
			name := fmt.Sprintf("document-%d", i)
			ctrl, err := CreateDocumentController(link.host, cfg, name, 1, 0)
			results <- result{name: name, ctrl: ctrl, err: err}
		})
	}
	wg.Wait()
	close(results)

	// Every creator got its own reference, and each proxy resolves back to the
	// name its own goroutine created it with
	refs := map[int]bool{}
	for res := range results {
		require.NoError(t, res.err)
		require.False(t, refs[res.ctrl.Ref()])
		refs[res.ctrl.Ref()] = true
		name, err := res.ctrl.Name()
		require.NoError(t, err)
		require.Equal(t, res.name, name)
	}
	require.Equal(t, numCreators, service.ControllerCount())
}

func TestDestroyReleasesRemoteController(t *testing.T) {
	cfg := testConfig()
	service := NewService(nil)
	recording := newRecordingHandler(service)
	link := newServiceLink(t, recording, cfg)
	defer link.stop(t)

	controller, err := CreateDocumentController(link.host, cfg, "doc", 1, 0)
	require.NoError(t, err)
	require.Equal(t, 1, service.ControllerCount())

	require.NoError(t, controller.Destroy())
	require.Equal(t, 0, service.ControllerCount())

	// A second destroy is a local no-op
	require.NoError(t, controller.Destroy())
	require.Equal(t, 1, recording.count(DestroyDocumentControllerID))
}

func TestResolveAudioSourceMemoisesReferences(t *testing.T) {
	cfg := testConfig()
	service := NewService(nil)
	recording := newRecordingHandler(service)
	link := newServiceLink(t, recording, cfg)
	defer link.stop(t)

	wantRef := service.RegisterAudioSource("drums", SampleReaderFunc(
		func(int64, []byte) bool {
			return true
		}))

	controller, err := CreateDocumentController(link.host, cfg, "doc", 1, 0)
	require.NoError(t, err)

	ref, found, err := controller.ResolveAudioSource("drums")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, wantRef, ref)

	ref, found, err = controller.ResolveAudioSource("drums")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, wantRef, ref)
	// The second resolve was served from the reference cache
	require.Equal(t, 1, recording.count(ResolveAudioSourceID))

	// Forgetting the name sends the next resolve back to the remote side
	controller.ForgetAudioSource("drums")
	ref, found, err = controller.ResolveAudioSource("drums")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, wantRef, ref)
	require.Equal(t, 2, recording.count(ResolveAudioSourceID))
}

func TestResolveUnknownAudioSourceReportsAbsent(t *testing.T) {
	cfg := testConfig()
	service := NewService(nil)
	recording := newRecordingHandler(service)
	link := newServiceLink(t, recording, cfg)
	defer link.stop(t)

	controller, err := CreateDocumentController(link.host, cfg, "doc", 1, 0)
	require.NoError(t, err)

	_, found, err := controller.ResolveAudioSource("no-such-source")
	require.NoError(t, err)
	require.False(t, found)

	// Unknown names are not negatively cached
	_, found, err = controller.ResolveAudioSource("no-such-source")
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, 2, recording.count(ResolveAudioSourceID))
}
