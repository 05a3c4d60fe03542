package taskqueue

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/timandy/routine"

	"github.com/chorus-labs/antiphon/testutils"
)

func TestTasksRunSeriallyOnOneGoroutine(t *testing.T) {
	q := NewSerialQueue(100)
	q.Start()
	defer q.Stop()

	numPosters := 10
	numTasksPerPoster := 20
	var lock sync.Mutex
	var runnerIDs []int64
	var running atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numPosters * numTasksPerPoster)
	for i := 0; i < numPosters; i++ {
		go func() {
			for j := 0; j < numTasksPerPoster; j++ {
				ok := q.Post(func() {
					require.Equal(t, int32(1), running.Add(1))
					lock.Lock()
					runnerIDs = append(runnerIDs, routine.Goid())
					lock.Unlock()
					running.Add(-1)
					wg.Done()
				})
				require.True(t, ok)
			}
		}()
	}
	wg.Wait()

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, numPosters*numTasksPerPoster, len(runnerIDs))
	for _, id := range runnerIDs {
		require.Equal(t, runnerIDs[0], id)
		require.NotEqual(t, routine.Goid(), id)
	}
}

func TestRunDonatesCallingGoroutine(t *testing.T) {
	q := NewSerialQueue(10)
	runnerID := make(chan int64, 1)
	loopDone := make(chan struct{})
	go func() {
		runnerID <- routine.Goid()
		q.Run()
		close(loopDone)
	}()
	expectedID := <-runnerID

	taskID := make(chan int64, 1)
	require.True(t, q.Post(func() {
		q.CheckInLoop()
		taskID <- routine.Goid()
	}))
	require.Equal(t, expectedID, <-taskID)

	q.Stop()
	<-loopDone
}

func TestPostFromLoopRunsAfterCurrentTask(t *testing.T) {
	q := NewSerialQueue(1)
	q.Start()
	defer q.Stop()

	var order []int
	done := make(chan struct{})
	require.True(t, q.Post(func() {
		// The queue only has one admission slot and it is occupied by this very task,
		// so these posts only complete because loop local posts bypass admission.
		q.Post(func() {
			order = append(order, 2)
			q.Post(func() {
				order = append(order, 3)
				close(done)
			})
		})
		order = append(order, 1)
	}))
	<-done
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestPostAfterStopReturnsFalse(t *testing.T) {
	q := NewSerialQueue(10)
	q.Start()
	q.Stop()
	require.False(t, q.Post(func() {}))
}

func TestStopUnblocksWaitingPoster(t *testing.T) {
	q := NewSerialQueue(1)
	q.Start()

	release := make(chan struct{})
	require.True(t, q.Post(func() {
		<-release
	}))
	// With the loop parked in the first task this occupies the single admission slot,
	// so the next poster must block.
	require.True(t, q.Post(func() {}))

	var posterResult atomic.Int32
	go func() {
		if q.Post(func() {}) {
			posterResult.Store(1)
		} else {
			posterResult.Store(2)
		}
	}()

	stopDone := make(chan struct{})
	go func() {
		q.Stop()
		close(stopDone)
	}()

	testutils.WaitUntil(t, func() (bool, error) {
		return posterResult.Load() == 2, nil
	})
	close(release)
	<-stopDone
}

func TestCheckInLoopPanicsOffLoop(t *testing.T) {
	q := NewSerialQueue(10)
	q.Start()
	defer q.Stop()
	require.Panics(t, func() {
		q.CheckInLoop()
	})
}
