package lock

import (
	"fmt"
	"sync"
)

// MainThreadLock serialises "logical main thread" work between the two sides of a
// connection. The owner is an opaque identity rather than a goroutine, because
// ownership can sit on the far side of the process boundary: the remote peer takes the
// local lock through its connection identity. The lock is recursive for a single
// owner, so a side re-entering its own main thread work nests arbitrarily deeply.
type MainThreadLock struct {
	mu        sync.Mutex
	cond      *sync.Cond
	owner     string
	recursion int
}

func NewMainThreadLock() *MainThreadLock {
	l := &MainThreadLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// processMainThreadLock is the per process instance shared by all connections in the
// process. Tests create their own instances.
var processMainThreadLock = NewMainThreadLock()

func ProcessMainThreadLock() *MainThreadLock {
	return processMainThreadLock
}

// Lock blocks until owner holds the lock. Re-locking by the current owner increments
// the recursion count instead of blocking.
func (l *MainThreadLock) Lock(owner string) {
	checkOwner(owner)
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.owner == "" {
			l.owner = owner
			l.recursion = 0
			return
		}
		if l.owner == owner {
			l.recursion++
			return
		}
		l.cond.Wait()
	}
}

// TryLock takes the lock without blocking, returning false if another owner holds it.
func (l *MainThreadLock) TryLock(owner string) bool {
	checkOwner(owner)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == "" {
		l.owner = owner
		l.recursion = 0
		return true
	}
	if l.owner == owner {
		l.recursion++
		return true
	}
	return false
}

// Unlock unwinds one level of recursion, releasing the lock and waking waiters when
// the count reaches zero. Unlocking by a non owner panics.
func (l *MainThreadLock) Unlock(owner string) {
	checkOwner(owner)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != owner {
		panic(fmt.Sprintf("main thread lock unlocked by %q but owned by %q", owner, l.owner))
	}
	if l.recursion > 0 {
		l.recursion--
		return
	}
	l.owner = ""
	l.cond.Broadcast()
}

func checkOwner(owner string) {
	if owner == "" {
		panic("main thread lock owner identity cannot be empty")
	}
}
