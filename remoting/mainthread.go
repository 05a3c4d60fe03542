package remoting

import (
	"fmt"

	"github.com/chorus-labs/antiphon/codec"
	"github.com/chorus-labs/antiphon/transport"
)

// Message ids of the distributed main thread lock. They sit at the top of the
// reserved id range, just below the transport's own hello id.
const (
	lockMainThreadMessageID    transport.MessageID = 2044
	tryLockMainThreadMessageID transport.MessageID = 2045
	unlockMainThreadMessageID  transport.MessageID = 2046
)

const tryLockResultKey codec.Key = 0

func isMainThreadLockMessage(messageID transport.MessageID) bool {
	return messageID >= lockMainThreadMessageID && messageID <= unlockMainThreadMessageID
}

// remoteOwnerIdentity names the remote peer of this connection as an owner of the
// local process main thread lock.
func (c *Connection) remoteOwnerIdentity() string {
	return "connection-" + c.id.String()
}

func (c *Connection) handleMainThreadLockMessage(messageID transport.MessageID) *codec.Encoder {
	switch messageID {
	case lockMainThreadMessageID:
		c.processLock.Lock(c.remoteOwnerIdentity())
		return nil
	case tryLockMainThreadMessageID:
		reply := codec.NewEncoder()
		if c.processLock.TryLock(c.remoteOwnerIdentity()) {
			reply.AppendInt32(tryLockResultKey, 1)
		} else {
			reply.AppendInt32(tryLockResultKey, 0)
		}
		return reply
	case unlockMainThreadMessageID:
		c.processLock.Unlock(c.remoteOwnerIdentity())
		return nil
	default:
		panic(fmt.Sprintf("unknown main thread lock message id %d", messageID))
	}
}

/*
DistributedMainThreadLock serialises "logical main thread" work across the process
boundary. Acquiring it takes the local process main thread lock and then, over the
connection, the peer's - so neither side's main thread can run concurrently with the
holder, while the holding side may re-enter its own lock arbitrarily deeply.
Releasing unwinds in the reverse order.

Both sides blocking in Lock at the same instant deadlocks, as neither will release
its local lock; callers that cannot rule the race out must use TryLock. Timeouts are
deliberately not offered at this layer.
*/
type DistributedMainThreadLock struct {
	conn       *Connection
	localOwner string
}

func NewDistributedMainThreadLock(conn *Connection, localOwner string) *DistributedMainThreadLock {
	if localOwner == "" {
		panic("local owner identity must not be empty")
	}
	return &DistributedMainThreadLock{conn: conn, localOwner: localOwner}
}

func (l *DistributedMainThreadLock) Lock() error {
	l.conn.processLock.Lock(l.localOwner)
	if err := l.conn.SendMessage(lockMainThreadMessageID, nil, nil); err != nil {
		l.conn.processLock.Unlock(l.localOwner)
		return err
	}
	return nil
}

func (l *DistributedMainThreadLock) TryLock() (bool, error) {
	if !l.conn.processLock.TryLock(l.localOwner) {
		return false, nil
	}
	var acquired bool
	err := l.conn.SendMessage(tryLockMainThreadMessageID, nil, func(reply *codec.Decoder) {
		v, found := reply.ReadInt32(tryLockResultKey)
		acquired = found && v != 0
	})
	if err != nil {
		l.conn.processLock.Unlock(l.localOwner)
		return false, err
	}
	if !acquired {
		l.conn.processLock.Unlock(l.localOwner)
		return false, nil
	}
	return true, nil
}

func (l *DistributedMainThreadLock) Unlock() error {
	// Release the remote side first - the reverse of acquisition order
	err := l.conn.SendMessage(unlockMainThreadMessageID, nil, nil)
	l.conn.processLock.Unlock(l.localOwner)
	return err
}
