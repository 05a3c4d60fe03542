package transport

import (
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorus-labs/antiphon/common"
	"github.com/chorus-labs/antiphon/conf"
	log "github.com/chorus-labs/antiphon/logger"
)

// Hello frames are tiny - anything bigger is garbage on the wire
const maxHelloFrameSize = 256

// ChannelPairFactory is called once per session, after both channels of the session
// have said hello. The channels are not started - that is the receiver's job.
type ChannelPairFactory func(sessionID uuid.UUID, mainChannel *SocketChannel, otherChannel *SocketChannel)

/*
SocketListener accepts socket channels on the listening side of a connection. Each
accepted conn must open with a hello frame naming its kind and session; once both
the main and the other channel of a session have arrived they are handed to the
ChannelPairFactory as a pair.
*/
type SocketListener struct {
	lock                sync.Mutex
	address             string
	tlsConf             conf.TlsConf
	writeTimeout        time.Duration
	factory             ChannelPairFactory
	started             bool
	listener            net.Listener
	acceptLoopExitGroup sync.WaitGroup
	pending             map[uuid.UUID]*sessionChannels
	channels            sync.Map
}

type sessionChannels struct {
	main  *SocketChannel
	other *SocketChannel
}

func NewSocketListener(address string, tlsConf conf.TlsConf, writeTimeout time.Duration,
	factory ChannelPairFactory) *SocketListener {
	if writeTimeout == 0 {
		writeTimeout = conf.DefaultSocketWriteTimeout
	}
	return &SocketListener{
		address:      address,
		tlsConf:      tlsConf,
		writeTimeout: writeTimeout,
		factory:      factory,
		pending:      map[uuid.UUID]*sessionChannels{},
	}
}

func (s *SocketListener) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}
	list, err := s.createNetworkListener()
	if err != nil {
		return err
	}
	s.listener = list
	s.started = true
	s.acceptLoopExitGroup.Add(1)
	common.Go(s.acceptLoop)
	return nil
}

func (s *SocketListener) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}
	if err := s.listener.Close(); err != nil {
		// Ignore
	}
	s.started = false
	// Wait for accept loop to exit. The loop itself never takes the lock - only the
	// per connection goroutines do, and they bail out once started is false.
	s.acceptLoopExitGroup.Wait()
	s.pending = map[uuid.UUID]*sessionChannels{}
	s.channels.Range(func(ch, _ interface{}) bool {
		//goland:noinspection GoUnhandledErrorResult
		ch.(*SocketChannel).Close()
		return true
	})
	return nil
}

func (s *SocketListener) Address() string {
	return s.address
}

func (s *SocketListener) createNetworkListener() (net.Listener, error) {
	var list net.Listener
	var err error
	var tlsConfig *tls.Config
	if s.tlsConf.Enabled {
		tlsConfig, err = s.tlsConf.ToGoTlsConf()
		if err != nil {
			return nil, err
		}
		list, err = common.Listen("tcp", s.address)
		if err == nil {
			list = tls.NewListener(list, tlsConfig)
		}
	} else {
		list, err = common.Listen("tcp", s.address)
	}
	if err != nil {
		return nil, convertNetworkError(err)
	}
	return list, nil
}

func (s *SocketListener) acceptLoop() {
	defer s.acceptLoopExitGroup.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Ok - was closed
			break
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if ok {
			if err = tcpConn.SetNoDelay(true); err != nil {
				log.Errorf("failed to set tcp no delay: %v", err)
			}
			if err = tcpConn.SetKeepAlive(true); err != nil {
				log.Errorf("failed to set tcp keep alive: %v", err)
			}
		}
		common.Go(func() {
			s.handleNewConnection(conn)
		})
	}
}

func (s *SocketListener) handleNewConnection(conn net.Conn) {
	kind, sessionID, err := readHello(conn)
	if err != nil {
		log.Warnf("rejecting connection: %v", err)
		if err := conn.Close(); err != nil {
			// Ignore
		}
		return
	}
	ch := &SocketChannel{
		conn:         conn,
		writeTimeout: s.writeTimeout,
		kind:         kind,
		sessionID:    sessionID,
	}
	var complete *sessionChannels
	s.lock.Lock()
	if !s.started {
		s.lock.Unlock()
		if err := conn.Close(); err != nil {
			// Ignore
		}
		return
	}
	sess := s.pending[sessionID]
	if sess == nil {
		sess = &sessionChannels{}
		s.pending[sessionID] = sess
	}
	var dup bool
	switch kind {
	case MainChannel:
		if sess.main != nil {
			dup = true
		} else {
			sess.main = ch
		}
	case OtherChannel:
		if sess.other != nil {
			dup = true
		} else {
			sess.other = ch
		}
	}
	if dup {
		s.lock.Unlock()
		log.Warnf("rejecting duplicate channel kind %d for session %s", kind, sessionID)
		if err := conn.Close(); err != nil {
			// Ignore
		}
		return
	}
	s.channels.Store(ch, struct{}{})
	if sess.main != nil && sess.other != nil {
		delete(s.pending, sessionID)
		complete = sess
	}
	s.lock.Unlock()
	if complete != nil {
		// Call the factory outside the lock - it will usually start the channels
		s.factory(sessionID, complete.main, complete.other)
	}
}

// readHello reads exactly one frame - nothing beyond it, as the channel's own read
// loop takes over the conn afterwards.
func readHello(conn net.Conn) (ChannelKind, uuid.UUID, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, uuid.UUID{}, common.NewIPCErrorf(common.SessionError, "failed to read hello frame: %v", err)
	}
	length := binary.BigEndian.Uint32(header)
	if length < 4 || length > maxHelloFrameSize {
		return 0, uuid.UUID{}, common.NewIPCErrorf(common.SessionError, "invalid hello frame length %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return 0, uuid.UUID{}, common.NewIPCErrorf(common.SessionError, "failed to read hello frame: %v", err)
	}
	messageID := MessageID(int32(binary.BigEndian.Uint32(body)))
	if messageID != helloMessageID {
		return 0, uuid.UUID{}, common.NewIPCErrorf(common.SessionError, "connection did not open with a hello frame (id %d)", messageID)
	}
	return decodeHello(body[4:])
}
