package transport

import (
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorus-labs/antiphon/common"
	"github.com/chorus-labs/antiphon/conf"
	log "github.com/chorus-labs/antiphon/logger"
)

const (
	readBuffSize = 8 * 1024
	dialTimeout  = 5 * time.Second

	// helloMessageID marks the first frame on every socket connection, carrying the
	// protocol version, the channel kind and the session id.
	helloMessageID MessageID = MaxReservedMessageID

	protocolVersion uint16 = 1
)

// ChannelKind says which dispatcher a socket channel serves within its session.
type ChannelKind byte

const (
	MainChannel ChannelKind = iota
	OtherChannel
)

/*
SocketChannel carries messages over one TCP (optionally TLS) connection. Frames are
length prefixed with a big-endian 32 bit integer, followed by the big-endian 32 bit
message id and the payload:

	frame: length (uint32, big endian, counts id + payload)
	       message id (int32, big endian)
	       payload

The first frame on a connection is a hello (see encodeHello) which the listening side
uses to pair the two channels of one session. SocketChannel is lockable-blocking:
received messages are delivered on a goroutine owned by the channel.
*/
type SocketChannel struct {
	lock           sync.Mutex
	conn           net.Conn
	writeTimeout   time.Duration
	kind           ChannelKind
	sessionID      uuid.UUID
	receiveFunc    ReceiveFunc
	closeWaitGroup sync.WaitGroup
	started        bool
	closed         bool
}

var _ Channel = (*SocketChannel)(nil)

func (c *SocketChannel) Kind() ChannelKind {
	return c.kind
}

func (c *SocketChannel) SessionID() uuid.UUID {
	return c.sessionID
}

func (c *SocketChannel) Start(receiveFunc ReceiveFunc) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.started {
		return nil
	}
	c.receiveFunc = receiveFunc
	c.started = true
	c.closeWaitGroup.Add(1)
	common.Go(c.readLoop)
	return nil
}

func (c *SocketChannel) readLoop() {
	defer c.readPanicHandler()
	defer c.closeWaitGroup.Done()
	if err := readFrames(c.conn, c.handleFrame); err != nil {
		// Closed connection errors are normal on shutdown - we ignore them
		ignoreErr := false
		if err == io.EOF {
			ignoreErr = true
		} else if ne, ok := err.(net.Error); ok {
			ignoreErr = strings.Contains(ne.Error(), "use of closed network connection")
		}
		if !ignoreErr {
			log.Errorf("error reading from socket channel: %v", err)
		}
		if err := c.conn.Close(); err != nil {
			// Ignore
		}
	}
}

func (c *SocketChannel) readPanicHandler() {
	// A malformed frame must not crash the process - close the connection instead
	if r := recover(); r != nil {
		log.Errorf("failure in socket channel readLoop: %v", r)
		if err := c.conn.Close(); err != nil {
			// Ignore
		}
	}
}

func (c *SocketChannel) handleFrame(frame []byte) error {
	if len(frame) < 4 {
		return common.NewIPCErrorf(common.ProtocolError, "frame too short: %d bytes", len(frame))
	}
	messageID := MessageID(int32(binary.BigEndian.Uint32(frame)))
	if messageID == helloMessageID {
		return common.NewIPCError(common.ProtocolError, "unexpected hello frame after session setup")
	}
	c.receiveFunc(messageID, frame[4:])
	return nil
}

func (c *SocketChannel) SendMessage(messageID MessageID, payload []byte) error {
	if err := c.sendMessage(messageID, payload); err != nil {
		// A failed write leaves the stream position unknown, so the connection is
		// broken. Close the conn - the read loop exits on its own.
		c.markClosed()
		if err := c.conn.Close(); err != nil {
			// Ignore
		}
		return err
	}
	return nil
}

func (c *SocketChannel) sendMessage(messageID MessageID, payload []byte) error {
	c.lock.Lock()
	closed := c.closed
	c.lock.Unlock()
	if closed {
		return common.NewIPCError(common.ChannelClosed, "channel is closed")
	}
	buff := createFrame(messageID, payload)
	// Set a write deadline so the write doesn't block for a long time if the other
	// side of the TCP connection disappears
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(buff); err != nil {
		return convertNetworkError(err)
	}
	return nil
}

func (c *SocketChannel) RunsReceiveLoopOnCallingGoroutine() bool {
	return false
}

func (c *SocketChannel) WaitForMessage() error {
	panic("not a co-operative channel")
}

func (c *SocketChannel) PollMessage(time.Duration) (bool, error) {
	panic("not a co-operative channel")
}

func (c *SocketChannel) Close() error {
	c.markClosed()
	err := c.conn.Close()
	c.closeWaitGroup.Wait()
	return err
}

func (c *SocketChannel) markClosed() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
}

func createFrame(messageID MessageID, payload []byte) []byte {
	buff := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buff, uint32(4+len(payload)))
	binary.BigEndian.PutUint32(buff[4:], uint32(messageID))
	copy(buff[8:], payload)
	return buff
}

func convertNetworkError(err error) error {
	// Unavailable errors are retryable with a fresh connection attempt
	return common.NewIPCErrorf(common.Unavailable, "transport error on socket channel: %v", err)
}

// readFrames reads length prefixed frames and passes each one to frameHandler. The
// buffer is reused between frames so handlers must copy anything they keep.
func readFrames(conn net.Conn, frameHandler func([]byte) error) error {
	buff := make([]byte, readBuffSize)
	var err error
	var readPos, n int
	for {
		// read the frame size
		bytesRequired := 4 - readPos
		if bytesRequired > 0 {
			n, err = io.ReadAtLeast(conn, buff[readPos:], bytesRequired)
			if err != nil {
				break
			}
			readPos += n
		}
		totSize := 4 + int(binary.BigEndian.Uint32(buff))
		bytesRequired = totSize - readPos
		if bytesRequired > 0 {
			// If we haven't already read enough bytes, read the entire frame body
			if totSize > len(buff) {
				// buffer isn't big enough, resize it
				nb := make([]byte, totSize)
				copy(nb, buff)
				buff = nb
			}
			n, err = io.ReadAtLeast(conn, buff[readPos:], bytesRequired)
			if err != nil {
				break
			}
			readPos += n
		}
		err = frameHandler(buff[4:totSize])
		if err != nil {
			break
		}
		remainingBytes := readPos - totSize
		if remainingBytes > 0 {
			// Bytes for another frame(s) have already been read, don't throw these away
			if remainingBytes < totSize {
				// we can copy directly as no overlap
				copy(buff, buff[totSize:readPos])
			} else {
				// too many bytes remaining, we have to create a new buffer
				nb := make([]byte, len(buff))
				copy(nb, buff[totSize:readPos])
				buff = nb
			}
		}
		readPos = remainingBytes
	}
	if err == io.EOF {
		return nil
	}
	return err
}

// SocketClient dials socket channels towards a listening peer.
type SocketClient struct {
	tlsConf      *tls.Config
	writeTimeout time.Duration
}

func NewSocketClient(tlsConf *conf.ClientTlsConf, writeTimeout time.Duration) (*SocketClient, error) {
	var goTlsConf *tls.Config
	if tlsConf != nil {
		var err error
		goTlsConf, err = tlsConf.ToGoTlsConf()
		if err != nil {
			return nil, err
		}
	}
	if writeTimeout == 0 {
		writeTimeout = conf.DefaultSocketWriteTimeout
	}
	return &SocketClient{
		tlsConf:      goTlsConf,
		writeTimeout: writeTimeout,
	}, nil
}

// Connect dials address and performs the hello exchange, returning a channel of the
// given kind bound to the given session. The channel delivers nothing until Start is
// called.
func (s *SocketClient) Connect(address string, kind ChannelKind, sessionID uuid.UUID) (*SocketChannel, error) {
	var netConn net.Conn
	var tcpConn *net.TCPConn
	if s.tlsConf != nil {
		var err error
		netConn, err = tls.Dial("tcp", address, s.tlsConf)
		if err != nil {
			return nil, convertNetworkError(err)
		}
		rawConn := netConn.(*tls.Conn).NetConn()
		tcpConn = rawConn.(*net.TCPConn)
	} else {
		d := net.Dialer{Timeout: dialTimeout}
		var err error
		netConn, err = d.Dial("tcp", address)
		if err != nil {
			return nil, convertNetworkError(err)
		}
		tcpConn = netConn.(*net.TCPConn)
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		return nil, err
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return nil, err
	}
	ch := &SocketChannel{
		conn:         netConn,
		writeTimeout: s.writeTimeout,
		kind:         kind,
		sessionID:    sessionID,
	}
	if err := ch.sendMessage(helloMessageID, encodeHello(kind, sessionID)); err != nil {
		if err := netConn.Close(); err != nil {
			// Ignore
		}
		return nil, err
	}
	return ch, nil
}

func encodeHello(kind ChannelKind, sessionID uuid.UUID) []byte {
	payload := make([]byte, 0, 19)
	payload = common.AppendUint16ToBufferBE(payload, protocolVersion)
	payload = append(payload, byte(kind))
	payload = append(payload, sessionID[:]...)
	return payload
}

func decodeHello(payload []byte) (ChannelKind, uuid.UUID, error) {
	if len(payload) != 19 {
		return 0, uuid.UUID{}, common.NewIPCErrorf(common.SessionError, "malformed hello frame: %d bytes", len(payload))
	}
	version, _ := common.ReadUint16FromBufferBE(payload, 0)
	if version != protocolVersion {
		return 0, uuid.UUID{}, common.NewIPCErrorf(common.SessionError, "unsupported protocol version %d", version)
	}
	kind := ChannelKind(payload[2])
	if kind != MainChannel && kind != OtherChannel {
		return 0, uuid.UUID{}, common.NewIPCErrorf(common.SessionError, "invalid channel kind %d", kind)
	}
	sessionID, err := uuid.FromBytes(payload[3:19])
	if err != nil {
		return 0, uuid.UUID{}, common.NewIPCErrorf(common.SessionError, "invalid session id: %v", err)
	}
	return kind, sessionID, nil
}
