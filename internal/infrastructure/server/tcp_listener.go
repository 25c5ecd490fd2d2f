package server

import (
	"fmt"
	"net"
	"sync"

	"github.com/tunl-sh/tunl/internal/domain"
	"github.com/tunl-sh/tunl/internal/infrastructure/logging"
)

// bufferPool recycles chunk buffers for TCP forwarding.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 32*1024)
		return &buf
	},
}

// tcpListener is the public endpoint of one TCP tunnel. Every accepted
// connection gets a stable socket id (its peer address); inbound chunks
// are framed as TCPData and replies are demuxed back by socket id.
type tcpListener struct {
	ln        net.Listener
	session   *Session
	sockets   *socketRegistry
	logger    *logging.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// newTCPListener binds the public port synchronously; accepting starts
// with Start.
func newTCPListener(port int, session *Session, logger *logging.Logger) (*tcpListener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, domain.NewBindError(port, err)
	}

	return &tcpListener{
		ln:      ln,
		session: session,
		sockets: newSocketRegistry(),
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start begins accepting public connections.
func (l *tcpListener) Start() {
	go l.acceptLoop()
}

// Close stops the listener and every live public socket. Closing a
// public socket does not notify the client.
func (l *tcpListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
		l.sockets.closeAll()
	})
	return err
}

// writeTo delivers an origin reply chunk to the public socket it belongs
// to. Chunks for sockets that have gone away are dropped.
func (l *tcpListener) writeTo(socketID string, data []byte) {
	conn, ok := l.sockets.get(socketID)
	if !ok {
		l.logger.Debug("dropping reply for closed socket", logging.Fields{"socket_id": socketID})
		return
	}
	if _, err := conn.Write(data); err != nil {
		l.logger.Debug("public socket write failed", logging.Fields{
			"socket_id": socketID,
			"error":     err.Error(),
		})
		l.sockets.remove(socketID)
		_ = conn.Close()
	}
}

func (l *tcpListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
			default:
				l.logger.Error("public tcp accept failed", logging.Fields{"error": err.Error()})
			}
			return
		}
		go l.serveConn(conn)
	}
}

// serveConn forwards inbound chunks from one public connection. Chunks
// from a single connection reach the client in arrival order because the
// channel serializes frame writes per sender.
func (l *tcpListener) serveConn(conn net.Conn) {
	socketID := conn.RemoteAddr().String()
	l.sockets.add(socketID, conn)
	defer func() {
		l.sockets.remove(socketID)
		_ = conn.Close()
	}()

	l.logger.Debug("public tcp connection opened", logging.Fields{"socket_id": socketID})

	bufp := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufp)
	buf := *bufp

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			frame := domain.NewTCPData(newID(), socketID, data)
			if sendErr := l.session.channel.Send(frame); sendErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
