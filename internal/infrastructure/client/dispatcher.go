package client

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tunl-sh/tunl/internal/domain"
	"github.com/tunl-sh/tunl/internal/infrastructure/logging"
	"github.com/tunl-sh/tunl/internal/infrastructure/transport"
)

// originTimeout bounds one local HTTP call; it sits inside the server's
// pending deadline so the origin-error reply beats the 504.
const originTimeout = 25 * time.Second

// bufferPool recycles chunk buffers for TCP forwarding.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 32*1024)
		return &buf
	},
}

// originConn is one reused connection to the local service, bound to a
// public socket id. The request id of the latest inbound chunk tags the
// reply frames pumped back.
type originConn struct {
	conn net.Conn

	mu            sync.Mutex
	lastRequestID string
}

func (o *originConn) setRequestID(id string) {
	o.mu.Lock()
	o.lastRequestID = id
	o.mu.Unlock()
}

func (o *originConn) requestID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRequestID
}

// Dispatcher consumes request frames from the control channel and drives
// real I/O against the local service. HTTP requests each run in their own
// goroutine; TCP chunks are routed to a per-socket-id origin connection
// that is reused across chunks.
type Dispatcher struct {
	localPort  int
	channel    *transport.Channel
	httpClient *http.Client
	logger     *logging.Logger

	mu      sync.Mutex
	origins map[string]*originConn
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher for one established control channel.
func NewDispatcher(localPort int, channel *transport.Channel, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		localPort:  localPort,
		channel:    channel,
		httpClient: &http.Client{Timeout: originTimeout},
		logger:     logger,
		origins:    make(map[string]*originConn),
	}
}

// Run consumes inbound frames until the control channel terminates, then
// abandons all origin work. It blocks.
func (d *Dispatcher) Run() {
	for frame := range d.channel.Frames() {
		switch f := frame.(type) {
		case *domain.HTTPRequest:
			d.wg.Add(1)
			go func(req *domain.HTTPRequest) {
				defer d.wg.Done()
				d.handleHTTPRequest(req)
			}(f)
		case *domain.TCPData:
			d.handleTCPData(f)
		case *domain.ErrorFrame:
			d.logger.Warn("server reported an error", logging.Fields{"message": f.Message})
		default:
			d.logger.Debug("ignoring unexpected frame", logging.Fields{"type": frame.FrameKind()})
		}
	}

	d.closeOrigins()
	d.wg.Wait()
}

// handleHTTPRequest replays one tunneled request against the origin and
// frames the reply. Origin failures become error replies, not session
// faults.
func (d *Dispatcher) handleHTTPRequest(f *domain.HTTPRequest) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", d.localPort, f.Path)
	req, err := http.NewRequest(f.Method, url, bytes.NewReader(f.Body))
	if err != nil {
		d.sendReply(domain.NewHTTPErrorResponse(f.RequestID, err.Error()))
		return
	}
	for name, values := range f.Headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.sendReply(domain.NewHTTPErrorResponse(f.RequestID, err.Error()))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.sendReply(domain.NewHTTPErrorResponse(f.RequestID, err.Error()))
		return
	}

	d.sendReply(domain.NewHTTPResponse(f.RequestID, resp.StatusCode, domain.Header(resp.Header), body))
}

// handleTCPData writes one public chunk to the origin connection for its
// socket id, dialing it on first use. Subsequent chunks with the same
// socket id reach the same connection so stateful protocols survive.
func (d *Dispatcher) handleTCPData(f *domain.TCPData) {
	d.mu.Lock()
	oc, ok := d.origins[f.SocketID]
	d.mu.Unlock()

	// Run is the only goroutine that adds origins, so dialing outside
	// the lock cannot race another insert for the same socket id.
	if !ok {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", d.localPort))
		if err != nil {
			d.logger.Warn("origin dial failed", logging.Fields{
				"socket_id": f.SocketID,
				"error":     err.Error(),
			})
			return
		}
		oc = &originConn{conn: conn}
		d.mu.Lock()
		d.origins[f.SocketID] = oc
		d.mu.Unlock()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.pumpOrigin(f.SocketID, oc)
		}()
	}

	oc.setRequestID(f.RequestID)
	if _, err := oc.conn.Write(f.Data); err != nil {
		d.logger.Warn("origin write failed", logging.Fields{
			"socket_id": f.SocketID,
			"error":     err.Error(),
		})
		d.removeOrigin(f.SocketID)
	}
}

// pumpOrigin reads origin bytes for one socket id and frames them back.
func (d *Dispatcher) pumpOrigin(socketID string, oc *originConn) {
	defer d.removeOrigin(socketID)

	bufp := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufp)
	buf := *bufp

	for {
		n, err := oc.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			frame := domain.NewTCPResponse(oc.requestID(), socketID, data)
			if sendErr := d.channel.Send(frame); sendErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *Dispatcher) removeOrigin(socketID string) {
	d.mu.Lock()
	oc, ok := d.origins[socketID]
	if ok {
		delete(d.origins, socketID)
	}
	d.mu.Unlock()
	if ok {
		_ = oc.conn.Close()
	}
}

func (d *Dispatcher) closeOrigins() {
	d.mu.Lock()
	origins := d.origins
	d.origins = make(map[string]*originConn)
	d.mu.Unlock()
	for _, oc := range origins {
		_ = oc.conn.Close()
	}
}

func (d *Dispatcher) sendReply(frame domain.Frame) {
	if err := d.channel.Send(frame); err != nil {
		d.logger.Debug("dropping reply for closed channel", logging.Fields{"error": err.Error()})
	}
}
