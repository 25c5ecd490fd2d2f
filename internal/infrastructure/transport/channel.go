package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/tunl-sh/tunl/internal/domain"
	"github.com/tunl-sh/tunl/internal/infrastructure/logging"
)

const (
	// writeWait bounds how long one frame write may block.
	writeWait = 10 * time.Second

	// maxFrameSize caps inbound frames; bodies are buffered so frames can
	// reach several megabytes.
	maxFrameSize = 16 << 20
)

// ErrChannelClosed is returned by Send after the channel has closed.
var ErrChannelClosed = errors.New("control channel is closed")

// Channel presents one websocket connection as a duplex stream of frames.
// Sends from concurrent goroutines are serialized so frames are never
// interleaved mid-record. The inbound side is a channel that terminates
// on orderly close or on decode failure.
type Channel struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	frames    chan domain.Frame
	done      chan struct{}
	closeOnce sync.Once
	logger    *logging.Logger
}

// NewChannel wraps an established websocket connection and starts its
// read loop.
func NewChannel(conn *websocket.Conn, logger *logging.Logger) *Channel {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Channel{
		conn:   conn,
		frames: make(chan domain.Frame),
		done:   make(chan struct{}),
		logger: logger,
	}
	conn.SetReadLimit(maxFrameSize)
	go c.readLoop()
	return c
}

// Dial connects to a tunnel server's control endpoint.
func Dial(ctx context.Context, url string, logger *logging.Logger) (*Channel, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "error dialing control channel %s", url)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return NewChannel(conn, logger), nil
}

// Send delivers one frame to the peer. It is safe for concurrent use;
// writes are serialized and never reordered with respect to other sends
// from the same caller.
func (c *Channel) Send(frame domain.Frame) error {
	data, err := EncodeFrame(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "error writing frame")
	}
	return nil
}

// Frames returns the inbound frame stream. The channel is closed when the
// peer disconnects, the channel is closed locally, or a frame fails to
// decode.
func (c *Channel) Frames() <-chan domain.Frame {
	return c.frames
}

// Done returns a channel closed when the control channel shuts down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close shuts the channel down. It is idempotent; pending sends fail and
// the inbound stream terminates.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Channel) readLoop() {
	defer close(c.frames)
	defer func() { _ = c.Close() }()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					c.logger.Debug("control channel read failed", logging.Fields{"error": err.Error()})
				}
			}
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			if errors.Is(err, ErrUnknownFrameType) {
				c.logger.Warn("ignoring unknown frame type", logging.Fields{"error": err.Error()})
				continue
			}
			// Framing faults are fatal for the session.
			c.logger.Error("frame decode failed, closing channel", logging.Fields{"error": err.Error()})
			return
		}

		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}
