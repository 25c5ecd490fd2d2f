package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunl-sh/tunl/internal/domain"
)

// newConnPair establishes a raw websocket connection pair over an
// in-process test server.
func newConnPair(t *testing.T) (clientConn, serverConn *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error("upgrade failed:", err)
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server side of the pair")
	}
	return conn, serverConn
}

// newChannelPair wraps both ends of a websocket pair as control channels.
func newChannelPair(t *testing.T) (client, server *Channel) {
	t.Helper()
	clientConn, serverConn := newConnPair(t)
	client = NewChannel(clientConn, nil)
	server = NewChannel(serverConn, nil)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func recvFrame(t *testing.T, ch *Channel) domain.Frame {
	t.Helper()
	select {
	case frame, ok := <-ch.Frames():
		require.True(t, ok, "frame stream terminated")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestChannelSendReceive(t *testing.T) {
	client, server := newChannelPair(t)

	require.NoError(t, client.Send(domain.NewRegister(3000, 5000, domain.ProtocolHTTP)))

	frame := recvFrame(t, server)
	register, ok := frame.(*domain.Register)
	require.True(t, ok)
	assert.Equal(t, 3000, register.LocalPort)
	assert.Equal(t, 5000, register.PublicPort)
	assert.Equal(t, domain.ProtocolHTTP, register.Protocol)
}

func TestChannelBothDirections(t *testing.T) {
	client, server := newChannelPair(t)

	require.NoError(t, client.Send(domain.NewRegister(3000, 5000, domain.ProtocolHTTP)))
	_ = recvFrame(t, server)

	require.NoError(t, server.Send(domain.NewErrorFrame("nope")))
	frame := recvFrame(t, client)
	errFrame, ok := frame.(*domain.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, "nope", errFrame.Message)
}

func TestChannelPreservesSubmissionOrder(t *testing.T) {
	client, server := newChannelPair(t)

	for i := 0; i < 20; i++ {
		require.NoError(t, client.Send(domain.NewTCPData("r", "sock", []byte{byte(i)})))
	}
	for i := 0; i < 20; i++ {
		frame := recvFrame(t, server)
		chunk, ok := frame.(*domain.TCPData)
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, chunk.Data)
	}
}

func TestChannelCloseTerminatesFrames(t *testing.T) {
	client, server := newChannelPair(t)

	require.NoError(t, client.Close())

	select {
	case _, ok := <-server.Frames():
		assert.False(t, ok, "expected frame stream to terminate")
	case <-time.After(2 * time.Second):
		t.Fatal("peer frame stream did not terminate after close")
	}

	// Close is idempotent and Send fails afterwards.
	require.NoError(t, client.Close())
	err := client.Send(domain.NewErrorFrame("late"))
	require.Error(t, err)
}

func TestChannelDecodeFailureTearsDownSession(t *testing.T) {
	clientConn, serverConn := newConnPair(t)
	server := NewChannel(serverConn, nil)
	t.Cleanup(func() { _ = server.Close() })

	// Malformed JSON is a framing fault and must terminate the session.
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	select {
	case _, ok := <-server.Frames():
		assert.False(t, ok, "expected frame stream to terminate on decode failure")
	case <-time.After(2 * time.Second):
		t.Fatal("frame stream did not terminate on decode failure")
	}
}

func TestChannelIgnoresUnknownFrameTypes(t *testing.T) {
	clientConn, serverConn := newConnPair(t)
	server := NewChannel(serverConn, nil)
	client := NewChannel(clientConn, nil)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	// A well-formed frame with an unrecognized discriminant is skipped.
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))
	require.NoError(t, client.Send(domain.NewErrorFrame("still alive")))

	frame := recvFrame(t, server)
	_, ok := frame.(*domain.ErrorFrame)
	assert.True(t, ok)
}
