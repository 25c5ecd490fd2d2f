package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunl-sh/tunl/internal/domain"
	"github.com/tunl-sh/tunl/internal/infrastructure/transport"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startServer(t *testing.T) *ControlServer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ControlPort = 0
	cfg.PublicHost = "127.0.0.1"
	srv := NewControlServer(cfg, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

// dialControl opens a control channel to the test server, playing the
// client's role in the frame exchange.
func dialControl(t *testing.T, srv *ControlServer) *transport.Channel {
	t.Helper()
	port := srv.Addr().(*net.TCPAddr).Port
	url := fmt.Sprintf("ws://127.0.0.1:%d%s", port, ControlPath)
	channel, err := transport.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = channel.Close() })
	return channel
}

func recvFrame(t *testing.T, channel *transport.Channel) domain.Frame {
	t.Helper()
	select {
	case frame, ok := <-channel.Frames():
		require.True(t, ok, "control channel terminated")
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func register(t *testing.T, channel *transport.Channel, localPort, publicPort int, protocol domain.Protocol) *domain.Registered {
	t.Helper()
	require.NoError(t, channel.Send(domain.NewRegister(localPort, publicPort, protocol)))
	frame := recvFrame(t, channel)
	registered, ok := frame.(*domain.Registered)
	require.True(t, ok, "expected registered frame, got %T", frame)
	return registered
}

func TestRegisterEstablishesHTTPTunnel(t *testing.T) {
	srv := startServer(t)
	channel := dialControl(t, srv)
	publicPort := freePort(t)

	registered := register(t, channel, 3000, publicPort, domain.ProtocolHTTP)
	assert.NotEmpty(t, registered.SessionID)
	assert.Equal(t, publicPort, registered.PublicPort)
	assert.Contains(t, registered.PublicURL, strconv.Itoa(publicPort))
	assert.Equal(t, 1, srv.Registry().Count())
}

func TestPublicHTTPRequestRoundTrip(t *testing.T) {
	srv := startServer(t)
	channel := dialControl(t, srv)
	publicPort := freePort(t)
	register(t, channel, 3000, publicPort, domain.ProtocolHTTP)

	type publicResult struct {
		resp *http.Response
		body []byte
		err  error
	}
	resultCh := make(chan publicResult, 1)
	go func() {
		url := fmt.Sprintf("http://127.0.0.1:%d/a?b=1", publicPort)
		resp, err := http.Post(url, "text/plain", strings.NewReader("payload"))
		if err != nil {
			resultCh <- publicResult{err: err}
			return
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		resultCh <- publicResult{resp: resp, body: body, err: err}
	}()

	frame := recvFrame(t, channel)
	request, ok := frame.(*domain.HTTPRequest)
	require.True(t, ok, "expected http request frame, got %T", frame)
	assert.Equal(t, http.MethodPost, request.Method)
	assert.Equal(t, "/a?b=1", request.Path)
	assert.Equal(t, []byte("payload"), request.Body)
	assert.NotEmpty(t, request.RequestID)

	reply := domain.NewHTTPResponse(request.RequestID, 201, domain.Header{"X-Origin": {"yes"}}, []byte("hi"))
	require.NoError(t, channel.Send(reply))

	select {
	case result := <-resultCh:
		require.NoError(t, result.err)
		assert.Equal(t, 201, result.resp.StatusCode)
		assert.Equal(t, "yes", result.resp.Header.Get("X-Origin"))
		assert.Equal(t, []byte("hi"), result.body)
	case <-time.After(3 * time.Second):
		t.Fatal("public caller never got a response")
	}
}

func TestOriginErrorBecomes502(t *testing.T) {
	srv := startServer(t)
	channel := dialControl(t, srv)
	publicPort := freePort(t)
	register(t, channel, 3000, publicPort, domain.ProtocolHTTP)

	statusCh := make(chan int, 1)
	go func() {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", publicPort))
		if err != nil {
			statusCh <- 0
			return
		}
		_ = resp.Body.Close()
		statusCh <- resp.StatusCode
	}()

	frame := recvFrame(t, channel)
	request := frame.(*domain.HTTPRequest)
	require.NoError(t, channel.Send(domain.NewHTTPErrorResponse(request.RequestID, "connection refused")))

	select {
	case status := <-statusCh:
		assert.Equal(t, http.StatusBadGateway, status)
	case <-time.After(3 * time.Second):
		t.Fatal("public caller never got a response")
	}
}

func TestRegisterPortCollision(t *testing.T) {
	srv := startServer(t)
	publicPort := freePort(t)

	first := dialControl(t, srv)
	register(t, first, 3000, publicPort, domain.ProtocolHTTP)

	second := dialControl(t, srv)
	require.NoError(t, second.Send(domain.NewRegister(3000, publicPort, domain.ProtocolHTTP)))
	frame := recvFrame(t, second)
	errFrame, ok := frame.(*domain.ErrorFrame)
	require.True(t, ok, "expected error frame, got %T", frame)
	assert.Contains(t, errFrame.Message, strconv.Itoa(publicPort))

	// The first tunnel is unaffected and the rejected session may retry
	// with a different port.
	assert.Equal(t, 1, srv.Registry().Count())
	otherPort := freePort(t)
	register(t, second, 3000, otherPort, domain.ProtocolHTTP)
	assert.Equal(t, 2, srv.Registry().Count())
}

func TestRegisterBindFailure(t *testing.T) {
	srv := startServer(t)
	channel := dialControl(t, srv)

	// Occupy the public port outside the tunnel server.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = occupied.Close() }()
	publicPort := occupied.Addr().(*net.TCPAddr).Port

	require.NoError(t, channel.Send(domain.NewRegister(3000, publicPort, domain.ProtocolHTTP)))
	frame := recvFrame(t, channel)
	_, ok := frame.(*domain.ErrorFrame)
	require.True(t, ok, "expected error frame, got %T", frame)
	assert.Equal(t, 0, srv.Registry().Count())
}

func TestRegisterTwiceIsRefused(t *testing.T) {
	srv := startServer(t)
	channel := dialControl(t, srv)
	publicPort := freePort(t)
	register(t, channel, 3000, publicPort, domain.ProtocolHTTP)

	require.NoError(t, channel.Send(domain.NewRegister(3000, freePort(t), domain.ProtocolHTTP)))
	frame := recvFrame(t, channel)
	errFrame, ok := frame.(*domain.ErrorFrame)
	require.True(t, ok, "expected error frame, got %T", frame)
	assert.Contains(t, errFrame.Message, "already")
	assert.Equal(t, 1, srv.Registry().Count())
}

func TestRegisterUnknownProtocol(t *testing.T) {
	srv := startServer(t)
	channel := dialControl(t, srv)

	require.NoError(t, channel.Send(domain.NewRegister(3000, freePort(t), domain.Protocol("udp"))))
	frame := recvFrame(t, channel)
	_, ok := frame.(*domain.ErrorFrame)
	require.True(t, ok, "expected error frame, got %T", frame)
	assert.Equal(t, 0, srv.Registry().Count())
}

func TestDisconnectMidFlight(t *testing.T) {
	srv := startServer(t)
	channel := dialControl(t, srv)
	publicPort := freePort(t)
	register(t, channel, 3000, publicPort, domain.ProtocolHTTP)

	statusCh := make(chan int, 1)
	go func() {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", publicPort))
		if err != nil {
			statusCh <- 0
			return
		}
		_ = resp.Body.Close()
		statusCh <- resp.StatusCode
	}()

	// Wait for the request to be in flight, then kill the client.
	recvFrame(t, channel)
	require.NoError(t, channel.Close())

	select {
	case status := <-statusCh:
		assert.Equal(t, http.StatusBadGateway, status)
	case <-time.After(3 * time.Second):
		t.Fatal("public caller was not drained after disconnect")
	}

	// The public port is released so a fresh register can bind it.
	require.Eventually(t, func() bool {
		return srv.Registry().Count() == 0
	}, 3*time.Second, 10*time.Millisecond)

	replacement := dialControl(t, srv)
	register(t, replacement, 3000, publicPort, domain.ProtocolHTTP)
}

func TestTCPTunnelEcho(t *testing.T) {
	srv := startServer(t)
	channel := dialControl(t, srv)
	publicPort := freePort(t)
	register(t, channel, 22, publicPort, domain.ProtocolTCP)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", publicPort))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	frame := recvFrame(t, channel)
	chunk, ok := frame.(*domain.TCPData)
	require.True(t, ok, "expected tcp data frame, got %T", frame)
	assert.Equal(t, []byte("ping"), chunk.Data)
	assert.Equal(t, conn.LocalAddr().String(), chunk.SocketID)
	assert.NotEmpty(t, chunk.RequestID)

	require.NoError(t, channel.Send(domain.NewTCPResponse(chunk.RequestID, chunk.SocketID, []byte("ping"))))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	reply := make([]byte, 4)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), reply)
}

func TestSessionTeardownClearsPending(t *testing.T) {
	srv := startServer(t)
	channel := dialControl(t, srv)
	publicPort := freePort(t)
	register(t, channel, 3000, publicPort, domain.ProtocolHTTP)

	session, ok := srv.Registry().Lookup(publicPort)
	require.True(t, ok)

	go func() {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", publicPort))
		if err == nil {
			_ = resp.Body.Close()
		}
	}()
	recvFrame(t, channel)
	require.Equal(t, 1, session.pending.Len())

	require.NoError(t, channel.Close())

	require.Eventually(t, func() bool {
		return session.State() == StateClosed && session.pending.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
}
