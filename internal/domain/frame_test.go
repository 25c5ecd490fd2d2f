package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		input    string
		expected Protocol
		wantErr  bool
	}{
		{"http", ProtocolHTTP, false},
		{"HTTP", ProtocolHTTP, false},
		{"tcp", ProtocolTCP, false},
		{"Tcp", ProtocolTCP, false},
		{"udp", "", true},
		{"", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			protocol, err := ParseProtocol(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, IsProtocol(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, protocol)
		})
	}
}

func TestTunnelPublicURL(t *testing.T) {
	httpTunnel := Tunnel{LocalPort: 3000, PublicPort: 5000, Protocol: ProtocolHTTP}
	assert.Equal(t, "http://example.com:5000", httpTunnel.PublicURL("example.com"))

	tcpTunnel := Tunnel{LocalPort: 22, PublicPort: 5000, Protocol: ProtocolTCP}
	assert.Equal(t, "tcp://localhost:5000", tcpTunnel.PublicURL("localhost"))
}

func TestFrameKinds(t *testing.T) {
	frames := []struct {
		frame Frame
		kind  FrameType
	}{
		{NewRegister(3000, 5000, ProtocolHTTP), FrameTypeRegister},
		{NewRegistered("s1", Tunnel{3000, 5000, ProtocolHTTP}, "http://localhost:5000"), FrameTypeRegistered},
		{NewErrorFrame("boom"), FrameTypeError},
		{NewHTTPRequest("r1", "GET", "/", nil, nil), FrameTypeHTTPRequest},
		{NewHTTPResponse("r1", 200, nil, nil), FrameTypeHTTPResponse},
		{NewTCPData("r1", "1.2.3.4:5", []byte("x")), FrameTypeTCPData},
		{NewTCPResponse("r1", "1.2.3.4:5", []byte("x")), FrameTypeTCPResponse},
	}

	for _, tc := range frames {
		assert.Equal(t, tc.kind, tc.frame.FrameKind())
	}
}

func TestNewHTTPErrorResponse(t *testing.T) {
	resp := NewHTTPErrorResponse("r1", "connection refused")
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, "connection refused", resp.Error)
	assert.Zero(t, resp.Status)
}
