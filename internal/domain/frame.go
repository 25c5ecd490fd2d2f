package domain

import (
	"fmt"
	"strings"
)

// FrameType discriminates the message variants carried on the control channel.
type FrameType string

const (
	// FrameTypeRegister is sent by the client to request a tunnel.
	FrameTypeRegister FrameType = "register"
	// FrameTypeRegistered is sent by the server when a tunnel is established.
	FrameTypeRegistered FrameType = "registered"
	// FrameTypeError is sent by the server when an operation fails.
	FrameTypeError FrameType = "error"
	// FrameTypeHTTPRequest carries one buffered public HTTP request to the client.
	FrameTypeHTTPRequest FrameType = "http_request"
	// FrameTypeHTTPResponse carries the origin's reply back to the server.
	FrameTypeHTTPResponse FrameType = "http_response"
	// FrameTypeTCPData carries one chunk of public TCP payload to the client.
	FrameTypeTCPData FrameType = "tcp_data"
	// FrameTypeTCPResponse carries one chunk of origin TCP payload to the server.
	FrameTypeTCPResponse FrameType = "tcp_response"
)

// Frame represents one discriminated record sent on the control channel.
type Frame interface {
	// FrameKind returns the wire discriminant for this frame.
	FrameKind() FrameType
}

// Protocol selects the shape of a tunnel.
type Protocol string

const (
	// ProtocolHTTP tunnels buffered request/response HTTP traffic.
	ProtocolHTTP Protocol = "http"
	// ProtocolTCP tunnels opaque byte streams.
	ProtocolTCP Protocol = "tcp"
)

// ParseProtocol parses a user-supplied protocol name.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(s)) {
	case ProtocolHTTP:
		return ProtocolHTTP, nil
	case ProtocolTCP:
		return ProtocolTCP, nil
	default:
		return "", NewProtocolError(fmt.Sprintf("unknown protocol %q (expected http or tcp)", s), nil)
	}
}

// Header maps a header name to its ordered values. Multiplicity is
// preserved end-to-end so repeated headers (Set-Cookie and friends)
// survive the tunnel intact.
type Header map[string][]string

// Tunnel is a registered binding exposing a local service at a public port.
type Tunnel struct {
	LocalPort  int
	PublicPort int
	Protocol   Protocol
}

// PublicURL returns the address the tunnel is reachable at.
func (t Tunnel) PublicURL(host string) string {
	return fmt.Sprintf("%s://%s:%d", t.Protocol, host, t.PublicPort)
}

// Register asks the server to bind a public listener for this session.
type Register struct {
	Type       FrameType `json:"type"`
	LocalPort  int       `json:"local_port"`
	PublicPort int       `json:"public_port"`
	Protocol   Protocol  `json:"protocol"`
}

// NewRegister creates a registration request frame.
func NewRegister(localPort, publicPort int, protocol Protocol) *Register {
	return &Register{
		Type:       FrameTypeRegister,
		LocalPort:  localPort,
		PublicPort: publicPort,
		Protocol:   protocol,
	}
}

// FrameKind returns the wire discriminant.
func (f *Register) FrameKind() FrameType { return FrameTypeRegister }

// Registered confirms a tunnel has been established.
type Registered struct {
	Type       FrameType `json:"type"`
	SessionID  string    `json:"session_id"`
	LocalPort  int       `json:"local_port"`
	PublicPort int       `json:"public_port"`
	Protocol   Protocol  `json:"protocol"`
	PublicURL  string    `json:"public_url"`
}

// NewRegistered creates a registration confirmation frame.
func NewRegistered(sessionID string, tunnel Tunnel, publicURL string) *Registered {
	return &Registered{
		Type:       FrameTypeRegistered,
		SessionID:  sessionID,
		LocalPort:  tunnel.LocalPort,
		PublicPort: tunnel.PublicPort,
		Protocol:   tunnel.Protocol,
		PublicURL:  publicURL,
	}
}

// FrameKind returns the wire discriminant.
func (f *Registered) FrameKind() FrameType { return FrameTypeRegistered }

// ErrorFrame reports a failed operation to the peer. It is fatal for the
// pending operation, not for the session.
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

// NewErrorFrame creates an error frame.
func NewErrorFrame(message string) *ErrorFrame {
	return &ErrorFrame{Type: FrameTypeError, Message: message}
}

// FrameKind returns the wire discriminant.
func (f *ErrorFrame) FrameKind() FrameType { return FrameTypeError }

// HTTPRequest carries one fully buffered public HTTP request.
type HTTPRequest struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"request_id"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Headers   Header    `json:"headers,omitempty"`
	Body      []byte    `json:"body,omitempty"`
}

// NewHTTPRequest creates a tunneled HTTP request frame.
func NewHTTPRequest(requestID, method, path string, headers Header, body []byte) *HTTPRequest {
	return &HTTPRequest{
		Type:      FrameTypeHTTPRequest,
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Headers:   headers,
		Body:      body,
	}
}

// FrameKind returns the wire discriminant.
func (f *HTTPRequest) FrameKind() FrameType { return FrameTypeHTTPRequest }

// HTTPResponse carries the origin's reply for a tunneled HTTP request.
// A non-empty Error means the origin call failed and the other fields
// are meaningless.
type HTTPResponse struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"request_id"`
	Status    int       `json:"status,omitempty"`
	Headers   Header    `json:"headers,omitempty"`
	Body      []byte    `json:"body,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewHTTPResponse creates a successful origin reply frame.
func NewHTTPResponse(requestID string, status int, headers Header, body []byte) *HTTPResponse {
	return &HTTPResponse{
		Type:      FrameTypeHTTPResponse,
		RequestID: requestID,
		Status:    status,
		Headers:   headers,
		Body:      body,
	}
}

// NewHTTPErrorResponse creates an origin failure reply frame.
func NewHTTPErrorResponse(requestID, message string) *HTTPResponse {
	return &HTTPResponse{
		Type:      FrameTypeHTTPResponse,
		RequestID: requestID,
		Error:     message,
	}
}

// FrameKind returns the wire discriminant.
func (f *HTTPResponse) FrameKind() FrameType { return FrameTypeHTTPResponse }

// TCPData carries one chunk read from a public TCP socket. SocketID is
// the peer address of the originating public connection.
type TCPData struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"request_id"`
	SocketID  string    `json:"socket_id"`
	Data      []byte    `json:"data,omitempty"`
}

// NewTCPData creates a public-to-origin TCP chunk frame.
func NewTCPData(requestID, socketID string, data []byte) *TCPData {
	return &TCPData{
		Type:      FrameTypeTCPData,
		RequestID: requestID,
		SocketID:  socketID,
		Data:      data,
	}
}

// FrameKind returns the wire discriminant.
func (f *TCPData) FrameKind() FrameType { return FrameTypeTCPData }

// TCPResponse carries one chunk read from the origin connection back to
// the public socket identified by SocketID.
type TCPResponse struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"request_id"`
	SocketID  string    `json:"socket_id"`
	Data      []byte    `json:"data,omitempty"`
}

// NewTCPResponse creates an origin-to-public TCP chunk frame.
func NewTCPResponse(requestID, socketID string, data []byte) *TCPResponse {
	return &TCPResponse{
		Type:      FrameTypeTCPResponse,
		RequestID: requestID,
		SocketID:  socketID,
		Data:      data,
	}
}

// FrameKind returns the wire discriminant.
func (f *TCPResponse) FrameKind() FrameType { return FrameTypeTCPResponse }
