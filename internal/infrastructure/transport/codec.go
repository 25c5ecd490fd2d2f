// Package transport implements the control channel between server and
// client: the JSON frame codec and a websocket-backed duplex channel.
package transport

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/tunl-sh/tunl/internal/domain"
)

// ErrUnknownFrameType is returned by DecodeFrame for a well-formed frame
// whose discriminant is not recognized. Callers ignore these frames for
// forward compatibility; every other decode error is fatal for the session.
var ErrUnknownFrameType = errors.New("unknown frame type")

// EncodeFrame encodes a frame as a single self-delimited JSON text record.
func EncodeFrame(frame domain.Frame) ([]byte, error) {
	stampType(frame)
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling frame")
	}
	return data, nil
}

// stampType fills in the wire discriminant so hand-built frame literals
// encode correctly.
func stampType(frame domain.Frame) {
	switch f := frame.(type) {
	case *domain.Register:
		f.Type = domain.FrameTypeRegister
	case *domain.Registered:
		f.Type = domain.FrameTypeRegistered
	case *domain.ErrorFrame:
		f.Type = domain.FrameTypeError
	case *domain.HTTPRequest:
		f.Type = domain.FrameTypeHTTPRequest
	case *domain.HTTPResponse:
		f.Type = domain.FrameTypeHTTPResponse
	case *domain.TCPData:
		f.Type = domain.FrameTypeTCPData
	case *domain.TCPResponse:
		f.Type = domain.FrameTypeTCPResponse
	}
}

// DecodeFrame decodes a single frame record. The discriminant is peeked
// first, then the full variant is unmarshalled.
func DecodeFrame(data []byte) (domain.Frame, error) {
	var peek struct {
		Type domain.FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, errors.Wrap(err, "error parsing frame")
	}

	var frame domain.Frame
	switch peek.Type {
	case domain.FrameTypeRegister:
		frame = &domain.Register{}
	case domain.FrameTypeRegistered:
		frame = &domain.Registered{}
	case domain.FrameTypeError:
		frame = &domain.ErrorFrame{}
	case domain.FrameTypeHTTPRequest:
		frame = &domain.HTTPRequest{}
	case domain.FrameTypeHTTPResponse:
		frame = &domain.HTTPResponse{}
	case domain.FrameTypeTCPData:
		frame = &domain.TCPData{}
	case domain.FrameTypeTCPResponse:
		frame = &domain.TCPResponse{}
	default:
		return nil, errors.Wrapf(ErrUnknownFrameType, "%q", peek.Type)
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, errors.Wrapf(err, "error unmarshalling %s frame", peek.Type)
	}
	return frame, nil
}
