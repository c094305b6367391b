// Package frames implements the AMQP 1.0 frame envelope and the
// performative bodies (Open, Begin, Attach, Flow, Transfer,
// Disposition, Detach, End, Close) and SASL frames carried inside it.
package frames

import (
	"fmt"

	"github.com/amqp-core/amqp/internal/buffer"
	"github.com/amqp-core/amqp/internal/encoding"
)

// Frame types carried in the frame header's type byte.
const (
	TypeAMQP = 0x0
	TypeSASL = 0x1
)

// HeaderSize is the size in bytes of the fixed frame header.
const HeaderSize = 8

// Header is the 8-byte frame header common to every AMQP frame.
type Header struct {
	// Size is the total size of the frame, including this header.
	Size uint32
	// DataOffset is the header size in 4-byte words, minimum 2.
	DataOffset uint8
	FrameType  uint8
	Channel    uint16
}

// ParseHeader decodes a Header from the first HeaderSize bytes of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("frames: buffer too small for header: %d bytes", len(buf))
	}
	return Header{
		Size:       uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]),
		DataOffset: buf[4],
		FrameType:  buf[5],
		Channel:    uint16(buf[6])<<8 | uint16(buf[7]),
	}, nil
}

// Marshal encodes h as the 8-byte frame header.
func (h Header) Marshal() []byte {
	return []byte{
		byte(h.Size >> 24), byte(h.Size >> 16), byte(h.Size >> 8), byte(h.Size),
		h.DataOffset,
		h.FrameType,
		byte(h.Channel >> 8), byte(h.Channel),
	}
}

// FrameBody is implemented by every performative and SASL frame body.
type FrameBody interface {
	frameBody()
}

// Frame is a complete frame: envelope metadata plus the decoded body.
// A nil Body denotes an empty (heartbeat) frame.
type Frame struct {
	Type    uint8
	Channel uint16
	Body    FrameBody
}

// Source and Target are the link termini, defined in terms of the
// shared wire-type package so performatives and the public API speak
// the same concrete type.
type Source = encoding.Source
type Target = encoding.Target

// ParseBody decodes a performative/SASL frame body from the payload
// following the frame header (and any header-extension words implied
// by DataOffset, which the caller has already skipped).
func ParseBody(r *buffer.Buffer) (FrameBody, error) {
	payload := r.Bytes()
	if len(payload) < 3 {
		return nil, fmt.Errorf("frames: payload too short to contain a performative")
	}

	code, err := encoding.PeekMessageType(payload)
	if err != nil {
		return nil, err
	}

	var body FrameBody
	switch encoding.AMQPType(code) {
	case encoding.TypeCodeOpen:
		body = new(PerformOpen)
	case encoding.TypeCodeBegin:
		body = new(PerformBegin)
	case encoding.TypeCodeAttach:
		body = new(PerformAttach)
	case encoding.TypeCodeFlow:
		body = new(PerformFlow)
	case encoding.TypeCodeTransfer:
		body = new(PerformTransfer)
	case encoding.TypeCodeDisposition:
		body = new(PerformDisposition)
	case encoding.TypeCodeDetach:
		body = new(PerformDetach)
	case encoding.TypeCodeEnd:
		body = new(PerformEnd)
	case encoding.TypeCodeClose:
		body = new(PerformClose)
	case encoding.TypeCodeSASLMechanisms:
		body = new(SASLMechanisms)
	case encoding.TypeCodeSASLInit:
		body = new(SASLInit)
	case encoding.TypeCodeSASLChallenge:
		body = new(SASLChallenge)
	case encoding.TypeCodeSASLResponse:
		body = new(SASLResponse)
	case encoding.TypeCodeSASLOutcome:
		body = new(SASLOutcome)
	default:
		return nil, fmt.Errorf("frames: unknown performative %#02x", code)
	}

	if um, ok := body.(interface{ Unmarshal(*buffer.Buffer) error }); ok {
		if err := um.Unmarshal(r); err != nil {
			return nil, err
		}
	}

	if t, ok := body.(*PerformTransfer); ok {
		t.Payload = append([]byte(nil), r.Bytes()...)
		r.Skip(len(t.Payload))
	}

	return body, nil
}
