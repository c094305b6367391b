// Package fake provides a net.Conn double that speaks just enough of
// the AMQP framing layer to drive connection/session/link engine
// tests without a real broker: writes made by the code under test are
// parsed as frames and handed to a caller-supplied responder, whose
// returned bytes are queued up to be read back.
package fake

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/amqp-core/amqp/internal/buffer"
	"github.com/amqp-core/amqp/internal/frames"
)

// AMQPProto is delivered to the responder when the client writes the
// AMQP protocol header; the responder returns the header bytes to
// echo back.
type AMQPProto struct {
	frames.FrameBody
}

// SASLProto is delivered to the responder when the client writes the
// SASL protocol header.
type SASLProto struct {
	frames.FrameBody
}

// Responder is called with the channel the client addressed its frame
// to and the decoded frame body; it returns the raw bytes (a fully
// encoded frame, or several concatenated) to hand back to the client,
// or nil to send nothing.
type Responder func(remoteChannel uint16, req frames.FrameBody) ([]byte, error)

// NetConn is a net.Conn whose Write calls are parsed as AMQP traffic
// and fed to a Responder, and whose Read calls drain both the
// responder's replies and anything queued with SendFrame.
type NetConn struct {
	mu        sync.Mutex
	cond      *sync.Cond
	responder Responder
	in        bytes.Buffer
	closed    bool

	// ReadErr, if a value is sent, is returned from the next Read.
	ReadErr chan error
	// WriteErr, if a value is sent, is returned from the next Write.
	WriteErr chan error
	// OnHeartbeat, if set, is called for every empty frame written.
	OnHeartbeat func()
}

// NewNetConn creates a NetConn whose traffic is handled by responder.
func NewNetConn(responder Responder) *NetConn {
	n := &NetConn{
		responder: responder,
		ReadErr:   make(chan error, 1),
		WriteErr:  make(chan error, 1),
	}
	n.cond = sync.NewCond(&n.mu)
	return n
}

// SendFrame queues raw bytes (typically produced by EncodeFrame or one
// of the Perform* helpers) to be returned from a future Read, as if
// the peer had sent them unprompted.
func (n *NetConn) SendFrame(b []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.in.Write(b)
	n.cond.Broadcast()
}

func (n *NetConn) Read(b []byte) (int, error) {
	select {
	case err := <-n.ReadErr:
		if err != nil {
			return 0, err
		}
	default:
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for n.in.Len() == 0 && !n.closed {
		n.cond.Wait()
	}
	if n.in.Len() == 0 && n.closed {
		return 0, errors.New("fake: connection closed")
	}
	return n.in.Read(b)
}

func (n *NetConn) Write(b []byte) (int, error) {
	select {
	case err := <-n.WriteErr:
		if err != nil {
			return 0, err
		}
	default:
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return 0, errors.New("fake: connection closed")
	}
	n.mu.Unlock()

	total := len(b)

	for len(b) >= frames.HeaderSize {
		if bytes.HasPrefix(b, []byte("AMQP")) {
			// protocol header rather than a frame
			var req frames.FrameBody = &AMQPProto{}
			if b[4] == 3 {
				req = &SASLProto{}
			}
			b = b[8:]
			if n.responder == nil {
				continue
			}
			resp, err := n.responder(0, req)
			if err != nil {
				return total, err
			}
			if len(resp) > 0 {
				n.SendFrame(resp)
			}
			continue
		}

		hdr, err := frames.ParseHeader(b)
		if err != nil {
			return total, err
		}
		if uint32(len(b)) < hdr.Size {
			return total, fmt.Errorf("fake: short frame write: have %d, want %d", len(b), hdr.Size)
		}

		payload := b[hdr.DataOffset*4 : hdr.Size]
		b = b[hdr.Size:]

		if len(payload) == 0 {
			// heartbeat frame; nothing to respond to
			if n.OnHeartbeat != nil {
				n.OnHeartbeat()
			}
			continue
		}

		body, err := frames.ParseBody(buffer.New(payload))
		if err != nil {
			return total, err
		}

		if n.responder == nil {
			continue
		}
		resp, err := n.responder(hdr.Channel, body)
		if err != nil {
			return total, err
		}
		if len(resp) > 0 {
			n.SendFrame(resp)
		}
	}

	return total, nil
}

func (n *NetConn) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.cond.Broadcast()
	return nil
}

func (n *NetConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (n *NetConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (n *NetConn) SetDeadline(time.Time) error        { return nil }
func (n *NetConn) SetReadDeadline(time.Time) error    { return nil }
func (n *NetConn) SetWriteDeadline(time.Time) error   { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }
