package amqp

import (
	"fmt"
	"testing"

	"github.com/amqp-core/amqp/internal/fake"
	"github.com/amqp-core/amqp/internal/frames"
	"github.com/stretchr/testify/require"
)

// standard frame handling for the happy path of a sender's lifetime.
// returns nil, nil for unhandled frames.
func senderFrameHandler(channel uint16, ssm SenderSettleMode) fake.Responder {
	return func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		case *frames.PerformClose:
			return fake.PerformClose(nil)
		case *frames.PerformBegin:
			return fake.PerformBegin(channel, remoteChannel)
		case *frames.PerformEnd:
			return fake.PerformEnd(channel, nil)
		case *frames.PerformAttach:
			return fake.SenderAttach(channel, tt.Name, tt.Handle, ssm)
		case *frames.PerformDetach:
			return fake.PerformDetach(channel, tt.Handle, nil)
		default:
			return nil, nil
		}
	}
}

// senderFrameHandlerNoUnhandled fails the test on any frame the
// standard handler doesn't answer.
func senderFrameHandlerNoUnhandled(channel uint16, ssm SenderSettleMode) fake.Responder {
	return func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		b, err := senderFrameHandler(channel, ssm)(remoteChannel, req)
		if b == nil && err == nil {
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
		return b, err
	}
}

// standard frame handling for the happy path of a receiver's lifetime.
// returns nil, nil for unhandled frames.
func receiverFrameHandler(channel uint16, rsm ReceiverSettleMode) fake.Responder {
	return func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		case *frames.PerformClose:
			return fake.PerformClose(nil)
		case *frames.PerformBegin:
			return fake.PerformBegin(channel, remoteChannel)
		case *frames.PerformEnd:
			return fake.PerformEnd(channel, nil)
		case *frames.PerformAttach:
			return fake.ReceiverAttach(channel, tt.Name, tt.Handle, rsm)
		case *frames.PerformDetach:
			return fake.PerformDetach(channel, tt.Handle, nil)
		default:
			return nil, nil
		}
	}
}

// receiverFrameHandlerNoUnhandled fails the test on any frame the
// standard handler doesn't answer. note that flow frames are
// swallowed, as they're commonplace in a receiver's lifetime.
func receiverFrameHandlerNoUnhandled(channel uint16, rsm ReceiverSettleMode) fake.Responder {
	return func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		b, err := receiverFrameHandler(channel, rsm)(remoteChannel, req)
		if b != nil || err != nil {
			return b, err
		}
		if _, ok := req.(*frames.PerformFlow); ok {
			return nil, nil
		}
		return nil, fmt.Errorf("unhandled frame %T", req)
	}
}

// sendInitialFlowFrame sends a flow frame granting the sender credit.
func sendInitialFlowFrame(t *testing.T, channel uint16, netConn *fake.NetConn, handle uint32, credit uint32) {
	t.Helper()
	b, err := fake.PerformFlow(channel, handle, 0, credit)
	require.NoError(t, err)
	netConn.SendFrame(b)
}
