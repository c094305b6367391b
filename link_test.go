package amqp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amqp-core/amqp/internal/fake"
	"github.com/amqp-core/amqp/internal/frames"
)

// a non-closing detach acknowledged in kind leaves no error
func TestLinkDetachNonClosing(t *testing.T) {
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		case *frames.PerformBegin:
			return fake.PerformBegin(0, remoteChannel)
		case *frames.PerformEnd:
			return fake.PerformEnd(0, nil)
		case *frames.PerformAttach:
			return fake.SenderAttach(0, tt.Name, tt.Handle, SenderSettleModeUnsettled)
		case *frames.PerformDetach:
			if tt.Closed {
				return nil, fmt.Errorf("expected a non-closing detach")
			}
			return fake.EncodeFrame(frames.TypeAMQP, 0, &frames.PerformDetach{
				Handle: tt.Handle,
			})
		case *frames.PerformClose:
			return fake.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := fake.NewNetConn(responder)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	client, err := NewConn(ctx, netConn, nil)
	cancel()
	require.NoError(t, err)

	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	session, err := client.NewSession(ctx, nil)
	cancel()
	require.NoError(t, err)

	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	snd, err := session.NewSender(ctx, "target", nil)
	cancel()
	require.NoError(t, err)

	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	require.NoError(t, snd.Detach(ctx))
	cancel()

	require.NoError(t, client.Close())
}

// when our non-closing detach crosses the peer's closing detach, the
// link reattaches on a freshly allocated handle, completes a full
// close exchange, and surfaces closed-by-remote
func TestLinkDetachClosedByRemoteRace(t *testing.T) {
	type detachInfo struct {
		handle uint32
		closed bool
	}
	attaches := make(chan uint32, 3)
	detaches := make(chan detachInfo, 3)

	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		case *frames.PerformBegin:
			return fake.PerformBegin(0, remoteChannel)
		case *frames.PerformEnd:
			return fake.PerformEnd(0, nil)
		case *frames.PerformAttach:
			attaches <- tt.Handle
			return fake.SenderAttach(0, tt.Name, tt.Handle, SenderSettleModeUnsettled)
		case *frames.PerformDetach:
			detaches <- detachInfo{handle: tt.Handle, closed: tt.Closed}
			// answer every detach, including the non-closing one,
			// with a closing detach to provoke the race
			return fake.PerformDetach(0, tt.Handle, nil)
		case *frames.PerformClose:
			return fake.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := fake.NewNetConn(responder)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	client, err := NewConn(ctx, netConn, nil)
	cancel()
	require.NoError(t, err)

	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	session, err := client.NewSession(ctx, nil)
	cancel()
	require.NoError(t, err)

	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	snd, err := session.NewSender(ctx, "target", nil)
	cancel()
	require.NoError(t, err)
	firstHandle := <-attaches

	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	err = snd.Detach(ctx)
	cancel()
	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	require.ErrorContains(t, err, "link closed by peer")

	// the exchange: our non-closing detach, then a fresh attach on a
	// reallocated handle, then the closing detach
	first := <-detaches
	require.Equal(t, firstHandle, first.handle)
	require.False(t, first.closed)

	select {
	case reattached := <-attaches:
		require.Equal(t, snd.l.handle, reattached, "fresh attach must carry the reallocated handle")
	case <-time.After(time.Second):
		t.Fatal("link was not reattached")
	}

	second := <-detaches
	require.True(t, second.closed)

	require.NoError(t, client.Close())
}
