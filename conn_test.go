package amqp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/amqp-core/amqp/internal/encoding"
	"github.com/amqp-core/amqp/internal/fake"
	"github.com/amqp-core/amqp/internal/frames"
)

func TestConnOptions(t *testing.T) {
	tests := []struct {
		label  string
		opts   ConnOptions
		verify func(t *testing.T, c *Conn)
		fails  bool
	}{
		{
			label: "no options",
			verify: func(t *testing.T, c *Conn) {
				require.Equal(t, defaultIdleTimeout, c.idleTimeout)
				require.Equal(t, uint32(defaultMaxFrameSize), c.maxFrameSize)
				require.Equal(t, uint16(defaultMaxSessions-1), c.channelMax)
				require.NotEmpty(t, c.containerID)
			},
		},
		{
			label: "ConnServerHostname",
			opts: ConnOptions{
				HostName: "testhost",
			},
			verify: func(t *testing.T, c *Conn) {
				require.Equal(t, "testhost", c.hostname)
			},
		},
		{
			label: "ConnIdleTimeout",
			opts: ConnOptions{
				IdleTimeout: 42 * time.Second,
			},
			verify: func(t *testing.T, c *Conn) {
				require.Equal(t, 42*time.Second, c.idleTimeout)
			},
		},
		{
			label: "ConnIdleTimeoutDisabled",
			opts: ConnOptions{
				IdleTimeout: -1,
			},
			verify: func(t *testing.T, c *Conn) {
				require.Zero(t, c.idleTimeout)
			},
		},
		{
			label: "ConnMaxFrameSizeTooSmall",
			opts: ConnOptions{
				MaxFrameSize: 128,
			},
			fails: true,
		},
		{
			label: "ConnMaxFrameSize",
			opts: ConnOptions{
				MaxFrameSize: 1024,
			},
			verify: func(t *testing.T, c *Conn) {
				require.Equal(t, uint32(1024), c.maxFrameSize)
			},
		},
		{
			label: "ConnMaxSessions",
			opts: ConnOptions{
				MaxSessions: 32,
			},
			verify: func(t *testing.T, c *Conn) {
				require.Equal(t, uint16(31), c.channelMax)
			},
		},
		{
			label: "ConnContainerID",
			opts: ConnOptions{
				ContainerID: "myid",
			},
			verify: func(t *testing.T, c *Conn) {
				require.Equal(t, "myid", c.containerID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			c, err := newConn(nil, &tt.opts)
			if tt.fails {
				require.Error(t, err)
				require.Nil(t, c)
				return
			}
			require.NoError(t, err)
			tt.verify(t, c)
		})
	}
}

func TestConnNew(t *testing.T) {
	defer leaktest.Check(t)()

	netConn := fake.NewNetConn(senderFrameHandlerNoUnhandled(0, SenderSettleModeUnsettled))

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	client, err := NewConn(ctx, netConn, nil)
	cancel()
	require.NoError(t, err)
	require.NotNil(t, client)
	require.NoError(t, client.Close())
}

func TestConnCloseIsIdempotent(t *testing.T) {
	netConn := fake.NewNetConn(senderFrameHandlerNoUnhandled(0, SenderSettleModeUnsettled))

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	client, err := NewConn(ctx, netConn, nil)
	cancel()
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestConnOpenNegotiation(t *testing.T) {
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			if tt.ContainerID == "" {
				return nil, errors.New("expected a container ID")
			}
			if tt.MaxFrameSize != defaultMaxFrameSize {
				return nil, fmt.Errorf("unexpected MaxFrameSize %d", tt.MaxFrameSize)
			}
			return fake.EncodeFrame(frames.TypeAMQP, 0, &frames.PerformOpen{
				ContainerID:  "server",
				MaxFrameSize: 2048,
				ChannelMax:   8,
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
	require.Equal(t, uint32(2048), client.peerMaxFrameSize)
	require.Equal(t, uint16(8), client.channelMax)
	require.NoError(t, client.Close())
}

func TestConnRemoteCloseWithError(t *testing.T) {
	closeSent := make(chan struct{})
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		case *frames.PerformClose:
			close(closeSent)
			return nil, nil
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := fake.NewNetConn(responder)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	client, err := NewConn(ctx, netConn, nil)
	cancel()
	require.NoError(t, err)

	b, err := fake.PerformClose(&Error{Condition: encoding.Symbol(ErrCondConnectionForced), Description: "servers gotta serve"})
	require.NoError(t, err)
	netConn.SendFrame(b)

	// the conn replies with its own Close and terminates
	select {
	case <-closeSent:
	case <-time.After(time.Second):
		t.Fatal("no Close reply sent")
	}
	<-client.Done()

	var connErr *ConnError
	require.ErrorAs(t, client.Err(), &connErr)
	require.NotNil(t, connErr.RemoteErr)
	require.Equal(t, encoding.Symbol(ErrCondConnectionForced), connErr.RemoteErr.Condition)

	err = client.Close()
	require.ErrorAs(t, err, &connErr)
}

func TestConnNewSession(t *testing.T) {
	const incomingWindow = 5000

	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *fake.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		case *frames.PerformBegin:
			if tt.RemoteChannel != nil {
				return nil, errors.New("expected nil remote channel")
			}
			if tt.IncomingWindow != incomingWindow {
				return nil, fmt.Errorf("unexpected incoming window %d", tt.IncomingWindow)
			}
			return fake.PerformBegin(0, remoteChannel)
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
	require.NotNil(t, session)
	require.EqualValues(t, 0, session.channel)
	require.NoError(t, client.Close())

	// creating a session after the connection is closed fails
	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	session, err = client.NewSession(ctx, nil)
	cancel()
	var connErr *ConnError
	require.ErrorAs(t, err, &connErr)
	require.Nil(t, session)
}

func TestConnMultipleSessions(t *testing.T) {
	channelNum := uint16(0)
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return fake.PerformOpen("container")
		case *frames.PerformBegin:
			b, err := fake.PerformBegin(channelNum, remoteChannel)
			channelNum++
			return b, err
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

	for i := uint16(0); i < 3; i++ {
		ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
		session, err := client.NewSession(ctx, nil)
		cancel()
		require.NoError(t, err)
		require.NotNil(t, session)
		require.Equal(t, i, session.channel)
	}
	require.NoError(t, client.Close())
}

func TestConnTooManySessions(t *testing.T) {
	channelNum := uint16(0)
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			// server that only allows a single channel
			return fake.EncodeFrame(frames.TypeAMQP, 0, &frames.PerformOpen{
				ContainerID:  "test",
				ChannelMax:   0,
				MaxFrameSize: 4294967295,
			})
		case *frames.PerformBegin:
			b, err := fake.PerformBegin(channelNum, remoteChannel)
			channelNum++
			return b, err
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
	require.NotNil(t, session)

	// channel 0 is the only channel; the next allocation fails
	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	session, err = client.NewSession(ctx, nil)
	cancel()
	require.Error(t, err)
	require.Nil(t, session)

	require.NoError(t, client.Close())
}

func TestConnReaderUnexpectedFrame(t *testing.T) {
	netConn := fake.NewNetConn(senderFrameHandlerNoUnhandled(0, SenderSettleModeUnsettled))

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	client, err := NewConn(ctx, netConn, nil)
	cancel()
	require.NoError(t, err)

	// a duplicate Open is a connection-level protocol violation
	b, err := fake.PerformOpen("bad")
	require.NoError(t, err)
	netConn.SendFrame(b)

	<-client.Done()
	var connErr *ConnError
	require.ErrorAs(t, client.Err(), &connErr)
}

func TestConnRemotelyInitiatedSessionRejected(t *testing.T) {
	netConn := fake.NewNetConn(senderFrameHandlerNoUnhandled(0, SenderSettleModeUnsettled))

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	client, err := NewConn(ctx, netConn, nil)
	cancel()
	require.NoError(t, err)

	// a Begin with no remote-channel is a remotely-initiated session,
	// which this endpoint declines
	b, err := fake.EncodeFrame(frames.TypeAMQP, 7, &frames.PerformBegin{
		NextOutgoingID: 0,
		IncomingWindow: 100,
		OutgoingWindow: 100,
	})
	require.NoError(t, err)
	netConn.SendFrame(b)

	<-client.Done()
	var connErr *ConnError
	require.ErrorAs(t, client.Err(), &connErr)
	require.ErrorContains(t, client.Err(), "remotely-initiated sessions are not supported")
}

func TestConnKeepaliveFrames(t *testing.T) {
	heartbeats := make(chan struct{}, 8)
	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *fake.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			// advertise a tiny idle timeout so the client heartbeats
			// right away
			return fake.EncodeFrame(frames.TypeAMQP, 0, &frames.PerformOpen{
				ContainerID:  "server",
				MaxFrameSize: 4294967295,
				IdleTimeout:  40 * time.Millisecond,
			})
		case *frames.PerformClose:
			return fake.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := fake.NewNetConn(responder)
	heartbeatSpy := func() {
		select {
		case heartbeats <- struct{}{}:
		default:
		}
	}
	netConn.OnHeartbeat = heartbeatSpy

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	client, err := NewConn(ctx, netConn, nil)
	cancel()
	require.NoError(t, err)

	select {
	case <-heartbeats:
		// the client emitted an empty frame at ~half the advertised interval
	case <-time.After(time.Second):
		t.Fatal("no heartbeat received")
	}
	require.NoError(t, client.Close())
}
