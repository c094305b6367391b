package amqp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amqp-core/amqp/internal/buffer"
	"github.com/amqp-core/amqp/internal/encoding"
	"github.com/amqp-core/amqp/internal/fake"
	"github.com/amqp-core/amqp/internal/frames"
)

// coordinatorFrameHandler answers the control-link handshake and the
// declare/discharge exchanges of a well-behaved coordinator.
func coordinatorFrameHandler(txnID []byte, discharges chan *encoding.Discharge) fake.Responder {
	return func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
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
			if tt.Coordinator == nil {
				return nil, errors.New("expected a coordinator attach")
			}
			ssm := SenderSettleModeUnsettled
			return fake.EncodeFrame(frames.TypeAMQP, 0, &frames.PerformAttach{
				Name:             tt.Name,
				Handle:           tt.Handle,
				Role:             encoding.RoleReceiver,
				SenderSettleMode: &ssm,
				Source:           &frames.Source{},
				Coordinator:      &encoding.Coordinator{},
			})
		case *frames.PerformTransfer:
			body, err := decodeTxnBody(tt.Payload)
			if err != nil {
				return nil, err
			}
			switch body := body.(type) {
			case *encoding.Declare:
				return fake.PerformDisposition(encoding.RoleReceiver, 0, *tt.DeliveryID, nil, &encoding.StateDeclared{TransactionID: txnID})
			case *encoding.Discharge:
				if discharges != nil {
					discharges <- body
				}
				return fake.PerformDisposition(encoding.RoleReceiver, 0, *tt.DeliveryID, nil, &encoding.StateAccepted{})
			default:
				return nil, fmt.Errorf("unexpected coordinator body %T", body)
			}
		case *frames.PerformDetach:
			return fake.PerformDetach(0, tt.Handle, nil)
		case *frames.PerformClose:
			return fake.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
}

// decodeTxnBody extracts the Declare/Discharge body from a transfer
// payload: an amqp-value section wrapping the composite.
func decodeTxnBody(payload []byte) (any, error) {
	if len(payload) < 6 || payload[2] != byte(encoding.TypeCodeAMQPValue) {
		return nil, fmt.Errorf("not an amqp-value payload")
	}
	buf := buffer.New(payload)
	buf.Skip(3)
	switch payload[5] {
	case byte(encoding.TypeCodeDeclare):
		d := new(encoding.Declare)
		return d, d.Unmarshal(buf)
	case byte(encoding.TypeCodeDischarge):
		d := new(encoding.Discharge)
		return d, d.Unmarshal(buf)
	default:
		return nil, fmt.Errorf("unknown coordinator body %#02x", payload[5])
	}
}

func setupController(t *testing.T, responder fake.Responder) (*fake.NetConn, *Conn, *TransactionController) {
	t.Helper()
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
	tc, err := session.NewTransactionController(ctx, nil)
	cancel()
	require.NoError(t, err)

	sendInitialFlowFrame(t, 0, netConn, 0, 100)
	return netConn, client, tc
}

func TestTransactionDeclareAndCommit(t *testing.T) {
	discharges := make(chan *encoding.Discharge, 1)
	_, client, tc := setupController(t, coordinatorFrameHandler([]byte("txn-1"), discharges))

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	txn, err := tc.Declare(ctx)
	cancel()
	require.NoError(t, err)
	require.Equal(t, []byte("txn-1"), txn.ID())

	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	require.NoError(t, txn.Commit(ctx))
	cancel()

	select {
	case d := <-discharges:
		require.Equal(t, []byte("txn-1"), d.TxnID)
		require.False(t, d.Fail)
	case <-time.After(time.Second):
		t.Fatal("no discharge received")
	}

	// a completed transaction cannot be discharged again
	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	require.ErrorIs(t, txn.Rollback(ctx), errAlreadyDischarged)
	cancel()

	require.NoError(t, client.Close())
}

func TestTransactionRollback(t *testing.T) {
	discharges := make(chan *encoding.Discharge, 1)
	_, client, tc := setupController(t, coordinatorFrameHandler([]byte("txn-2"), discharges))

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	txn, err := tc.Declare(ctx)
	cancel()
	require.NoError(t, err)

	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	require.NoError(t, txn.Rollback(ctx))
	cancel()

	select {
	case d := <-discharges:
		require.True(t, d.Fail)
	case <-time.After(time.Second):
		t.Fatal("no discharge received")
	}

	require.NoError(t, client.Close())
}

func TestTransactionControllerCloseRollsBack(t *testing.T) {
	discharges := make(chan *encoding.Discharge, 4)
	_, client, tc := setupController(t, coordinatorFrameHandler([]byte("txn-3"), discharges))

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	_, err := tc.Declare(ctx)
	cancel()
	require.NoError(t, err)

	// closing the controller rolls back the undischarged transaction
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	require.NoError(t, tc.Close(ctx))
	cancel()

	select {
	case d := <-discharges:
		require.True(t, d.Fail)
	case <-time.After(time.Second):
		t.Fatal("no rollback discharge received")
	}

	require.NoError(t, client.Close())
}

func TestTransactionalSend(t *testing.T) {
	transfers := make(chan *frames.PerformTransfer, 1)

	responder := func(remoteChannel uint16, req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *frames.PerformAttach:
			if tt.Coordinator != nil {
				break // fall through to the coordinator handler
			}
			return fake.SenderAttach(0, tt.Name, tt.Handle, SenderSettleModeUnsettled)
		case *frames.PerformTransfer:
			// declare/discharge transfers carry no delivery state;
			// transactional posts do
			if tt.State != nil {
				// a transactional post carries the txn-id in its state
				ts, ok := tt.State.(*encoding.TransactionalState)
				if !ok {
					return nil, fmt.Errorf("unexpected transfer state %T", tt.State)
				}
				if string(ts.TxnID) != "txn-4" {
					return nil, fmt.Errorf("unexpected txn id %q", ts.TxnID)
				}
				select {
				case transfers <- tt:
				default:
				}
				// the presumptive outcome is reported transactionally
				return fake.PerformDisposition(encoding.RoleReceiver, 0, *tt.DeliveryID, nil, &encoding.TransactionalState{
					TxnID:   ts.TxnID,
					Outcome: &encoding.StateAccepted{},
				})
			}
		}
		return coordinatorFrameHandler([]byte("txn-4"), nil)(remoteChannel, req)
	}

	netConn, client, tc := setupController(t, responder)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	txn, err := tc.Declare(ctx)
	cancel()
	require.NoError(t, err)

	// open a regular sender on the controller's session
	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	snd, err := tc.sender.l.session.NewSender(ctx, "target", nil)
	cancel()
	require.NoError(t, err)

	sendInitialFlowFrame(t, 0, netConn, snd.l.handle, 100)

	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	require.NoError(t, txn.Send(ctx, snd, NewMessage([]byte("in txn")), nil))
	cancel()

	select {
	case <-transfers:
	case <-time.After(time.Second):
		t.Fatal("no transactional transfer received")
	}

	ctx, cancel = context.WithTimeout(context.Background(), 1*time.Second)
	require.NoError(t, txn.Commit(ctx))
	cancel()

	require.NoError(t, client.Close())
}
