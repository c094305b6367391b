package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amqp-core/amqp/internal/encoding"
	"github.com/amqp-core/amqp/internal/frames"
	"github.com/amqp-core/amqp/internal/shared"
)

// Transaction capabilities, advertised on the coordinator terminus.
const (
	capabilityLocalTransactions encoding.Symbol = "amqp:local-transactions"
)

// txnIDProperty is the flow-properties key used for transactional acquisition.
const txnIDProperty encoding.Symbol = "txn-id"

// rollback-on-close retry policy
const (
	rollbackRetries  = 3
	rollbackBaseWait = 20 * time.Millisecond
	rollbackMaxWait  = 200 * time.Millisecond
	rollbackTimeout  = time.Second
)

// TransactionControllerOptions contains the optional settings for
// configuring a transaction controller.
type TransactionControllerOptions struct {
	// Capabilities is the list of extension capabilities requested
	// from the coordinator, in addition to local transactions.
	Capabilities []string

	// Name sets the name of the control link.
	//
	// Default: randomly generated.
	Name string
}

// TransactionController is the controller side of the transactional
// resource protocol: a control link to the peer's coordinator over
// which transactions are declared and discharged.
type TransactionController struct {
	sender *Sender

	mu     sync.Mutex
	active map[*Transaction]struct{}
}

// NewTransactionController opens a control link to the session
// peer's transaction coordinator.
func (s *Session) NewTransactionController(ctx context.Context, opts *TransactionControllerOptions) (*TransactionController, error) {
	if err := s.freeAbandonedLinks(ctx); err != nil {
		return nil, err
	}

	snd := &Sender{
		transfers: make(chan *frames.PerformTransfer),
	}
	snd.l.init(s, encoding.RoleSender, 8)
	snd.l.source = new(frames.Source)
	snd.l.coordinator = &encoding.Coordinator{
		Capabilities: encoding.MultiSymbol{capabilityLocalTransactions},
	}
	// declared outcomes arrive as dispositions, so deliveries must be
	// sent unsettled
	snd.l.senderSettleMode = SenderSettleModeUnsettled.Ptr()

	if opts != nil {
		if opts.Name != "" {
			snd.l.key.name = opts.Name
		}
		for _, c := range opts.Capabilities {
			snd.l.coordinator.Capabilities = append(snd.l.coordinator.Capabilities, encoding.Symbol(c))
		}
	}

	if err := snd.attach(ctx); err != nil {
		return nil, err
	}
	go snd.mux()

	return &TransactionController{
		sender: snd,
		active: map[*Transaction]struct{}{},
	}, nil
}

// Declare begins a new transaction at the coordinator and returns
// its handle.
func (tc *TransactionController) Declare(ctx context.Context) (*Transaction, error) {
	msg := &Message{Value: &encoding.Declare{}}
	state, err := tc.sender.sendAndWait(ctx, msg, sendConfig{})
	if err != nil {
		return nil, err
	}

	declared, ok := state.(*encoding.StateDeclared)
	if !ok {
		if rejected, isRejected := state.(*encoding.StateRejected); isRejected && rejected.Error != nil {
			return nil, rejected.Error
		}
		return nil, fmt.Errorf("unexpected declare outcome %T", state)
	}

	txn := &Transaction{
		controller: tc,
		id:         declared.TransactionID,
	}
	tc.mu.Lock()
	tc.active[txn] = struct{}{}
	tc.mu.Unlock()
	return txn, nil
}

// Close rolls back any transactions that were never discharged
// (best-effort, with a bounded number of retries) and closes the
// control link.
func (tc *TransactionController) Close(ctx context.Context) error {
	tc.mu.Lock()
	remaining := make([]*Transaction, 0, len(tc.active))
	for txn := range tc.active {
		remaining = append(remaining, txn)
	}
	tc.mu.Unlock()

	for _, txn := range remaining {
		// abandon quietly if the rollback cannot be delivered
		_ = shared.Retry(ctx, rollbackRetries, rollbackBaseWait, rollbackMaxWait, func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, rollbackTimeout)
			defer cancel()
			return txn.Rollback(attemptCtx)
		})
	}

	return tc.sender.Close(ctx)
}

// Transaction is one declared transaction. It must be completed with
// Commit or Rollback; transactions still active when the controller
// closes are rolled back best-effort.
type Transaction struct {
	controller *TransactionController
	id         []byte

	mu         sync.Mutex
	discharged bool
}

// ID returns the coordinator-assigned transaction identifier.
func (t *Transaction) ID() []byte {
	return t.id
}

// Commit discharges the transaction, making all of its work take effect.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.discharge(ctx, false)
}

// Rollback discharges the transaction with fail set, undoing all of
// its work.
func (t *Transaction) Rollback(ctx context.Context) error {
	return t.discharge(ctx, true)
}

var errAlreadyDischarged = errors.New("amqp: transaction already discharged")

func (t *Transaction) discharge(ctx context.Context, fail bool) error {
	t.mu.Lock()
	if t.discharged {
		t.mu.Unlock()
		return errAlreadyDischarged
	}
	t.mu.Unlock()

	msg := &Message{Value: &encoding.Discharge{TxnID: t.id, Fail: fail}}
	state, err := t.controller.sender.sendAndWait(ctx, msg, sendConfig{})
	if err != nil {
		return err
	}
	switch state := state.(type) {
	case *encoding.StateAccepted:
		// the coordinator completed the discharge
	case *encoding.StateRejected:
		if state.Error != nil {
			return state.Error
		}
		return errors.New("amqp: coordinator rejected the discharge")
	default:
		return fmt.Errorf("unexpected discharge outcome %T", state)
	}

	t.mu.Lock()
	t.discharged = true
	t.mu.Unlock()

	t.controller.mu.Lock()
	delete(t.controller.active, t)
	t.controller.mu.Unlock()
	return nil
}

// Send posts msg on s as part of the transaction. The resource
// reports the presumptive outcome via a transactional disposition;
// the work only takes effect when the transaction commits.
func (t *Transaction) Send(ctx context.Context, s *Sender, msg *Message, opts *SendOptions) error {
	cfg := sendConfig{state: &encoding.TransactionalState{TxnID: t.id}}
	if opts != nil {
		cfg.settled = opts.Settled
	}
	state, err := s.sendAndWait(ctx, msg, cfg)
	if err != nil {
		return err
	}

	outcome := state
	if ts, ok := state.(*encoding.TransactionalState); ok {
		outcome = ts.Outcome
	}
	if rejected, ok := outcome.(*encoding.StateRejected); ok {
		if rejected.Error != nil {
			return rejected.Error
		}
		return errors.New("the peer rejected the message without specifying an error")
	}
	return nil
}

// Accept retires msg within the transaction with an accepted outcome.
func (t *Transaction) Accept(ctx context.Context, r *Receiver, msg *Message) error {
	return r.messageDisposition(ctx, msg, &encoding.TransactionalState{TxnID: t.id, Outcome: &encoding.StateAccepted{}})
}

// Reject retires msg within the transaction with a rejected outcome.
func (t *Transaction) Reject(ctx context.Context, r *Receiver, msg *Message, e *Error) error {
	return r.messageDisposition(ctx, msg, &encoding.TransactionalState{TxnID: t.id, Outcome: &encoding.StateRejected{Error: e}})
}

// Release retires msg within the transaction with a released outcome.
func (t *Transaction) Release(ctx context.Context, r *Receiver, msg *Message) error {
	return r.messageDisposition(ctx, msg, &encoding.TransactionalState{TxnID: t.id, Outcome: &encoding.StateReleased{}})
}

// Acquire requests that credit messages delivered on r be acquired
// within the transaction, by stamping the transaction id on the
// link's flow properties.
func (t *Transaction) Acquire(ctx context.Context, r *Receiver, credit uint32) error {
	fr := &frames.PerformFlow{
		Handle:     &r.l.handle,
		LinkCredit: &credit,
		Properties: encoding.Fields{txnIDProperty: t.id},
	}
	return r.l.session.txFrame(ctx, fr, nil)
}

// ReleaseAcquisition ends transactional acquisition on r by sending a
// flow with the transaction id property cleared.
func (t *Transaction) ReleaseAcquisition(ctx context.Context, r *Receiver) error {
	credit := uint32(0)
	fr := &frames.PerformFlow{
		Handle:     &r.l.handle,
		LinkCredit: &credit,
		Echo:       true,
	}
	return r.l.session.txFrame(ctx, fr, nil)
}
