package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/amqp-core/amqp/internal/buffer"
	"github.com/amqp-core/amqp/internal/debug"
	"github.com/amqp-core/amqp/internal/encoding"
	"github.com/amqp-core/amqp/internal/frames"
	"github.com/amqp-core/amqp/internal/queue"
)

// Default link options
const (
	defaultLinkCredit = 1

	// maxManualCredit bounds the total outstanding credit when manual
	// credit management is enabled.
	maxManualCredit = 1024
)

// ReceiverOptions contains the optional settings for configuring an AMQP receiver.
type ReceiverOptions struct {
	// Capabilities is the list of extension capabilities the receiver supports.
	Capabilities []string

	// Credit specifies the maximum number of unacknowledged messages
	// the sender can transmit. Once this limit is reached, no more messages
	// will arrive until messages are acknowledged and settled.
	//
	// As messages are settled, any available credit will automatically be issued.
	//
	// Set to -1 to manage credit manually via Receiver.IssueCredit.
	//
	// Default: 1.
	Credit int32

	// Durability indicates what state of the receiver will be retained durably.
	//
	// Default: DurabilityNone.
	Durability Durability

	// DynamicAddress indicates a dynamic address is to be used.
	// Any specified address will be ignored.
	//
	// Default: false.
	DynamicAddress bool

	// ExpiryPolicy determines when the expiry timer of the receiver starts counting
	// down from the timeout value.
	//
	// Default: ExpirySessionEnd.
	ExpiryPolicy ExpiryPolicy

	// ExpiryTimeout is the duration in seconds that the receiver will be retained.
	//
	// Default: 0.
	ExpiryTimeout uint32

	// Filters contains the desired filters for this receiver.
	Filters []LinkFilter

	// Name sets the name of the link.
	//
	// Link names must be unique per-connection and direction.
	//
	// Default: randomly generated.
	Name string

	// Properties sets an entry in the link properties map sent to the server.
	Properties map[string]any

	// RequestedSenderSettleMode sets the requested sender settlement mode.
	//
	// If a settlement mode is explicitly set and the server does not
	// honor it an error will be returned during link attachment.
	//
	// Default: nil (negotiated by server).
	RequestedSenderSettleMode *SenderSettleMode

	// SettlementMode sets the settlement mode in use by this receiver.
	//
	// Default: nil (negotiated by server).
	SettlementMode *ReceiverSettleMode

	// TargetAddress specifies the target address for this receiver.
	TargetAddress string
}

// ReceiveOptions contains any optional values for the Receiver.Receive method.
type ReceiveOptions struct {
	// for future expansion
}

// LinkFilter is an advanced API for setting non-standard source filters.
type LinkFilter func(encoding.Filter)

// NewLinkFilter creates a new LinkFilter with the specified values.
//   - name is the name of the filter
//   - code is the descriptor code for the filter
//   - value is the value of the filter
func NewLinkFilter(name string, code uint64, value any) LinkFilter {
	return func(f encoding.Filter) {
		var descriptor any
		if code != 0 {
			descriptor = code
		} else {
			descriptor = encoding.Symbol(name)
		}
		f[encoding.Symbol(name)] = &encoding.DescribedType{
			Descriptor: descriptor,
			Value:      value,
		}
	}
}

// NewSelectorFilter creates a new selector filter (apache.org:selector-filter:string)
// with the specified filter value.
func NewSelectorFilter(filter string) LinkFilter {
	return NewLinkFilter(selectorFilter, selectorFilterCode, filter)
}

const (
	selectorFilter     = "apache.org:selector-filter:string"
	selectorFilterCode = uint64(0x0000468C00000004)
)

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	l link

	// prefetched messages, filled by the mux and drained by Receive
	messages *queue.Holder[Message]

	autoSendFlow bool   // automatically replenish credit
	maxCredit    uint32 // the receiver's credit window

	creditor creditor // manual credit and drain state

	inFlight inFlight // in-flight message dispositions awaiting confirmation

	// pokes the mux to recompute flow state
	ready     chan struct{}
	readyOnce sync.Once

	// reassembly state, owned by the mux
	msg  Message       // current partially-received message
	buf  buffer.Buffer // accumulated payload of msg
	more bool          // true when mid-delivery
}

// NewReceiver opens a new receiver link on the session.
//
//   - source is the name of the peer's entity the messages are received from
//   - opts contains optional values, pass nil to accept the defaults
func (s *Session) NewReceiver(ctx context.Context, source string, opts *ReceiverOptions) (*Receiver, error) {
	if err := s.freeAbandonedLinks(ctx); err != nil {
		return nil, err
	}
	rcv, err := newReceiver(source, s, opts)
	if err != nil {
		return nil, err
	}
	if err := rcv.attach(ctx); err != nil {
		return nil, err
	}
	go rcv.mux()
	return rcv, nil
}

func newReceiver(source string, s *Session, opts *ReceiverOptions) (*Receiver, error) {
	r := &Receiver{
		autoSendFlow: true,
		maxCredit:    defaultLinkCredit,
	}

	if opts != nil {
		switch {
		case opts.Credit < -1:
			return nil, fmt.Errorf("invalid Credit %d", opts.Credit)
		case opts.Credit == -1:
			r.autoSendFlow = false
			r.maxCredit = maxManualCredit
		case opts.Credit > 0:
			r.maxCredit = uint32(opts.Credit)
		}
	}

	r.l.init(s, encoding.RoleReceiver, int(r.maxCredit)+8)
	r.l.source = &frames.Source{Address: source}
	r.l.target = new(frames.Target)
	r.messages = queue.NewHolder(queue.New[Message](int(r.maxCredit)))

	if opts == nil {
		return r, nil
	}

	for _, v := range opts.Capabilities {
		r.l.source.Capabilities = append(r.l.source.Capabilities, encoding.Symbol(v))
	}
	if opts.Durability > DurabilityUnsettledState {
		return nil, fmt.Errorf("invalid Durability %d", opts.Durability)
	}
	r.l.source.Durable = opts.Durability
	if opts.DynamicAddress {
		r.l.source.Address = ""
		r.l.dynamicAddr = opts.DynamicAddress
	}
	if opts.ExpiryPolicy != "" {
		if err := opts.ExpiryPolicy.Validate(); err != nil {
			return nil, err
		}
		r.l.source.ExpiryPolicy = opts.ExpiryPolicy
	}
	r.l.source.Timeout = opts.ExpiryTimeout
	if len(opts.Filters) > 0 {
		filter := encoding.Filter{}
		for _, f := range opts.Filters {
			f(filter)
		}
		r.l.source.Filter = filter
	}
	if opts.Name != "" {
		r.l.key.name = opts.Name
	}
	if opts.Properties != nil {
		r.l.properties = make(map[encoding.Symbol]any)
		for k, v := range opts.Properties {
			if k == "" {
				return nil, errors.New("link property key must not be empty")
			}
			r.l.properties[encoding.Symbol(k)] = v
		}
	}
	if opts.RequestedSenderSettleMode != nil {
		if ssm := *opts.RequestedSenderSettleMode; ssm > SenderSettleModeMixed {
			return nil, fmt.Errorf("invalid RequestedSenderSettleMode %d", ssm)
		}
		r.l.senderSettleMode = opts.RequestedSenderSettleMode
	}
	if opts.SettlementMode != nil {
		if rsm := *opts.SettlementMode; rsm > ReceiverSettleModeSecond {
			return nil, fmt.Errorf("invalid SettlementMode %d", rsm)
		}
		r.l.receiverSettleMode = opts.SettlementMode
	}
	r.l.target.Address = opts.TargetAddress
	return r, nil
}

func (r *Receiver) attach(ctx context.Context) error {
	requestedSSM := r.l.senderSettleMode
	var respSSM *SenderSettleMode

	if err := r.l.attach(ctx, func(pa *frames.PerformAttach) {
		if pa.Source == nil {
			pa.Source = new(frames.Source)
		}
		pa.Source.Dynamic = r.l.dynamicAddr
	}, func(pa *frames.PerformAttach) {
		respSSM = pa.SenderSettleMode
		if r.l.receiverSettleMode == nil {
			r.l.receiverSettleMode = pa.ReceiverSettleMode
		}
		if r.l.source == nil {
			r.l.source = new(frames.Source)
		}
		// if a dynamic address was requested, copy the assigned name
		if r.l.dynamicAddr && pa.Source != nil {
			r.l.source.Address = pa.Source.Address
		}
	}); err != nil {
		return err
	}

	if requestedSSM != nil {
		if respSSM == nil || *respSSM != *requestedSSM {
			return r.l.detachWithModeMismatch(ctx,
				fmt.Errorf("amqp: sender settlement mode %q requested, received %q from server", requestedSSM, respSSM))
		}
	} else {
		r.l.senderSettleMode = respSSM
	}
	return nil
}

// LinkName returns the name of the link used for this Receiver.
func (r *Receiver) LinkName() string {
	return r.l.key.name
}

// Address returns the link's address.
func (r *Receiver) Address() string {
	if r.l.source == nil {
		return ""
	}
	return r.l.source.Address
}

// Close closes the Receiver and AMQP link.
//
// If ctx expires while waiting for servers response, ctx.Err() is returned.
// The session will continue to wait for the response until the Session or
// Conn is closed.
func (r *Receiver) Close(ctx context.Context) error {
	return r.l.closeLink(ctx)
}

// Detach detaches the link without closing it, retaining the link's
// terminus state at the peer for a later reattach.
func (r *Receiver) Detach(ctx context.Context) error {
	return r.l.detachLink(ctx)
}

// Receive returns the next message from the sender's queue.
//
// Blocks until a message is received, ctx completes, or an error occurs.
func (r *Receiver) Receive(ctx context.Context, opts *ReceiveOptions) (*Message, error) {
	for {
		if msg := r.Prefetched(); msg != nil {
			return msg, nil
		}

		select {
		case <-r.messages.Available():
			// loop around and dequeue
		case <-r.l.done:
			return nil, r.l.doneErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Prefetched returns the next message that is stored in the Receiver's
// prefetch cache. It does NOT wait for the remote sender to send messages
// and returns immediately if the prefetch cache is empty.
func (r *Receiver) Prefetched() *Message {
	msg := r.messages.Dequeue()
	if msg == nil {
		return nil
	}
	r.notifyReady()
	return msg
}

// queuedMessages returns the number of prefetched messages.
func (r *Receiver) queuedMessages() int {
	return r.messages.Len()
}

// IssueCredit adds credits to be requested in the next flow request.
// Use this to control how many messages arrive when the Receiver was
// created with Credit: -1.
func (r *Receiver) IssueCredit(credit uint32) error {
	if r.autoSendFlow {
		return errors.New("issueCredit can only be used with receiver links using manual credit management")
	}
	if err := r.creditor.IssueCredit(credit, r); err != nil {
		return err
	}
	r.notifyReady()
	return nil
}

// Drain requests the sender to either immediately use all the
// outstanding link credit or flush it. Blocks until the sender's
// responding flow frame arrives.
func (r *Receiver) Drain(ctx context.Context) error {
	return r.creditor.Drain(ctx, r)
}

// AcceptMessage notifies the server that the message has been accepted and
// does not require redelivery.
func (r *Receiver) AcceptMessage(ctx context.Context, msg *Message) error {
	return r.messageDisposition(ctx, msg, &encoding.StateAccepted{})
}

// RejectMessage notifies the server that the message is invalid.
//
// Rejection error is optional.
func (r *Receiver) RejectMessage(ctx context.Context, msg *Message, e *Error) error {
	return r.messageDisposition(ctx, msg, &encoding.StateRejected{Error: e})
}

// ReleaseMessage notifies the server that the message was not acted upon and
// should be released for redelivery.
func (r *Receiver) ReleaseMessage(ctx context.Context, msg *Message) error {
	return r.messageDisposition(ctx, msg, &encoding.StateReleased{})
}

// ModifyMessageOptions contains the optional parameters to ModifyMessage.
type ModifyMessageOptions struct {
	// DeliveryFailed indicates that the server must consider this an
	// unsuccessful delivery attempt and increment the delivery count.
	DeliveryFailed bool

	// UndeliverableHere indicates that the server must not redeliver
	// the message to this link.
	UndeliverableHere bool

	// Annotations is an optional annotation map to be merged
	// with the existing message annotations.
	Annotations Annotations
}

// ModifyMessage notifies the server that the message was not acted upon
// and should be modified accordingly.
func (r *Receiver) ModifyMessage(ctx context.Context, msg *Message, options *ModifyMessageOptions) error {
	var state *encoding.StateModified
	if options == nil {
		state = &encoding.StateModified{}
	} else {
		state = &encoding.StateModified{
			DeliveryFailed:     options.DeliveryFailed,
			UndeliverableHere:  options.UndeliverableHere,
			MessageAnnotations: options.Annotations,
		}
	}
	return r.messageDisposition(ctx, msg, state)
}

// messageDisposition settles msg with the given terminal state. In
// mode-second it waits for the sender's settlement confirmation.
func (r *Receiver) messageDisposition(ctx context.Context, msg *Message, state encoding.DeliveryState) error {
	if msg.receiver != r {
		return errors.New("amqp: message was not received by this receiver")
	}
	if msg.settled {
		return nil
	}
	msg.settled = true

	var wait chan error
	if receiverSettleModeValue(r.l.receiverSettleMode) == ReceiverSettleModeSecond {
		wait = r.inFlight.add(msg.deliveryID)
	}

	fr := &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   msg.deliveryID,
		Settled: wait == nil,
		State:   state,
	}
	if err := r.l.session.txFrame(ctx, fr, nil); err != nil {
		return err
	}

	r.notifyReady()
	if wait == nil {
		return nil
	}

	select {
	case err := <-wait:
		return err
	case <-r.l.done:
		return r.l.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notifyReady pokes the mux to recompute flow state.
func (r *Receiver) notifyReady() {
	select {
	case r.receiverReady() <- struct{}{}:
	default:
	}
}

// receiverReady lazily creates the ready channel so zero-value
// receivers used in tests don't panic.
func (r *Receiver) receiverReady() chan struct{} {
	r.readyOnce.Do(func() {
		r.ready = make(chan struct{}, 1)
	})
	return r.ready
}

func (r *Receiver) mux() {
	var err error

	if r.autoSendFlow {
		err = r.muxFlow(r.maxCredit, false)
	}

Loop:
	for err == nil {
		select {
		case fr := <-r.l.rx:
			if err = r.muxHandleFrame(fr); err != nil {
				break Loop
			}
		case <-r.receiverReady():
			if err = r.replenish(); err != nil {
				break Loop
			}
		case <-r.l.close:
			break Loop
		case <-r.l.session.done:
			err = r.l.session.sessionErr()
			break Loop
		}
	}

	r.creditor.EndDrain()
	r.l.muxShutdown(err)
}

// muxFlow sends a flow frame with the given link credit. When drain
// is set the current credit is left untouched, as the sender either
// uses it or returns it via its responding flow.
func (r *Receiver) muxFlow(linkCredit uint32, drain bool) error {
	if !drain {
		r.l.linkCredit = linkCredit
	}
	deliveryCount := r.l.deliveryCount
	fr := &frames.PerformFlow{
		Handle:        &r.l.handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &linkCredit,
		Drain:         drain,
	}
	debug.Log(context.TODO(), slog.LevelDebug, "TX (receiver): flow", slog.Any("frame", fr))
	return r.l.session.txFrame(context.Background(), fr, nil)
}

// replenish applies pending manual credits/drain, or tops up the
// automatic credit window once half of it has been consumed.
func (r *Receiver) replenish() error {
	drain, credits := r.creditor.FlowBits()
	if drain {
		return r.muxFlow(r.l.linkCredit, true)
	}
	if credits > 0 {
		return r.muxFlow(r.l.linkCredit+credits, false)
	}
	if r.autoSendFlow && r.l.linkCredit <= r.maxCredit/2 {
		queued := uint32(r.queuedMessages())
		if queued >= r.maxCredit {
			return nil
		}
		if newCredit := r.maxCredit - queued; newCredit > r.l.linkCredit {
			return r.muxFlow(newCredit, false)
		}
	}
	return nil
}

// muxHandleFrame processes fr based on type.
func (r *Receiver) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformTransfer:
		return r.muxReceive(fr)

	case *frames.PerformFlow:
		debug.Log(context.TODO(), slog.LevelDebug, "RX (receiver)", slog.Any("frame", fr))
		if fr.Drain {
			// the sender has consumed or returned all outstanding
			// credit; sync our view and unblock Drain callers
			if fr.DeliveryCount != nil {
				r.l.deliveryCount = *fr.DeliveryCount
			}
			r.l.linkCredit = 0
			r.creditor.EndDrain()
			return nil
		}
		if fr.Echo {
			return r.muxFlow(r.l.linkCredit, false)
		}
		return nil

	case *frames.PerformDisposition:
		// the sender confirming settlement of deliveries we
		// dispositioned in mode-second
		debug.Log(context.TODO(), slog.LevelDebug, "RX (receiver)", slog.Any("frame", fr))
		last := fr.First
		if fr.Last != nil {
			last = *fr.Last
		}
		for id := fr.First; id <= last; id++ {
			r.inFlight.remove(id, nil)
		}
		return nil

	default:
		return r.l.muxHandleFrame(fr)
	}
}

// muxReceive reassembles incoming transfers into messages.
func (r *Receiver) muxReceive(fr *frames.PerformTransfer) error {
	debug.Log(context.TODO(), slog.LevelDebug, "RX (receiver)", slog.Any("frame", fr))

	if fr.Aborted {
		// receipt of an aborted transfer discards the pending delivery
		r.buf.Reset()
		r.msg = Message{}
		r.more = false
		return nil
	}

	if !r.more {
		// first fragment of a new delivery
		r.buf.Reset()
		r.msg = Message{}
		if fr.DeliveryID != nil {
			r.msg.deliveryID = *fr.DeliveryID
		}
		r.msg.DeliveryTag = append([]byte(nil), fr.DeliveryTag...)
		if fr.MessageFormat != nil {
			r.msg.Format = *fr.MessageFormat
		}
		r.msg.settled = fr.Settled
	} else if fr.Settled {
		// settled may be set on any fragment
		r.msg.settled = true
	}

	if _, err := r.buf.Write(fr.Payload); err != nil {
		return err
	}

	if fr.More {
		r.more = true
		return nil
	}
	r.more = false

	msg := r.msg
	r.msg = Message{}
	// detach the accumulated payload so the decoded message and the
	// raw pass-through share one allocation
	raw := r.buf.Detach()
	msg.rawData = raw
	if err := msg.Unmarshal(buffer.New(raw)); err != nil {
		return &LinkError{inner: err}
	}
	msg.receiver = r

	r.l.deliveryCount++
	if r.l.linkCredit > 0 {
		r.l.linkCredit--
	}

	r.messages.Enqueue(msg)
	return nil
}
