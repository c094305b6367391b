package amqp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/amqp-core/amqp/internal/buffer"
	"github.com/amqp-core/amqp/internal/debug"
	"github.com/amqp-core/amqp/internal/encoding"
	"github.com/amqp-core/amqp/internal/frames"
)

// maxTransferFrameHeader is the maximum over-the-wire size of the
// frame header plus transfer performative, used to compute how much
// payload fits in each fragment.
const maxTransferFrameHeader = 66

// SenderOptions contains the optional settings for configuring an AMQP sender.
type SenderOptions struct {
	// Capabilities is the list of extension capabilities the sender supports.
	Capabilities []string

	// Durability indicates what state of the sender will be retained durably.
	//
	// Default: DurabilityNone.
	Durability Durability

	// DynamicAddress indicates a dynamic address is to be used.
	// Any specified address will be ignored.
	//
	// Default: false.
	DynamicAddress bool

	// ExpiryPolicy determines when the expiry timer of the sender starts counting
	// down from the timeout value. If the link is subsequently re-attached before
	// the timeout is reached, the count down is aborted.
	//
	// Default: ExpirySessionEnd.
	ExpiryPolicy ExpiryPolicy

	// ExpiryTimeout is the duration in seconds that the sender will be retained.
	//
	// Default: 0.
	ExpiryTimeout uint32

	// Name sets the name of the link.
	//
	// Link names must be unique per-connection and direction.
	//
	// Default: randomly generated.
	Name string

	// Properties sets an entry in the link properties map sent to the server.
	Properties map[string]any

	// RequestedReceiverSettleMode sets the requested receiver settlement mode.
	//
	// If a settlement mode is explicitly set and the server does not
	// honor it an error will be returned during link attachment.
	//
	// Default: nil (negotiated by server).
	RequestedReceiverSettleMode *ReceiverSettleMode

	// SettlementMode sets the settlement mode in use by this sender.
	//
	// If a settlement mode is explicitly set and the server does not
	// honor it an error will be returned during link attachment.
	//
	// Default: nil (negotiated by server).
	SettlementMode *SenderSettleMode

	// SourceAddress specifies the source address for this sender.
	SourceAddress string
}

// SendOptions contains any optional values for the Sender.Send method.
type SendOptions struct {
	// Settled sets the sender to send the message as settled (fire-and-forget).
	// The sender's settlement mode must be SenderSettleModeMixed.
	Settled bool
}

// Sender sends messages on a single AMQP link.
type Sender struct {
	l         link
	transfers chan *frames.PerformTransfer

	mu              sync.Mutex // protects buf and nextDeliveryTag
	buf             buffer.Buffer
	nextDeliveryTag uint64
}

// NewSender opens a new sender link on the session.
//
//   - target is the name of the peer's entity the messages are sent to
//   - opts contains optional values, pass nil to accept the defaults
func (s *Session) NewSender(ctx context.Context, target string, opts *SenderOptions) (*Sender, error) {
	if err := s.freeAbandonedLinks(ctx); err != nil {
		return nil, err
	}
	snd, err := newSender(target, s, opts)
	if err != nil {
		return nil, err
	}
	if err := snd.attach(ctx); err != nil {
		return nil, err
	}
	go snd.mux()
	return snd, nil
}

func newSender(target string, s *Session, opts *SenderOptions) (*Sender, error) {
	snd := &Sender{
		transfers: make(chan *frames.PerformTransfer),
	}
	snd.l.init(s, encoding.RoleSender, 8)
	snd.l.source = new(frames.Source)
	snd.l.target = &frames.Target{Address: target}

	if opts == nil {
		return snd, nil
	}

	for _, v := range opts.Capabilities {
		snd.l.source.Capabilities = append(snd.l.source.Capabilities, encoding.Symbol(v))
	}
	if opts.Durability > DurabilityUnsettledState {
		return nil, fmt.Errorf("invalid Durability %d", opts.Durability)
	}
	snd.l.source.Durable = opts.Durability
	if opts.DynamicAddress {
		snd.l.target.Address = ""
		snd.l.dynamicAddr = opts.DynamicAddress
	}
	if opts.ExpiryPolicy != "" {
		if err := opts.ExpiryPolicy.Validate(); err != nil {
			return nil, err
		}
		snd.l.source.ExpiryPolicy = opts.ExpiryPolicy
	}
	snd.l.source.Timeout = opts.ExpiryTimeout
	if opts.Name != "" {
		snd.l.key.name = opts.Name
	}
	if opts.Properties != nil {
		snd.l.properties = make(map[encoding.Symbol]any)
		for k, v := range opts.Properties {
			if k == "" {
				return nil, errors.New("link property key must not be empty")
			}
			snd.l.properties[encoding.Symbol(k)] = v
		}
	}
	if opts.RequestedReceiverSettleMode != nil {
		if rsm := *opts.RequestedReceiverSettleMode; rsm > ReceiverSettleModeSecond {
			return nil, fmt.Errorf("invalid RequestedReceiverSettleMode %d", rsm)
		}
		snd.l.receiverSettleMode = opts.RequestedReceiverSettleMode
	}
	if opts.SettlementMode != nil {
		if ssm := *opts.SettlementMode; ssm > SenderSettleModeMixed {
			return nil, fmt.Errorf("invalid SettlementMode %d", ssm)
		}
		snd.l.senderSettleMode = opts.SettlementMode
	}
	snd.l.source.Address = opts.SourceAddress
	return snd, nil
}

func (s *Sender) attach(ctx context.Context) error {
	// sending unsettled messages when the receiver is in mode-second
	// requires resume support, which this sender does not implement
	if senderSettleModeValue(s.l.senderSettleMode) != SenderSettleModeSettled &&
		receiverSettleModeValue(s.l.receiverSettleMode) == ReceiverSettleModeSecond {
		return errors.New("sender does not support exactly-once guarantee")
	}

	requestedSSM := s.l.senderSettleMode
	requestedRSM := s.l.receiverSettleMode
	var respSSM *SenderSettleMode
	var respRSM *ReceiverSettleMode

	if err := s.l.attach(ctx, func(pa *frames.PerformAttach) {
		if pa.Target == nil {
			pa.Target = new(frames.Target)
		}
		pa.Target.Dynamic = s.l.dynamicAddr
	}, func(pa *frames.PerformAttach) {
		respSSM = pa.SenderSettleMode
		respRSM = pa.ReceiverSettleMode
		if s.l.receiverSettleMode == nil {
			s.l.receiverSettleMode = pa.ReceiverSettleMode
		}
		if s.l.target == nil {
			s.l.target = new(frames.Target)
		}
		// if a dynamic address was requested, copy the assigned name
		if s.l.dynamicAddr && pa.Target != nil {
			s.l.target.Address = pa.Target.Address
		}
	}); err != nil {
		return err
	}

	if requestedSSM != nil {
		if respSSM == nil || *respSSM != *requestedSSM {
			return s.l.detachWithModeMismatch(ctx,
				fmt.Errorf("amqp: sender settlement mode %q requested, received %q from server", requestedSSM, respSSM))
		}
	} else {
		s.l.senderSettleMode = respSSM
	}
	if requestedRSM != nil {
		if got := receiverSettleModeValue(respRSM); got != *requestedRSM {
			return s.l.detachWithModeMismatch(ctx,
				fmt.Errorf("amqp: receiver settlement mode %q requested, received %q from server", requestedRSM, &got))
		}
	}
	return nil
}

// LinkName returns the name of the link used for this Sender.
func (s *Sender) LinkName() string {
	return s.l.key.name
}

// MaxMessageSize is the maximum size of a single message.
func (s *Sender) MaxMessageSize() uint64 {
	return s.l.maxMessageSize
}

// Address returns the link's address.
func (s *Sender) Address() string {
	if s.l.target == nil {
		return ""
	}
	return s.l.target.Address
}

// Close closes the Sender and AMQP link.
//
// If ctx expires while waiting for servers response, ctx.Err() is returned.
// The session will continue to wait for the response until the Session or
// Conn is closed.
func (s *Sender) Close(ctx context.Context) error {
	return s.l.closeLink(ctx)
}

// Detach detaches the link without closing it, retaining the link's
// terminus state at the peer for a later reattach.
func (s *Sender) Detach(ctx context.Context) error {
	return s.l.detachLink(ctx)
}

// Send sends a Message.
//
// Blocks until the message is sent or an error occurs. If the peer
// rejects the message, the error carried on the rejection is returned.
//
// Send is safe for concurrent use.
func (s *Sender) Send(ctx context.Context, msg *Message, opts *SendOptions) error {
	var cfg sendConfig
	if opts != nil {
		cfg.settled = opts.Settled
	}
	state, err := s.sendAndWait(ctx, msg, cfg)
	if err != nil {
		return err
	}
	if state, ok := state.(*encoding.StateRejected); ok {
		if state.Error != nil {
			return state.Error
		}
		return errors.New("the peer rejected the message without specifying an error")
	}
	return nil
}

// sendConfig carries the per-send settings, including the
// transactional delivery state used by transaction controllers.
type sendConfig struct {
	settled bool
	state   encoding.DeliveryState
}

// sendAndWait performs the transfer and waits for the peer's terminal
// delivery state (nil for settled sends).
func (s *Sender) sendAndWait(ctx context.Context, msg *Message, cfg sendConfig) (encoding.DeliveryState, error) {
	done, err := s.send(ctx, msg, cfg)
	if err != nil {
		return nil, err
	}

	select {
	case state := <-done:
		return state, nil
	case <-s.l.done:
		return nil, s.l.doneErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send is separated from Send so the mutex unlock can be deferred
// without covering the settlement wait.
func (s *Sender) send(ctx context.Context, msg *Message, cfg sendConfig) (chan encoding.DeliveryState, error) {
	// check if the link is dead. while it's safe to queue transfers
	// in this case, this avoids some allocations.
	select {
	case <-s.l.done:
		return nil, s.l.doneErr
	default:
	}

	if len(msg.DeliveryTag) > encoding.MaxDeliveryTagLength {
		return nil, fmt.Errorf("delivery tag is over the allowed %v bytes, len: %v", encoding.MaxDeliveryTagLength, len(msg.DeliveryTag))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	if err := msg.Marshal(&s.buf); err != nil {
		return nil, err
	}

	if s.l.maxMessageSize != 0 && uint64(s.buf.Len()) > s.l.maxMessageSize {
		return nil, fmt.Errorf("encoded message size exceeds max of %d", s.l.maxMessageSize)
	}

	mode := senderSettleModeValue(s.l.senderSettleMode)
	if cfg.settled && mode == SenderSettleModeUnsettled {
		return nil, errors.New("can't send message as settled when sender settlement mode is unsettled")
	}
	senderSettled := mode == SenderSettleModeSettled || (mode == SenderSettleModeMixed && cfg.settled)

	deliveryTag := msg.DeliveryTag
	if len(deliveryTag) == 0 {
		// use uint64 encoded as []byte as deliveryTag
		deliveryTag = make([]byte, 8)
		binary.BigEndian.PutUint64(deliveryTag, s.nextDeliveryTag)
		s.nextDeliveryTag++
	}

	maxPayloadSize := int(s.l.session.conn.peerMaxFrameSize) - maxTransferFrameHeader

	fr := frames.PerformTransfer{
		Handle:        s.l.handle,
		DeliveryTag:   deliveryTag,
		MessageFormat: &msg.Format,
		State:         cfg.state,
		More:          s.buf.Len() > 0,
	}

	var done chan encoding.DeliveryState
	for fr.More {
		buf, _ := s.buf.Next(maxPayloadSize)
		fr.Payload = append([]byte(nil), buf...)
		fr.More = s.buf.Len() > 0
		if !fr.More {
			// SSM=settled: overrides RSM; no acks.
			// SSM=unsettled: sender waits for the receiver's disposition.
			// RSM=first: receiver settles immediately upon terminal outcome.
			// RSM=second: receiver waits for the sender's settlement echo.

			// mark the final transfer as settled when in settled mode
			fr.Settled = senderSettled

			// set done on the last frame
			done = make(chan encoding.DeliveryState, 1)
			fr.Done = done
		}

		frCopy := fr
		select {
		case s.transfers <- &frCopy:
		case <-s.l.done:
			return nil, s.l.doneErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// clear values that are only required on the first fragment
		fr.DeliveryTag = nil
		fr.MessageFormat = nil
		fr.State = nil
	}

	return done, nil
}

func (s *Sender) mux() {
	var err error

Loop:
	for {
		var outgoing chan *frames.PerformTransfer
		if s.l.linkCredit > 0 {
			debug.Log(context.TODO(), slog.LevelDebug, "sender mux",
				slog.String("link", s.l.key.name),
				slog.Uint64("credit", uint64(s.l.linkCredit)),
				slog.Uint64("deliveryCount", uint64(s.l.deliveryCount)))
			outgoing = s.transfers
		}

		select {
		case fr := <-s.l.rx:
			if err = s.muxHandleFrame(fr); err != nil {
				break Loop
			}

		case tr := <-outgoing:
			// ensure the session mux is not blocked
			for {
				select {
				case s.l.session.txTransfer <- tr:
					// decrement link-credit after the entire message has
					// been transferred
					if !tr.More {
						s.l.deliveryCount++
						s.l.linkCredit--
					}
					continue Loop
				case fr := <-s.l.rx:
					if err = s.muxHandleFrame(fr); err != nil {
						break Loop
					}
				case <-s.l.close:
					break Loop
				case <-s.l.session.done:
					err = s.l.session.sessionErr()
					break Loop
				}
			}

		case <-s.l.close:
			break Loop
		case <-s.l.session.done:
			err = s.l.session.sessionErr()
			break Loop
		}
	}

	s.l.muxShutdown(err)
}

// muxHandleFrame processes fr based on type.
func (s *Sender) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformFlow:
		debug.Log(context.TODO(), slog.LevelDebug, "RX (sender)", slog.Any("frame", fr))
		if fr.LinkCredit != nil {
			linkCredit := *fr.LinkCredit - s.l.deliveryCount
			if fr.DeliveryCount != nil {
				// DeliveryCount can be nil if the receiver hasn't
				// processed the attach yet
				linkCredit += *fr.DeliveryCount
			}
			s.l.linkCredit = linkCredit
		}

		if !fr.Echo {
			return nil
		}

		// copy because sent by pointer below; prevents a race
		deliveryCount := s.l.deliveryCount
		linkCredit := s.l.linkCredit
		resp := &frames.PerformFlow{
			Handle:        &s.l.handle,
			DeliveryCount: &deliveryCount,
			LinkCredit:    &linkCredit,
		}
		return s.l.session.txFrame(context.Background(), resp, nil)

	default:
		return s.l.muxHandleFrame(fr)
	}
}

// senderSettleModeValue returns the mode pointed to by ssm, defaulting
// to mixed.
func senderSettleModeValue(ssm *SenderSettleMode) SenderSettleMode {
	if ssm == nil {
		return SenderSettleModeMixed
	}
	return *ssm
}

// receiverSettleModeValue returns the mode pointed to by rsm,
// defaulting to first.
func receiverSettleModeValue(rsm *ReceiverSettleMode) ReceiverSettleMode {
	if rsm == nil {
		return ReceiverSettleModeFirst
	}
	return *rsm
}
