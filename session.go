package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/amqp-core/amqp/internal/bitmap"
	"github.com/amqp-core/amqp/internal/debug"
	"github.com/amqp-core/amqp/internal/encoding"
	"github.com/amqp-core/amqp/internal/frames"
)

// Default session options
const (
	defaultWindow = 5000
)

// SessionOptions contains the optional settings for configuring an AMQP session.
type SessionOptions struct {
	// MaxLinks sets the maximum number of links (Senders/Receivers)
	// allowed on the session.
	//
	// Minimum: 1.
	// Default: 4294967296.
	MaxLinks uint32
}

// Session is an AMQP session.
//
// A session multiplexes Receivers.
type Session struct {
	conn          *Conn
	channel       uint16 // session's local channel
	remoteChannel uint16 // session's remote channel, owned by conn's reader

	rx         chan frames.FrameBody        // frames destined for this session are received on this channel
	tx         chan frameBodyEnvelope       // non-transfer frames to be sent
	txTransfer chan *frames.PerformTransfer // transfer frames to be sent

	// closed by the client to signal that the session should end
	close     chan struct{}
	closeOnce sync.Once

	// closed when the session mux has terminated; doneErr is valid
	done    chan struct{}
	doneErr error

	// sticky error from a timed-out Close call
	closeErrMu sync.Mutex
	closeErr   error

	// options configured at creation
	incomingWindow uint32
	outgoingWindow uint32
	handleMax      uint32

	// link tracking; guarded by linksMu as links allocate/deallocate
	// their handles from their own goroutines
	linksMu       sync.RWMutex
	linksByKey    map[linkKey]*link
	outputHandles *bitmap.Bitmap

	// links that were abandoned mid-attach due to cancellation; freed
	// on the next NewSender/NewReceiver call
	abandonedLinksMu sync.Mutex
	abandonedLinks   []*link

	// the following fields are exclusively owned by the session mux

	linksByInputHandle map[uint32]*link       // routing of incoming link frames by the peer's handle
	outgoingDeliveries map[uint32]uint32      // output handle -> delivery ID of an in-progress multi-frame delivery
	outgoingSettlement map[uint32]*settlement // delivery ID -> state for outgoing unsettled deliveries
	incomingDeliveries map[uint32]*link       // delivery ID -> receiving link, for disposition routing

	nextOutgoingID       uint32 // next transfer id to be assigned
	initialOutgoingID    uint32 // constant after Begin
	nextIncomingID       uint32 // expected transfer id of the next incoming transfer
	remoteIncomingWindow uint32 // how many more transfers we may send
	remoteOutgoingWindow uint32
	nextDeliveryID       uint32 // next outgoing delivery-id to be assigned
}

// settlement tracks one outgoing unsettled delivery until the peer's
// terminal disposition arrives.
type settlement struct {
	handle uint32
	tag    []byte
	done   chan encoding.DeliveryState
}

// frameBodyEnvelope is a frame body plus an optional completion
// channel that receives the result of the network write.
type frameBodyEnvelope struct {
	frame frames.FrameBody
	sent  chan error
}

func newSession(c *Conn, channel uint16, opts *SessionOptions) *Session {
	s := &Session{
		conn:               c,
		channel:            channel,
		rx:                 make(chan frames.FrameBody, defaultWindow),
		tx:                 make(chan frameBodyEnvelope),
		txTransfer:         make(chan *frames.PerformTransfer),
		close:              make(chan struct{}),
		done:               make(chan struct{}),
		incomingWindow:     defaultWindow,
		outgoingWindow:     defaultWindow,
		handleMax:          math.MaxUint32,
		linksByKey:         map[linkKey]*link{},
		linksByInputHandle: map[uint32]*link{},
		outgoingDeliveries: map[uint32]uint32{},
		outgoingSettlement: map[uint32]*settlement{},
		incomingDeliveries: map[uint32]*link{},
	}

	if opts != nil {
		if opts.MaxLinks != 0 {
			// handle-max is the highest usable handle, so MaxLinks
			// links means handles 0 through MaxLinks-1
			s.handleMax = opts.MaxLinks - 1
		}
	}

	return s
}

// begin sends the Begin performative, waits for the peer's response,
// and starts the session mux.
func (s *Session) begin(ctx context.Context) error {
	begin := &frames.PerformBegin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	debug.Log(ctx, slog.LevelInfo, "TX: begin", slog.Any("frame", begin))

	sent := make(chan error, 1)
	if err := s.conn.sendFrame(ctx, frames.Frame{Type: frames.TypeAMQP, Channel: s.channel, Body: begin}, sent); err != nil {
		s.conn.deleteSession(s)
		return err
	}

	select {
	case err := <-sent:
		if err != nil {
			s.conn.deleteSession(s)
			return &ConnError{inner: err}
		}
	case <-ctx.Done():
		s.conn.abandonSession(s)
		return ctx.Err()
	case <-s.conn.done:
		s.conn.deleteSession(s)
		return s.conn.connErr()
	}

	select {
	case fr := <-s.rx:
		resp, ok := fr.(*frames.PerformBegin)
		if !ok {
			s.conn.closeWithError(
				&Error{Condition: encoding.Symbol(ErrCondIllegalState), Description: "invalid begin response"},
				&ConnError{inner: fmt.Errorf("unexpected begin response frame %T", fr)},
			)
			return fmt.Errorf("unexpected begin response frame %T", fr)
		}
		debug.Log(ctx, slog.LevelInfo, "RX: begin", slog.Any("frame", resp))
		// seed the flow-control state from the peer's view
		s.nextIncomingID = resp.NextOutgoingID
		s.remoteIncomingWindow = resp.IncomingWindow
		s.remoteOutgoingWindow = resp.OutgoingWindow
		if resp.HandleMax < s.handleMax {
			s.handleMax = resp.HandleMax
		}
	case <-ctx.Done():
		s.conn.abandonSession(s)
		return ctx.Err()
	case <-s.conn.done:
		s.conn.deleteSession(s)
		return s.conn.connErr()
	}

	s.initialOutgoingID = s.nextOutgoingID
	s.outputHandles = bitmap.New(s.handleMax + 1)
	go s.mux()
	return nil
}

// Close closes the session.
//
// Returns nil if the session was cleanly ended, a SessionError if the
// peer ended it with an error, or ctx.Err() if ctx expired first.
func (s *Session) Close(ctx context.Context) error {
	s.closeErrMu.Lock()
	closeErr := s.closeErr
	s.closeErrMu.Unlock()
	if closeErr != nil {
		return closeErr
	}

	s.closeOnce.Do(func() { close(s.close) })
	select {
	case <-s.done:
		var sessionErr *SessionError
		if errors.As(s.doneErr, &sessionErr) && sessionErr.RemoteErr == nil && sessionErr.inner == nil {
			// the peer ended in response to our End; clean shutdown
			return nil
		}
		return s.doneErr
	case <-ctx.Done():
		s.closeErrMu.Lock()
		s.closeErr = &SessionError{inner: ctx.Err()}
		s.closeErrMu.Unlock()
		return ctx.Err()
	}
}

// sessionErr returns the error describing why the session is
// unusable, for propagation to links.
func (s *Session) sessionErr() error {
	if s.doneErr != nil {
		return s.doneErr
	}
	return &SessionError{}
}

// txFrame queues fr for writing on this session's channel. If sent is
// non-nil it receives the result of the network write.
func (s *Session) txFrame(ctx context.Context, fr frames.FrameBody, sent chan error) error {
	select {
	case s.tx <- frameBodyEnvelope{frame: fr, sent: sent}:
		return nil
	case <-s.done:
		return s.sessionErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// allocateHandle assigns the smallest free output handle to l and
// registers its name.
func (s *Session) allocateHandle(l *link) error {
	s.linksMu.Lock()
	defer s.linksMu.Unlock()

	if _, ok := s.linksByKey[l.key]; ok {
		return fmt.Errorf("link with name %q already exists", l.key.name)
	}
	next, ok := s.outputHandles.Next()
	if !ok {
		return fmt.Errorf("reached session handle max (%d)", s.handleMax)
	}
	l.handle = next
	s.linksByKey[l.key] = l
	return nil
}

func (s *Session) deallocateHandle(l *link) {
	s.linksMu.Lock()
	defer s.linksMu.Unlock()

	delete(s.linksByKey, l.key)
	if s.outputHandles != nil {
		s.outputHandles.Unset(l.handle)
	}
}

// abandonLink records a link whose attach was cancelled mid-exchange.
// The link's handle stays allocated until freeAbandonedLinks runs so
// a late attach response remains routable.
func (s *Session) abandonLink(l *link) {
	l.markDone(&LinkError{inner: errors.New("link abandoned")})
	s.abandonedLinksMu.Lock()
	defer s.abandonedLinksMu.Unlock()
	s.abandonedLinks = append(s.abandonedLinks, l)
}

// freeAbandonedLinks detaches and deallocates any links abandoned by
// cancelled attach calls. Called before creating a new link.
func (s *Session) freeAbandonedLinks(ctx context.Context) error {
	s.abandonedLinksMu.Lock()
	defer s.abandonedLinksMu.Unlock()

	debug.Log(ctx, slog.LevelDebug, "freeing abandoned links", slog.Int("count", len(s.abandonedLinks)))

	for _, l := range s.abandonedLinks {
		dr := &frames.PerformDetach{Handle: l.handle, Closed: true}
		if err := s.txFrame(ctx, dr, nil); err != nil {
			return err
		}
		s.deallocateHandle(l)
	}
	s.abandonedLinks = nil
	return nil
}

func (s *Session) mux() {
	defer func() {
		s.conn.deleteSession(s)
		close(s.done)
	}()

	closeInProgress := false
	closeCh := s.close

	for {
		// transfers are gated on the peer having window for them; a
		// nil channel is never ready
		txTransfer := s.txTransfer
		if s.remoteIncomingWindow == 0 || closeInProgress {
			txTransfer = nil
		}

		select {
		case <-s.conn.done:
			s.doneErr = s.conn.connErr()
			return

		case <-closeCh:
			closeCh = nil
			closeInProgress = true
			debug.Log(context.TODO(), slog.LevelInfo, "TX: end", slog.Uint64("channel", uint64(s.channel)))
			if err := s.txFrameNow(&frames.PerformEnd{}); err != nil {
				s.doneErr = err
				return
			}

		case env := <-s.tx:
			if closeInProgress {
				// the session is ending; fail the write without
				// touching the wire
				if env.sent != nil {
					env.sent <- errors.New("amqp: session ending")
				}
				continue
			}
			if d, ok := env.frame.(*frames.PerformDisposition); ok && d.Role == encoding.RoleReceiver && d.Settled {
				// a settled disposition releases the delivery routing state
				last := d.First
				if d.Last != nil {
					last = *d.Last
				}
				for id := d.First; id <= last; id++ {
					delete(s.incomingDeliveries, id)
				}
			}
			s.prepareOutgoingFrame(env.frame)
			if err := s.txFrameWith(env.frame, env.sent); err != nil {
				s.doneErr = err
				return
			}

		case fr := <-txTransfer:
			if err := s.muxTransfer(fr); err != nil {
				s.doneErr = err
				return
			}

		case fr := <-s.rx:
			done, err := s.muxFrame(fr, closeInProgress)
			if err != nil {
				// try to end the session with the protocol error
				var sessErr *SessionError
				if !closeInProgress && errors.As(err, &sessErr) {
					closeInProgress = true
					closeCh = nil
					_ = s.txFrameNow(&frames.PerformEnd{Error: sessErr.RemoteErr})
					// wait for the peer's End before terminating
					s.doneErr = err
					continue
				}
				s.doneErr = err
				return
			}
			if done {
				return
			}
		}
	}
}

// prepareOutgoingFrame fills the session-level fields of frames that
// carry them before they hit the wire.
func (s *Session) prepareOutgoingFrame(fr frames.FrameBody) {
	if flow, ok := fr.(*frames.PerformFlow); ok {
		nextIncomingID := s.nextIncomingID
		flow.NextIncomingID = &nextIncomingID
		flow.IncomingWindow = s.incomingWindow
		flow.NextOutgoingID = s.nextOutgoingID
		flow.OutgoingWindow = s.outgoingWindow
	}
}

// muxTransfer stamps an outgoing transfer with its delivery-id,
// updates the windows, and writes it.
func (s *Session) muxTransfer(fr *frames.PerformTransfer) error {
	debug.Assert(context.TODO(), s.remoteIncomingWindow > 0,
		slog.Uint64("remoteIncomingWindow", uint64(s.remoteIncomingWindow)))

	deliveryID, inProgress := s.outgoingDeliveries[fr.Handle]
	if !inProgress {
		// first fragment of a new delivery
		deliveryID = s.nextDeliveryID
		s.nextDeliveryID++
		fr.DeliveryID = &deliveryID
		if !fr.Settled {
			s.outgoingSettlement[deliveryID] = &settlement{
				handle: fr.Handle,
				tag:    append([]byte(nil), fr.DeliveryTag...),
			}
		}
	}

	if fr.More {
		s.outgoingDeliveries[fr.Handle] = deliveryID
	} else {
		delete(s.outgoingDeliveries, fr.Handle)
		if fr.Settled {
			delete(s.outgoingSettlement, deliveryID)
			if fr.Done != nil {
				close(fr.Done)
			}
		} else if st, ok := s.outgoingSettlement[deliveryID]; ok {
			st.done = fr.Done
		}
	}

	s.nextOutgoingID++
	s.remoteIncomingWindow--

	return s.txFrameNow(fr)
}

// muxFrame handles one incoming frame. It returns true when the
// session has fully ended.
func (s *Session) muxFrame(fr frames.FrameBody, closeInProgress bool) (bool, error) {
	debug.Log(context.TODO(), slog.LevelDebug, "RX (session)", slog.Any("frame", fr))

	switch body := fr.(type) {
	case *frames.PerformAttach:
		// this is the response to (or completion of) an attach we
		// initiated; the peer names the link and supplies its handle
		s.linksMu.RLock()
		l, ok := s.linksByKey[linkKey{name: body.Name, role: !body.Role}]
		s.linksMu.RUnlock()
		if !ok {
			// either a remotely-initiated link (which this endpoint
			// doesn't support) or a stale response for an abandoned
			// attach; in both cases the frame is dropped
			debug.Log(context.TODO(), slog.LevelWarn, "RX: attach for unknown link", slog.String("name", body.Name))
			return false, nil
		}
		l.remoteHandle = body.Handle
		s.linksByInputHandle[body.Handle] = l
		s.routeToLink(l, body)

	case *frames.PerformFlow:
		s.nextIncomingID = body.NextOutgoingID
		s.remoteOutgoingWindow = body.OutgoingWindow
		s.remoteIncomingWindow = remoteIncomingWindow(body, s.initialOutgoingID, s.nextOutgoingID)

		if body.Handle != nil {
			l, ok := s.linksByInputHandle[*body.Handle]
			if !ok {
				return false, &SessionError{
					RemoteErr: &Error{Condition: encoding.Symbol(ErrCondUnattachedHandle)},
					inner:     fmt.Errorf("flow for unattached handle %d", *body.Handle),
				}
			}
			s.routeToLink(l, body)
			return false, nil
		}

		if body.Echo && !closeInProgress {
			resp := &frames.PerformFlow{}
			s.prepareOutgoingFrame(resp)
			if err := s.txFrameNow(resp); err != nil {
				return false, err
			}
		}

	case *frames.PerformTransfer:
		s.nextIncomingID++
		if s.remoteOutgoingWindow > 0 {
			s.remoteOutgoingWindow--
		}
		if s.incomingWindow > 0 {
			s.incomingWindow--
		}
		// replenish the window once it has been used up
		if s.incomingWindow == 0 {
			s.incomingWindow = defaultWindow
			resp := &frames.PerformFlow{}
			s.prepareOutgoingFrame(resp)
			if err := s.txFrameNow(resp); err != nil {
				return false, err
			}
		}

		l, ok := s.linksByInputHandle[body.Handle]
		if !ok {
			return false, &SessionError{
				RemoteErr: &Error{Condition: encoding.Symbol(ErrCondUnattachedHandle)},
				inner:     fmt.Errorf("transfer for unattached handle %d", body.Handle),
			}
		}
		if body.DeliveryID != nil && !body.Settled {
			s.incomingDeliveries[*body.DeliveryID] = l
		}
		s.routeToLink(l, body)

	case *frames.PerformDisposition:
		return false, s.muxDisposition(body)

	case *frames.PerformDetach:
		l, ok := s.linksByInputHandle[body.Handle]
		if !ok {
			// the link may already be gone (e.g. freed after an
			// abandoned attach); drop the frame
			debug.Log(context.TODO(), slog.LevelWarn, "RX: detach for unknown handle", slog.Uint64("handle", uint64(body.Handle)))
			return false, nil
		}
		delete(s.linksByInputHandle, body.Handle)
		for id, owner := range s.incomingDeliveries {
			if owner == l {
				delete(s.incomingDeliveries, id)
			}
		}
		s.routeToLink(l, body)

	case *frames.PerformEnd:
		if closeInProgress {
			// this is the ack to our End
			return true, nil
		}
		// remotely-initiated end; reply and terminate
		_ = s.txFrameNow(&frames.PerformEnd{})
		if body.Error != nil {
			s.doneErr = &SessionError{RemoteErr: body.Error}
		} else {
			s.doneErr = &SessionError{}
		}
		return true, nil

	default:
		return false, &SessionError{
			RemoteErr: &Error{Condition: encoding.Symbol(ErrCondIllegalState), Description: "unexpected session frame"},
			inner:     fmt.Errorf("unexpected frame %T", fr),
		}
	}

	return false, nil
}

// muxDisposition applies an incoming disposition to the delivery-id
// range it names and emits the settled echo when the peer left the
// deliveries unsettled.
func (s *Session) muxDisposition(fr *frames.PerformDisposition) error {
	last := fr.First
	if fr.Last != nil {
		last = *fr.Last
	}

	if fr.Role == encoding.RoleReceiver {
		// the peer is the receiver of deliveries we sent
		for id := fr.First; id <= last; id++ {
			st, ok := s.outgoingSettlement[id]
			if !ok {
				continue
			}
			delete(s.outgoingSettlement, id)
			if st.done != nil {
				st.done <- fr.State
			}
		}
	} else {
		// the peer is the sender of deliveries we received; forward
		// to the owning receiver links for unsettled-map cleanup
		notified := map[*link]bool{}
		for id := fr.First; id <= last; id++ {
			l, ok := s.incomingDeliveries[id]
			if !ok {
				continue
			}
			if fr.Settled {
				delete(s.incomingDeliveries, id)
			}
			if !notified[l] {
				notified[l] = true
				s.routeToLink(l, fr)
			}
		}
	}

	if !fr.Settled && fr.State != nil {
		// the peer expects a settlement echo: same range, inverted
		// role, settled
		if fr.Role == encoding.RoleSender {
			// the echo settles the deliveries on our side too
			for id := fr.First; id <= last; id++ {
				delete(s.incomingDeliveries, id)
			}
		}
		resp := &frames.PerformDisposition{
			Role:    !fr.Role,
			First:   fr.First,
			Last:    fr.Last,
			Settled: true,
		}
		return s.txFrameNow(resp)
	}
	return nil
}

// routeToLink delivers fr to the link's rx channel, dropping it if
// the link has terminated.
func (s *Session) routeToLink(l *link, fr frames.FrameBody) {
	select {
	case l.rx <- fr:
	case <-l.done:
	}
}

// txFrameNow hands fr to the connection writer on this session's
// channel, blocking until accepted.
func (s *Session) txFrameNow(fr frames.FrameBody) error {
	return s.txFrameWith(fr, nil)
}

func (s *Session) txFrameWith(fr frames.FrameBody, sent chan error) error {
	select {
	case s.conn.txFrame <- frameEnvelope{frame: frames.Frame{Type: frames.TypeAMQP, Channel: s.channel, Body: fr}, sent: sent}:
		return nil
	case <-s.conn.done:
		return s.conn.connErr()
	}
}

// remoteIncomingWindow recomputes how many transfers the peer can
// still accept, per the flow frame it sent.
func remoteIncomingWindow(fr *frames.PerformFlow, initialOutgoingID, nextOutgoingID uint32) uint32 {
	if fr.NextIncomingID != nil {
		return *fr.NextIncomingID + fr.IncomingWindow - nextOutgoingID
	}
	return initialOutgoingID + fr.IncomingWindow - nextOutgoingID
}
