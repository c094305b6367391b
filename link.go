package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/amqp-core/amqp/internal/debug"
	"github.com/amqp-core/amqp/internal/encoding"
	"github.com/amqp-core/amqp/internal/frames"
	"github.com/amqp-core/amqp/internal/shared"
)

// linkKey uniquely identifies a link within a session: link names must
// be unique per direction while attached.
type linkKey struct {
	name string
	role encoding.Role // Role of the LOCAL endpoint
}

// link contains the common state and behavior for sending and
// receiving links.
type link struct {
	key          linkKey
	handle       uint32 // output handle, allocated by the session
	remoteHandle uint32 // input handle, learned from the peer's Attach
	dynamicAddr  bool

	session *Session

	// frames destined for this link are routed here by the session mux
	rx chan frames.FrameBody

	// closed by the client to initiate a closing detach
	close     chan struct{}
	closeOnce sync.Once

	// signals a non-closing detach was requested instead of a close
	detachOnly bool

	// closed when the link mux has terminated; doneErr is valid
	done     chan struct{}
	doneOnce sync.Once
	doneErr  error

	// sticky error from a timed-out Close call
	closeErrMu sync.Mutex
	closeErr   error

	source      *frames.Source
	target      *frames.Target
	coordinator *encoding.Coordinator
	properties  map[encoding.Symbol]any

	senderSettleMode   *SenderSettleMode
	receiverSettleMode *ReceiverSettleMode
	maxMessageSize     uint64

	// flow state, owned by the link mux
	deliveryCount uint32
	linkCredit    uint32

	// detach bookkeeping, owned by the link mux
	detachSent     bool // we wrote a detach
	detachReceived bool // the peer's detach arrived
}

// init prepares l for use on session s; called in place as link is
// always embedded in a Sender or Receiver.
func (l *link) init(s *Session, role encoding.Role, rxSize int) {
	l.key = linkKey{name: createLinkName(), role: role}
	l.session = s
	l.rx = make(chan frames.FrameBody, rxSize)
	l.close = make(chan struct{})
	l.done = make(chan struct{})
}

func createLinkName() string {
	return shared.RandString(40)
}

// markDone publishes the link's terminal error and releases anyone
// waiting on it. Safe to call more than once; the first error wins.
func (l *link) markDone(err error) {
	l.doneOnce.Do(func() {
		l.doneErr = err
		close(l.done)
	})
}

// attach performs the attach exchange: allocate a handle, write the
// Attach, and process the peer's response. beforeAttach and afterAttach
// let the sender/receiver variants customize the frames.
func (l *link) attach(ctx context.Context, beforeAttach func(*frames.PerformAttach), afterAttach func(*frames.PerformAttach)) error {
	if err := l.session.allocateHandle(l); err != nil {
		return err
	}

	attach := &frames.PerformAttach{
		Name:               l.key.name,
		Handle:             l.handle,
		Role:               l.key.role,
		SenderSettleMode:   l.senderSettleMode,
		ReceiverSettleMode: l.receiverSettleMode,
		Source:             l.source,
		Target:             l.target,
		Coordinator:        l.coordinator,
		Properties:         l.properties,
	}
	beforeAttach(attach)

	debug.Log(ctx, slog.LevelInfo, "TX: attach", slog.Any("frame", attach))
	sent := make(chan error, 1)
	if err := l.session.txFrame(ctx, attach, sent); err != nil {
		l.session.deallocateHandle(l)
		l.markDone(err)
		return err
	}

	select {
	case err := <-sent:
		if err != nil {
			l.session.deallocateHandle(l)
			l.markDone(&ConnError{inner: err})
			return &ConnError{inner: err}
		}
	case <-ctx.Done():
		l.session.abandonLink(l)
		return ctx.Err()
	case <-l.session.done:
		l.session.deallocateHandle(l)
		err := l.session.sessionErr()
		l.markDone(err)
		return err
	}

	var resp *frames.PerformAttach
	select {
	case fr := <-l.rx:
		r, ok := fr.(*frames.PerformAttach)
		if !ok {
			l.session.deallocateHandle(l)
			err := fmt.Errorf("unexpected attach response frame %T", fr)
			l.markDone(&LinkError{inner: err})
			return err
		}
		resp = r
	case <-ctx.Done():
		l.session.abandonLink(l)
		return ctx.Err()
	case <-l.session.done:
		l.session.deallocateHandle(l)
		err := l.session.sessionErr()
		l.markDone(err)
		return err
	}
	debug.Log(ctx, slog.LevelInfo, "RX: attach", slog.Any("frame", resp))

	if resp.Source == nil && resp.Target == nil && resp.Coordinator == nil {
		// the peer rejected the attach; a detach carrying the error
		// follows, which we must acknowledge
		return l.attachRejected(ctx)
	}

	if l.key.role == encoding.RoleReceiver {
		l.deliveryCount = resp.InitialDeliveryCount
	}
	if resp.MaxMessageSize != 0 && (l.maxMessageSize == 0 || resp.MaxMessageSize < l.maxMessageSize) {
		l.maxMessageSize = resp.MaxMessageSize
	}

	afterAttach(resp)
	return nil
}

// attachRejected consumes the Detach the peer sends after answering
// an attach with null termini, acknowledges it, and surfaces the error.
func (l *link) attachRejected(ctx context.Context) error {
	var detach *frames.PerformDetach
	select {
	case fr := <-l.rx:
		d, ok := fr.(*frames.PerformDetach)
		if !ok {
			l.session.deallocateHandle(l)
			err := fmt.Errorf("unexpected attach response frame %T", fr)
			l.markDone(&LinkError{inner: err})
			return err
		}
		detach = d
	case <-ctx.Done():
		l.session.abandonLink(l)
		return ctx.Err()
	case <-l.session.done:
		l.session.deallocateHandle(l)
		err := l.session.sessionErr()
		l.markDone(err)
		return err
	}

	dr := &frames.PerformDetach{Handle: l.handle, Closed: true}
	_ = l.session.txFrame(ctx, dr, nil)
	l.session.deallocateHandle(l)

	if detach.Error != nil {
		l.markDone(&LinkError{RemoteErr: detach.Error})
		return detach.Error
	}
	err := errors.New("attach rejected by peer")
	l.markDone(&LinkError{inner: err})
	return err
}

// detachWithModeMismatch cleanly closes a link whose attach completed
// but whose negotiated settle modes don't satisfy the caller.
func (l *link) detachWithModeMismatch(ctx context.Context, err error) error {
	dr := &frames.PerformDetach{Handle: l.handle, Closed: true}
	_ = l.session.txFrame(ctx, dr, nil)
	l.session.deallocateHandle(l)
	l.markDone(&LinkError{inner: err})
	return err
}

// closeLink requests a closing detach and waits for the exchange to
// complete. Subsequent calls after a timeout return the sticky error.
func (l *link) closeLink(ctx context.Context) error {
	l.closeErrMu.Lock()
	closeErr := l.closeErr
	l.closeErrMu.Unlock()
	if closeErr != nil {
		return closeErr
	}

	l.closeOnce.Do(func() { close(l.close) })
	select {
	case <-l.done:
		var linkErr *LinkError
		if errors.As(l.doneErr, &linkErr) && linkErr.RemoteErr == nil && linkErr.inner == nil {
			// empty LinkError means the link closed at our request
			return nil
		}
		return l.doneErr
	case <-ctx.Done():
		l.closeErrMu.Lock()
		l.closeErr = &LinkError{inner: ctx.Err()}
		l.closeErrMu.Unlock()
		return ctx.Err()
	}
}

// detachLink requests a non-closing detach; the link's terminus state
// is retained by the peer for a later reattach.
func (l *link) detachLink(ctx context.Context) error {
	l.detachOnly = true
	return l.closeLink(ctx)
}

// muxHandleFrame handles the frames common to both link variants.
func (l *link) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformDetach:
		debug.Log(context.TODO(), slog.LevelInfo, "RX: detach", slog.Any("frame", fr))
		l.detachReceived = true
		// acknowledge with our own detach; mirroring Closed so a
		// close is answered with a close
		resp := &frames.PerformDetach{Handle: l.handle, Closed: fr.Closed}
		_ = l.session.txFrame(context.Background(), resp, nil)
		l.detachSent = true
		if fr.Error != nil {
			return &LinkError{RemoteErr: fr.Error}
		}
		if !fr.Closed {
			return &LinkError{inner: errDetachedByRemote}
		}
		return &LinkError{inner: errClosedByRemote}
	default:
		return &LinkError{inner: fmt.Errorf("unexpected frame %T", fr)}
	}
}

var (
	errClosedByRemote   = errors.New("link closed by peer")
	errDetachedByRemote = errors.New("link detached by peer")
)

// muxShutdown runs the detach exchange when the link mux exits. err
// is the reason the mux stopped: nil for a locally-requested
// close/detach, a LinkError for peer-initiated or protocol failures.
func (l *link) muxShutdown(err error) {
	defer func() {
		l.session.deallocateHandle(l)
		if err == nil {
			err = &LinkError{}
		}
		l.markDone(err)
	}()

	// if the session or connection is gone there is no one to talk to
	select {
	case <-l.session.done:
		if err == nil {
			err = l.session.sessionErr()
		}
		return
	default:
	}

	closed := !l.detachOnly
	if !l.detachSent {
		dr := &frames.PerformDetach{Handle: l.handle, Closed: closed}
		var linkErr *LinkError
		if errors.As(err, &linkErr) && linkErr.inner != nil && linkErr.RemoteErr == nil {
			// surface protocol failures to the peer
			dr.Error = &Error{Condition: encoding.Symbol(ErrCondDetachForced), Description: linkErr.inner.Error()}
		}
		debug.Log(context.TODO(), slog.LevelInfo, "TX: detach", slog.Any("frame", dr))
		if txErr := l.session.txFrame(context.Background(), dr, nil); txErr != nil {
			return
		}
		l.detachSent = true
	}

	if l.detachReceived {
		return
	}

	// drain until the peer's detach arrives
	for {
		select {
		case fr := <-l.rx:
			d, ok := fr.(*frames.PerformDetach)
			if !ok {
				// late transfers/flows racing the detach; drop them
				continue
			}
			l.detachReceived = true
			if !closed && d.Closed {
				// we sent a non-closing detach but the peer closed:
				// reattach so the close exchange can complete properly,
				// then surface the close
				err = l.recoverAndClose(d)
				return
			}
			if d.Error != nil && err == nil {
				err = &LinkError{RemoteErr: d.Error}
			}
			return
		case <-l.session.done:
			if err == nil {
				err = l.session.sessionErr()
			}
			return
		}
	}
}

// recoverAndClose implements the detach/close race rule: when our
// non-closing detach crosses the peer's close, the link is reattached
// and then closed so both ends observe a full close exchange.
func (l *link) recoverAndClose(peerDetach *frames.PerformDetach) error {
	ctx := context.Background()

	// the closing detach retired the old handle on both ends; go
	// through allocation again so the fresh attach carries a new one
	l.session.deallocateHandle(l)
	if err := l.session.allocateHandle(l); err != nil {
		return &LinkError{inner: errClosedByRemote}
	}

	attach := &frames.PerformAttach{
		Name:               l.key.name,
		Handle:             l.handle,
		Role:               l.key.role,
		SenderSettleMode:   l.senderSettleMode,
		ReceiverSettleMode: l.receiverSettleMode,
		Source:             l.source,
		Target:             l.target,
		Coordinator:        l.coordinator,
	}
	if err := l.session.txFrame(ctx, attach, nil); err != nil {
		return &LinkError{inner: errClosedByRemote}
	}

	// wait for the peer's attach, then exchange closing detaches
	for {
		select {
		case fr := <-l.rx:
			switch fr.(type) {
			case *frames.PerformAttach:
				dr := &frames.PerformDetach{Handle: l.handle, Closed: true}
				if err := l.session.txFrame(ctx, dr, nil); err != nil {
					return &LinkError{inner: errClosedByRemote}
				}
			case *frames.PerformDetach:
				remoteErr := peerDetach.Error
				if remoteErr != nil {
					return &LinkError{RemoteErr: remoteErr}
				}
				return &LinkError{inner: errClosedByRemote}
			default:
				// drop anything else
			}
		case <-l.session.done:
			return l.session.sessionErr()
		}
	}
}
