package amqp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/amqp-core/amqp/internal/bitmap"
	"github.com/amqp-core/amqp/internal/buffer"
	"github.com/amqp-core/amqp/internal/debug"
	"github.com/amqp-core/amqp/internal/encoding"
	"github.com/amqp-core/amqp/internal/frames"
	"github.com/amqp-core/amqp/internal/shared"
)

// Default connection options
const (
	defaultIdleTimeout  = 1 * time.Minute
	defaultMaxFrameSize = 65536
	defaultMaxSessions  = 65536
	defaultWriteTimeout = 30 * time.Second
)

// ConnOptions contains the optional settings for configuring an AMQP connection.
type ConnOptions struct {
	// ContainerID sets the container-id to use when opening the connection.
	//
	// A container ID will be randomly generated if this option is not used.
	ContainerID string

	// HostName sets the hostname sent in the AMQP
	// Open frame and TLS ServerName (if not otherwise set).
	HostName string

	// IdleTimeout specifies the maximum period between
	// receiving frames from the peer.
	//
	// Specify a value less than zero to disable idle timeout.
	//
	// Default: 1 minute.
	IdleTimeout time.Duration

	// MaxFrameSize sets the maximum frame size that
	// the connection will accept.
	//
	// Must be 512 or greater.
	//
	// Default: 65536.
	MaxFrameSize uint32

	// MaxSessions sets the maximum number of channels.
	// The value must be greater than zero.
	//
	// Default: 65536.
	MaxSessions uint16

	// Properties sets an entry in the connection properties map sent to the server.
	Properties map[string]any

	// SASLType contains the specified SASL authentication mechanism.
	SASLType SASLType

	// TLSConfig sets the tls.Config to be used during TLS negotiation.
	//
	// This option is for advanced usage, in most scenarios
	// providing a URL scheme of "amqps://" is sufficient.
	TLSConfig *tls.Config

	// WriteTimeout controls the write deadline when writing AMQP frames to the
	// underlying net.Conn and no caller provided context is available or the
	// context provides no deadline.
	//
	// Specify a value less than zero to disable write timeout.
	//
	// Default: 30s.
	WriteTimeout time.Duration
}

// Dial connects to an AMQP broker.
//
// If the addr includes a scheme, it must be "amqp", "amqps", or "amqp+ssl".
// If no port is provided, 5672 will be used for "amqp" and 5671 for "amqps" or "amqp+ssl".
//
// If username and password information is not empty and opts sets no
// SASLType, it's used as SASL PLAIN credentials, equal to setting
// SASLType to SASLTypePlain.
func Dial(ctx context.Context, addr string, opts *ConnOptions) (*Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "5672"
		if u.Scheme == "amqps" || u.Scheme == "amqp+ssl" {
			port = "5671"
		}
	}

	var cp ConnOptions
	if opts != nil {
		cp = *opts
	}

	// prefer SASL login information
	if u.User != nil && cp.SASLType == nil {
		pass, _ := u.User.Password()
		cp.SASLType = SASLTypePlain(u.User.Username(), pass)
	}

	if cp.HostName == "" {
		cp.HostName = host
	}

	dialer := net.Dialer{}
	var nc net.Conn
	switch u.Scheme {
	case "amqp", "":
		nc, err = dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	case "amqps", "amqp+ssl":
		tlsConfig := cp.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: cp.HostName}
		} else if tlsConfig.ServerName == "" {
			tlsConfig = tlsConfig.Clone()
			tlsConfig.ServerName = cp.HostName
		}
		tlsDialer := tls.Dialer{NetDialer: &dialer, Config: tlsConfig}
		nc, err = tlsDialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	c, err := newConn(nc, &cp)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if err := c.start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewConn establishes a new AMQP client connection over conn.
// NOTE: [Conn] takes ownership of the provided net.Conn and will close it as required.
func NewConn(ctx context.Context, conn net.Conn, opts *ConnOptions) (*Conn, error) {
	c, err := newConn(conn, opts)
	if err != nil {
		return nil, err
	}
	if err := c.start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Conn is an AMQP connection.
type Conn struct {
	net          net.Conn
	writeTimeout time.Duration

	// local settings
	containerID  string
	hostname     string
	maxFrameSize uint32
	channelMax   uint16
	idleTimeout  time.Duration
	properties   map[encoding.Symbol]any

	offeredCapabilities encoding.MultiSymbol
	desiredCapabilities encoding.MultiSymbol

	// SASL
	saslHandlers map[encoding.Symbol]stateFunc
	saslComplete bool

	// peer settings, constant once the Open exchange completes
	peerMaxFrameSize uint32
	peerIdleTimeout  time.Duration

	// session tracking
	channels            *bitmap.Bitmap
	sessionsByChannel   map[uint16]*Session
	sessionsByChannelMu sync.RWMutex
	abandonedSessionsMu sync.Mutex
	abandonedSessions   []*Session

	// frames destined for the peer are sent to txFrame and written by connWriter
	txFrame chan frameEnvelope

	// set by the reader/writer on fatal error or remote close, exactly once
	doneErrOnce sync.Once
	doneErr     error
	// the error to place on our outgoing Close performative
	closeErr *Error

	// closed when Close is called or a fatal error occurs
	close     chan struct{}
	closeOnce sync.Once

	// closed by the reader/writer goroutines on exit
	rxDone chan struct{}
	txDone chan struct{}

	// closed after the connection is fully shut down; doneErr is valid
	done chan struct{}

	// buffer reused by connWriter for frame encoding
	txBuf buffer.Buffer
}

// frameEnvelope is a frame plus an optional completion channel that
// receives the result of the write.
type frameEnvelope struct {
	frame frames.Frame
	sent  chan error
}

// stateFunc is a step in the connection negotiation state machine.
// It returns the next step, or nil when negotiation has completed.
type stateFunc func(ctx context.Context) (stateFunc, error)

func newConn(netConn net.Conn, opts *ConnOptions) (*Conn, error) {
	c := &Conn{
		net:               netConn,
		writeTimeout:      defaultWriteTimeout,
		maxFrameSize:      defaultMaxFrameSize,
		peerMaxFrameSize:  defaultMaxFrameSize,
		channelMax:        defaultMaxSessions - 1, // max channel number is 65535
		idleTimeout:       defaultIdleTimeout,
		containerID:       shared.RandString(40),
		sessionsByChannel: map[uint16]*Session{},
		txFrame:           make(chan frameEnvelope),
		close:             make(chan struct{}),
		rxDone:            make(chan struct{}),
		txDone:            make(chan struct{}),
		done:              make(chan struct{}),
	}

	if opts == nil {
		opts = &ConnOptions{}
	}

	if opts.WriteTimeout > 0 {
		c.writeTimeout = opts.WriteTimeout
	} else if opts.WriteTimeout < 0 {
		c.writeTimeout = 0
	}
	if opts.ContainerID != "" {
		c.containerID = opts.ContainerID
	}
	if opts.HostName != "" {
		c.hostname = opts.HostName
	}
	if opts.IdleTimeout > 0 {
		c.idleTimeout = opts.IdleTimeout
	} else if opts.IdleTimeout < 0 {
		c.idleTimeout = 0
	}
	if opts.MaxFrameSize > 0 && opts.MaxFrameSize < 512 {
		return nil, fmt.Errorf("invalid MaxFrameSize value %d", opts.MaxFrameSize)
	} else if opts.MaxFrameSize >= 512 {
		c.maxFrameSize = opts.MaxFrameSize
	}
	if opts.MaxSessions >= 1 {
		c.channelMax = opts.MaxSessions - 1
	}
	if opts.SASLType != nil {
		if err := opts.SASLType(c); err != nil {
			return nil, err
		}
	}
	if len(opts.Properties) > 0 {
		c.properties = make(map[encoding.Symbol]any)
		for key, val := range opts.Properties {
			c.properties[encoding.Symbol(key)] = val
		}
	}
	c.channels = bitmap.New(uint32(c.channelMax) + 1)

	return c, nil
}

// start establishes the connection: protocol header exchange, SASL,
// and the Open performative exchange, then launches the mux goroutines.
func (c *Conn) start(ctx context.Context) error {
	// if the context has a deadline or is cancellable, start the
	// interruptor goroutine. this will close the underlying net.Conn
	// in response to the context.
	if ctx.Done() != nil {
		interruptRes := make(chan struct{})
		defer close(interruptRes)
		go func() {
			select {
			case <-ctx.Done():
				select {
				case <-interruptRes:
					// negotiation already completed
				default:
					c.closeDuringStart()
				}
			case <-interruptRes:
				// negotiation completed
			}
		}()
	}

	if err := c.startImpl(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	c.startMux()
	return nil
}

func (c *Conn) startImpl(ctx context.Context) error {
	// run connection establishment state machine
	for state := c.negotiateProto; state != nil; {
		var err error
		state, err = state(ctx)
		if err != nil {
			c.closeDuringStart()
			return err
		}
	}
	return nil
}

// startMux launches the reader and writer goroutines plus the closer
// goroutine that tears the connection down once both exit.
func (c *Conn) startMux() {
	go c.connReader()
	go c.connWriter()
	go func() {
		<-c.rxDone
		// ensure the writer unblocks and exits
		c.closeOnce.Do(func() { close(c.close) })
		<-c.txDone
		c.net.Close()
		close(c.done)
	}()
}

// Done returns a channel that's closed when the connection has fully
// shut down, whether by Close, peer action, or failure.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that caused the connection to shut down, or
// nil before Done is closed / after a clean local close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.doneErr
	default:
		return nil
	}
}

// Close closes the connection.
//
// Returns nil if the connection was cleanly closed, or the error that
// caused/resulted from closing.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.close) })
	<-c.done
	var connErr *ConnError
	if errors.As(c.doneErr, &connErr) && connErr.RemoteErr == nil && connErr.inner == nil {
		// an empty ConnError means the remote closed without error;
		// the Close exchange itself completed cleanly
		return nil
	}
	return c.doneErr
}

// closeWithError initiates shutdown, sending err on the outgoing
// Close performative. Used for fatal protocol errors.
func (c *Conn) closeWithError(e *Error, doneErr error) {
	c.doneErrOnce.Do(func() {
		c.closeErr = e
		c.doneErr = doneErr
	})
	c.closeOnce.Do(func() { close(c.close) })
}

func (c *Conn) setDoneErr(err error) {
	c.doneErrOnce.Do(func() { c.doneErr = err })
}

// closeDuringStart closes the underlying connection before the mux
// goroutines have been launched.
func (c *Conn) closeDuringStart() {
	c.net.Close()
}

// connErr returns the error describing why the connection is
// unusable, for propagation to sessions and links.
func (c *Conn) connErr() error {
	if c.doneErr != nil {
		return c.doneErr
	}
	return &ConnError{}
}

// sendFrame queues fr for writing. If sent is non-nil it receives the
// result of the write.
func (c *Conn) sendFrame(ctx context.Context, fr frames.Frame, sent chan error) error {
	select {
	case c.txFrame <- frameEnvelope{frame: fr, sent: sent}:
		return nil
	case <-c.done:
		return c.connErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewSession starts a new session on the connection.
func (c *Conn) NewSession(ctx context.Context, opts *SessionOptions) (*Session, error) {
	select {
	case <-c.done:
		return nil, c.connErr()
	default:
	}

	session, err := c.newSessionForChannel(opts)
	if err != nil {
		return nil, err
	}

	if err := session.begin(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

func (c *Conn) newSessionForChannel(opts *SessionOptions) (*Session, error) {
	c.sessionsByChannelMu.Lock()
	defer c.sessionsByChannelMu.Unlock()

	channel, ok := c.channels.Next()
	if !ok {
		return nil, fmt.Errorf("all channels in use: %d", c.channelMax)
	}
	session := newSession(c, uint16(channel), opts)
	c.sessionsByChannel[session.channel] = session
	return session, nil
}

// deleteSession removes the session from the conn's tracking tables
// and frees its channel number. Called by the session mux on exit.
func (c *Conn) deleteSession(s *Session) {
	c.sessionsByChannelMu.Lock()
	defer c.sessionsByChannelMu.Unlock()

	delete(c.sessionsByChannel, s.channel)
	c.channels.Unset(uint32(s.channel))
}

func (c *Conn) abandonSession(s *Session) {
	c.abandonedSessionsMu.Lock()
	defer c.abandonedSessionsMu.Unlock()
	c.abandonedSessions = append(c.abandonedSessions, s)
}

// connReader reads frames from the network and routes them to the
// owning session, handling connection-level frames itself.
func (c *Conn) connReader() {
	defer close(c.rxDone)

	sessionsByRemoteChannel := map[uint16]*Session{}

	for {
		fr, err := c.readFrame()
		if err != nil {
			select {
			case <-c.close:
				// shutting down; the read error is a consequence
			default:
				c.setDoneErr(&ConnError{inner: err})
			}
			return
		}

		if fr.Body == nil {
			// empty frame, keepalive
			debug.Log(context.TODO(), slog.LevelDebug, "RX: heartbeat")
			continue
		}

		switch body := fr.Body.(type) {
		case *frames.PerformClose:
			debug.Log(context.TODO(), slog.LevelInfo, "RX: close", slog.Any("frame", body))
			if body.Error != nil {
				c.setDoneErr(&ConnError{RemoteErr: body.Error})
			}
			select {
			case <-c.close:
				// this is the ack to our Close; shutdown is complete
			default:
				// remote-initiated close; reply with our own Close
				if body.Error == nil {
					c.setDoneErr(&ConnError{})
				}
				c.closeOnce.Do(func() { close(c.close) })
			}
			return

		case *frames.PerformBegin:
			if body.RemoteChannel == nil {
				// a remotely-initiated session; this endpoint does not
				// accept them
				c.closeWithError(
					&Error{Condition: encoding.Symbol(ErrCondNotImplemented), Description: "remotely-initiated sessions are not supported"},
					&ConnError{inner: errors.New("amqp: remotely-initiated sessions are not supported")},
				)
				return
			}
			c.sessionsByChannelMu.RLock()
			session, ok := c.sessionsByChannel[*body.RemoteChannel]
			c.sessionsByChannelMu.RUnlock()
			if !ok {
				debug.Log(context.TODO(), slog.LevelWarn, "RX: begin for unknown channel", slog.Any("channel", *body.RemoteChannel))
				continue
			}
			session.remoteChannel = fr.Channel
			sessionsByRemoteChannel[fr.Channel] = session
			c.routeToSession(sessionsByRemoteChannel, fr.Channel, session, body)

		case *frames.PerformOpen:
			// Open after the connection is established is a protocol violation
			c.closeWithError(
				&Error{Condition: encoding.Symbol(ErrCondIllegalState), Description: "duplicate Open performative"},
				&ConnError{inner: fmt.Errorf("unexpected frame %T", body)},
			)
			return

		default:
			session, ok := sessionsByRemoteChannel[fr.Channel]
			if !ok {
				c.closeWithError(
					&Error{Condition: encoding.Symbol(ErrCondIllegalState), Description: "frame addressed to unmapped channel"},
					&ConnError{inner: fmt.Errorf("unexpected frame %T on channel %d", body, fr.Channel)},
				)
				return
			}
			c.routeToSession(sessionsByRemoteChannel, fr.Channel, session, body)
		}
	}
}

// routeToSession delivers body to session.rx, dropping the frame and
// the channel binding if the session has terminated.
func (c *Conn) routeToSession(bindings map[uint16]*Session, channel uint16, session *Session, body frames.FrameBody) {
	select {
	case session.rx <- body:
	case <-session.done:
		delete(bindings, channel)
	}
}

// connWriter writes frames to the network and emits heartbeats at
// half the peer's advertised idle timeout.
func (c *Conn) connWriter() {
	defer close(c.txDone)

	var keepalive <-chan time.Time
	if kaInterval := c.peerIdleTimeout / 2; kaInterval > 0 {
		ticker := time.NewTicker(kaInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	fail := func(err error) {
		c.setDoneErr(&ConnError{inner: err})
		c.closeOnce.Do(func() { close(c.close) })
		c.net.Close()
	}

	for {
		select {
		case env := <-c.txFrame:
			debug.Log(context.TODO(), slog.LevelDebug, "TX: frame", slog.Any("frame", env.frame.Body))
			err := c.writeFrame(env.frame)
			if env.sent != nil {
				env.sent <- err
			}
			if err != nil {
				fail(err)
				return
			}

		case <-keepalive:
			if err := c.writeFrame(frames.Frame{Type: frames.TypeAMQP}); err != nil {
				fail(err)
				return
			}

		case <-c.rxDone:
			// reader is gone; nothing more to write
			return

		case <-c.close:
			// send our Close and wait briefly for the reader to observe
			// the peer's reply before tearing down the socket
			cls := &frames.PerformClose{Error: c.closeErr}
			debug.Log(context.TODO(), slog.LevelInfo, "TX: close", slog.Any("frame", cls))
			if err := c.writeFrame(frames.Frame{Type: frames.TypeAMQP, Body: cls}); err != nil {
				c.setDoneErr(&ConnError{inner: err})
				c.net.Close()
				return
			}
			select {
			case <-c.rxDone:
			case <-time.After(time.Second):
			}
			c.net.Close()
			return
		}
	}
}

// writeFrame encodes and writes a single frame. A nil body writes an
// empty (heartbeat) frame.
func (c *Conn) writeFrame(fr frames.Frame) error {
	if c.writeTimeout > 0 {
		_ = c.net.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	c.txBuf.Reset()
	c.txBuf.Write([]byte{0, 0, 0, 0, 2, fr.Type, byte(fr.Channel >> 8), byte(fr.Channel)})
	if fr.Body != nil {
		if err := encoding.Marshal(&c.txBuf, fr.Body); err != nil {
			return err
		}
	}

	raw := c.txBuf.Bytes()
	size := uint32(len(raw))
	if size > c.peerMaxFrameSize {
		return fmt.Errorf("frame larger than peer's max frame size %d: %d", c.peerMaxFrameSize, size)
	}
	raw[0] = byte(size >> 24)
	raw[1] = byte(size >> 16)
	raw[2] = byte(size >> 8)
	raw[3] = byte(size)

	_, err := c.net.Write(raw)
	return err
}

// readFrame reads one complete frame from the network, enforcing the
// local max-frame-size and, via the read deadline, the idle timeout.
func (c *Conn) readFrame() (frames.Frame, error) {
	if c.idleTimeout > 0 {
		_ = c.net.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}

	var hdrBuf [frames.HeaderSize]byte
	if _, err := io.ReadFull(c.net, hdrBuf[:]); err != nil {
		return frames.Frame{}, err
	}
	hdr, err := frames.ParseHeader(hdrBuf[:])
	if err != nil {
		return frames.Frame{}, err
	}
	if hdr.Size < frames.HeaderSize || hdr.DataOffset < 2 {
		return frames.Frame{}, fmt.Errorf("malformed frame header: size %d, data offset %d", hdr.Size, hdr.DataOffset)
	}
	if hdr.Size > c.maxFrameSize {
		return frames.Frame{}, fmt.Errorf("received frame of %d bytes exceeds max frame size %d", hdr.Size, c.maxFrameSize)
	}

	body := make([]byte, hdr.Size-frames.HeaderSize)
	if _, err := io.ReadFull(c.net, body); err != nil {
		return frames.Frame{}, err
	}

	// skip any extended header
	extHeader := int(hdr.DataOffset)*4 - frames.HeaderSize
	if extHeader > len(body) {
		return frames.Frame{}, fmt.Errorf("data offset %d exceeds frame size %d", hdr.DataOffset, hdr.Size)
	}
	payload := body[extHeader:]

	if len(payload) == 0 {
		// empty frame (heartbeat)
		return frames.Frame{Type: hdr.FrameType, Channel: hdr.Channel}, nil
	}

	parsed, err := frames.ParseBody(buffer.New(payload))
	if err != nil {
		return frames.Frame{}, err
	}
	return frames.Frame{Type: hdr.FrameType, Channel: hdr.Channel, Body: parsed}, nil
}

// protocol header identifiers, differing only in the protocol-id byte
// (the fifth byte of the header)
const (
	protoAMQP = 0x0
	protoTLS  = 0x2
	protoSASL = 0x3
)

// negotiateProto determines which protocol header to send based on
// whether SASL negotiation is required and has completed.
func (c *Conn) negotiateProto(ctx context.Context) (stateFunc, error) {
	switch {
	case c.saslHandlers == nil || c.saslComplete:
		return c.exchangeProtoHeader(protoAMQP)
	default:
		return c.exchangeProtoHeader(protoSASL)
	}
}

// exchangeProtoHeader sends the protocol header for proto and verifies
// the peer responds in kind.
func (c *Conn) exchangeProtoHeader(proto uint8) (stateFunc, error) {
	hdr := []byte{'A', 'M', 'Q', 'P', proto, 1, 0, 0}
	if c.writeTimeout > 0 {
		_ = c.net.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.net.Write(hdr); err != nil {
		return nil, err
	}

	var resp [8]byte
	if c.idleTimeout > 0 {
		_ = c.net.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	if _, err := io.ReadFull(c.net, resp[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr, resp[:]) {
		return nil, fmt.Errorf("unexpected protocol header %#v, expected %#v", resp, hdr)
	}

	switch proto {
	case protoAMQP:
		return c.openAMQP, nil
	case protoSASL:
		return c.negotiateSASL, nil
	default:
		return nil, fmt.Errorf("unknown protocol ID %#02x", proto)
	}
}

// openAMQP sends the Open performative and processes the peer's Open.
func (c *Conn) openAMQP(ctx context.Context) (stateFunc, error) {
	open := &frames.PerformOpen{
		ContainerID:         c.containerID,
		Hostname:            c.hostname,
		MaxFrameSize:        c.maxFrameSize,
		ChannelMax:          c.channelMax,
		IdleTimeout:         c.idleTimeout / 2, // per spec, advertise half our actual timeout
		OfferedCapabilities: c.offeredCapabilities,
		DesiredCapabilities: c.desiredCapabilities,
		Properties:          c.properties,
	}
	debug.Log(ctx, slog.LevelInfo, "TX: open", slog.Any("frame", open))
	if err := c.writeFrame(frames.Frame{Type: frames.TypeAMQP, Body: open}); err != nil {
		return nil, err
	}

	fr, err := c.readSingleFrame()
	if err != nil {
		return nil, err
	}
	switch body := fr.Body.(type) {
	case *frames.PerformOpen:
		debug.Log(ctx, slog.LevelInfo, "RX: open", slog.Any("frame", body))
		// the peer's advertised value bounds every frame we send
		c.peerMaxFrameSize = body.MaxFrameSize
		if body.IdleTimeout > 0 {
			c.peerIdleTimeout = body.IdleTimeout
		}
		if body.ChannelMax < c.channelMax {
			c.channelMax = body.ChannelMax
			c.channels = bitmap.New(uint32(c.channelMax) + 1)
		}
		return nil, nil
	case *frames.PerformClose:
		if body.Error != nil {
			return nil, body.Error
		}
		return nil, errors.New("peer closed the connection during open")
	default:
		return nil, fmt.Errorf("unexpected frame during open %T", fr.Body)
	}
}

// negotiateSASL processes the server's advertised mechanisms and
// dispatches to the matching configured handler.
func (c *Conn) negotiateSASL(ctx context.Context) (stateFunc, error) {
	fr, err := c.readSingleFrame()
	if err != nil {
		return nil, err
	}
	sm, ok := fr.Body.(*frames.SASLMechanisms)
	if !ok {
		return nil, fmt.Errorf("unexpected frame during SASL negotiation %T", fr.Body)
	}

	for _, mech := range sm.Mechanisms {
		if state, ok := c.saslHandlers[mech]; ok {
			debug.Log(ctx, slog.LevelInfo, "SASL: mechanism selected", slog.String("mechanism", string(mech)))
			return state, nil
		}
	}
	return nil, fmt.Errorf("no supported auth mechanism (%v)", sm.Mechanisms)
}

// saslOutcome processes the SASL outcome frame; on success negotiation
// restarts at the protocol header exchange for the AMQP layer.
func (c *Conn) saslOutcome(ctx context.Context, verify func(additionalData []byte) error) (stateFunc, error) {
	fr, err := c.readSingleFrame()
	if err != nil {
		return nil, err
	}
	so, ok := fr.Body.(*frames.SASLOutcome)
	if !ok {
		return nil, fmt.Errorf("unexpected frame during SASL negotiation %T", fr.Body)
	}
	return c.processSASLOutcome(so, verify)
}

// readSingleFrame reads one non-empty frame during negotiation.
func (c *Conn) readSingleFrame() (frames.Frame, error) {
	for {
		fr, err := c.readFrame()
		if err != nil {
			return frames.Frame{}, err
		}
		if fr.Body == nil {
			continue
		}
		return fr, nil
	}
}
