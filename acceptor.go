package amqp

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	xdgscram "github.com/xdg/scram"

	"github.com/amqp-core/amqp/internal/bitmap"
	"github.com/amqp-core/amqp/internal/encoding"
	"github.com/amqp-core/amqp/internal/frames"
	"github.com/amqp-core/amqp/internal/scram"
)

// SCRAMCredentials is the stored, derived authentication state for
// one user: the server never sees or stores plaintext passwords.
type SCRAMCredentials struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// SCRAMCredentialLookup resolves a username to its stored credentials.
// Returning false yields a SASL "auth" outcome for the client.
type SCRAMCredentialLookup func(username string) (SCRAMCredentials, bool)

// DeriveSCRAMSHA1Credentials derives a SCRAM-SHA-1 credential set
// from a plaintext password, for populating a credential store.
func DeriveSCRAMSHA1Credentials(password string, salt []byte, iterations int) (SCRAMCredentials, error) {
	return deriveSCRAMCredentials(scram.SHA1, password, salt, iterations)
}

// DeriveSCRAMSHA256Credentials derives a SCRAM-SHA-256 credential set
// from a plaintext password, for populating a credential store.
func DeriveSCRAMSHA256Credentials(password string, salt []byte, iterations int) (SCRAMCredentials, error) {
	return deriveSCRAMCredentials(scram.SHA256, password, salt, iterations)
}

// DeriveSCRAMSHA512Credentials derives a SCRAM-SHA-512 credential set
// from a plaintext password, for populating a credential store.
func DeriveSCRAMSHA512Credentials(password string, salt []byte, iterations int) (SCRAMCredentials, error) {
	return deriveSCRAMCredentials(scram.SHA512, password, salt, iterations)
}

func deriveSCRAMCredentials(fcn xdgscram.HashGeneratorFcn, password string, salt []byte, iterations int) (SCRAMCredentials, error) {
	creds, err := scram.DeriveCredentials(fcn, password, salt, iterations)
	if err != nil {
		return SCRAMCredentials{}, err
	}
	return SCRAMCredentials(creds), nil
}

// SASLServerMechanism is one mechanism an acceptor offers during the
// server side of SASL negotiation.
type SASLServerMechanism struct {
	name encoding.Symbol

	// run executes the mechanism after the client's SASLInit has been
	// received. It writes any challenges and the final outcome frame.
	run func(c *Conn, init *frames.SASLInit) error
}

// errAuthFailed distinguishes credential failures (SASL code "auth")
// from transport/system failures.
var errAuthFailed = errors.New("authentication failed")

// SASLServerAnonymous accepts any client using the ANONYMOUS mechanism.
func SASLServerAnonymous() SASLServerMechanism {
	return SASLServerMechanism{
		name: saslMechanismANONYMOUS,
		run: func(c *Conn, init *frames.SASLInit) error {
			return c.writeFrame(frames.Frame{Type: frames.TypeSASL, Body: &frames.SASLOutcome{Code: frames.SASLCodeOK}})
		},
	}
}

// SASLServerPlain verifies PLAIN credentials with the supplied callback.
func SASLServerPlain(verify func(username, password string) bool) SASLServerMechanism {
	return SASLServerMechanism{
		name: saslMechanismPLAIN,
		run: func(c *Conn, init *frames.SASLInit) error {
			// initial-response is authzid NUL authcid NUL passwd
			var fields [][]byte
			field := []byte{}
			for _, b := range init.InitialResponse {
				if b == 0 {
					fields = append(fields, field)
					field = []byte{}
					continue
				}
				field = append(field, b)
			}
			fields = append(fields, field)
			if len(fields) != 3 {
				return errors.New("malformed PLAIN initial response")
			}
			if !verify(string(fields[1]), string(fields[2])) {
				return errAuthFailed
			}
			return c.writeFrame(frames.Frame{Type: frames.TypeSASL, Body: &frames.SASLOutcome{Code: frames.SASLCodeOK}})
		},
	}
}

// SASLServerSCRAMSHA1 offers SCRAM-SHA-1 backed by lookup.
func SASLServerSCRAMSHA1(lookup SCRAMCredentialLookup) SASLServerMechanism {
	return saslServerSCRAM(saslMechanismSCRAMSHA1, scram.SHA1, lookup)
}

// SASLServerSCRAMSHA256 offers SCRAM-SHA-256 backed by lookup.
func SASLServerSCRAMSHA256(lookup SCRAMCredentialLookup) SASLServerMechanism {
	return saslServerSCRAM(saslMechanismSCRAMSHA256, scram.SHA256, lookup)
}

// SASLServerSCRAMSHA512 offers SCRAM-SHA-512 backed by lookup.
func SASLServerSCRAMSHA512(lookup SCRAMCredentialLookup) SASLServerMechanism {
	return saslServerSCRAM(saslMechanismSCRAMSHA512, scram.SHA512, lookup)
}

func saslServerSCRAM(name encoding.Symbol, fcn xdgscram.HashGeneratorFcn, lookup SCRAMCredentialLookup) SASLServerMechanism {
	return SASLServerMechanism{
		name: name,
		run: func(c *Conn, init *frames.SASLInit) error {
			server := scram.NewServer(fcn, func(username string) (scram.Credentials, bool) {
				creds, ok := lookup(username)
				return scram.Credentials(creds), ok
			})

			serverFirst, err := server.First(init.InitialResponse)
			if err != nil {
				return errAuthFailed
			}
			if err := c.writeFrame(frames.Frame{Type: frames.TypeSASL, Body: &frames.SASLChallenge{Challenge: serverFirst}}); err != nil {
				return err
			}

			fr, err := c.readSingleFrame()
			if err != nil {
				return err
			}
			resp, ok := fr.Body.(*frames.SASLResponse)
			if !ok {
				return errors.Errorf("unexpected frame during SASL negotiation %T", fr.Body)
			}

			serverFinal, err := server.Verify(resp.Response)
			if err != nil {
				return errAuthFailed
			}
			return c.writeFrame(frames.Frame{Type: frames.TypeSASL, Body: &frames.SASLOutcome{
				Code:           frames.SASLCodeOK,
				AdditionalData: serverFinal,
			}})
		},
	}
}

// ConnAcceptorOptions contains the settings for an accepting endpoint.
type ConnAcceptorOptions struct {
	// ContainerID sets the container-id sent in the Open frame.
	//
	// A container ID will be randomly generated if this option is not used.
	ContainerID string

	// MaxFrameSize sets the maximum frame size that
	// the connection will accept.
	//
	// Must be 512 or greater.
	//
	// Default: 65536.
	MaxFrameSize uint32

	// ChannelMax sets the maximum channel number advertised to the peer.
	//
	// Default: 65535.
	ChannelMax uint16

	// IdleTimeout specifies the maximum period between receiving
	// frames from the peer.
	//
	// Specify a value less than zero to disable idle timeout.
	//
	// Default: 1 minute.
	IdleTimeout time.Duration

	// OfferedCapabilities advertises the extension capabilities this
	// endpoint supports.
	OfferedCapabilities []string

	// DesiredCapabilities names the extension capabilities this
	// endpoint may use if the peer offers them.
	DesiredCapabilities []string

	// Properties sets an entry in the connection properties map sent
	// to the peer.
	Properties map[string]any

	// SASLMechanisms lists the mechanisms offered to connecting
	// clients. When empty, clients are expected to skip the SASL
	// layer entirely.
	SASLMechanisms []SASLServerMechanism

	// WriteTimeout controls the write deadline when writing AMQP
	// frames to the underlying net.Conn.
	//
	// Specify a value less than zero to disable write timeout.
	//
	// Default: 30s.
	WriteTimeout time.Duration
}

// ConnAcceptor runs the listening side of the connection handshake:
// protocol-header exchange, server-side SASL, and the Open exchange.
type ConnAcceptor struct {
	opts ConnAcceptorOptions
}

// NewConnAcceptor creates an acceptor with the given options.
func NewConnAcceptor(opts *ConnAcceptorOptions) *ConnAcceptor {
	a := &ConnAcceptor{}
	if opts != nil {
		a.opts = *opts
	}
	return a
}

// Accept establishes an AMQP connection in the receiving role over nc.
// NOTE: the returned Conn takes ownership of nc and will close it as
// required.
func (a *ConnAcceptor) Accept(ctx context.Context, nc net.Conn) (*Conn, error) {
	connOpts := &ConnOptions{
		ContainerID:  a.opts.ContainerID,
		MaxFrameSize: a.opts.MaxFrameSize,
		IdleTimeout:  a.opts.IdleTimeout,
		Properties:   a.opts.Properties,
		WriteTimeout: a.opts.WriteTimeout,
	}
	c, err := newConn(nc, connOpts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if a.opts.ChannelMax > 0 {
		c.channelMax = a.opts.ChannelMax
		c.channels = bitmap.New(uint32(c.channelMax) + 1)
	}
	for _, capability := range a.opts.OfferedCapabilities {
		c.offeredCapabilities = append(c.offeredCapabilities, encoding.Symbol(capability))
	}
	for _, capability := range a.opts.DesiredCapabilities {
		c.desiredCapabilities = append(c.desiredCapabilities, encoding.Symbol(capability))
	}

	if ctx.Done() != nil {
		interruptRes := make(chan struct{})
		defer close(interruptRes)
		go func() {
			select {
			case <-ctx.Done():
				select {
				case <-interruptRes:
					// the handshake already completed
				default:
					c.closeDuringStart()
				}
			case <-interruptRes:
			}
		}()
	}

	if err := a.acceptImpl(c); err != nil {
		c.closeDuringStart()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	c.startMux()
	return c, nil
}

func (a *ConnAcceptor) acceptImpl(c *Conn) error {
	proto, err := a.readProtoHeader(c)
	if err != nil {
		return err
	}

	if len(a.opts.SASLMechanisms) > 0 {
		if proto != protoSASL {
			// advertise the required protocol before giving up
			_, _ = c.net.Write([]byte{'A', 'M', 'Q', 'P', protoSASL, 1, 0, 0})
			return errors.New("peer did not negotiate required SASL layer")
		}
		if err := a.acceptSASL(c); err != nil {
			return errors.Wrap(err, "SASL negotiation failed")
		}
		// the AMQP header exchange restarts on the authenticated stream
		if proto, err = a.readProtoHeader(c); err != nil {
			return err
		}
	}

	if proto != protoAMQP {
		_, _ = c.net.Write([]byte{'A', 'M', 'Q', 'P', protoAMQP, 1, 0, 0})
		return errors.Errorf("unsupported protocol ID %#02x", proto)
	}

	// the client opens first; reply with our Open
	fr, err := c.readSingleFrame()
	if err != nil {
		return err
	}
	peerOpen, ok := fr.Body.(*frames.PerformOpen)
	if !ok {
		return errors.Errorf("unexpected frame during open %T", fr.Body)
	}
	c.peerMaxFrameSize = peerOpen.MaxFrameSize
	if peerOpen.IdleTimeout > 0 {
		c.peerIdleTimeout = peerOpen.IdleTimeout
	}
	if peerOpen.ChannelMax < c.channelMax {
		c.channelMax = peerOpen.ChannelMax
	}

	open := &frames.PerformOpen{
		ContainerID:         c.containerID,
		MaxFrameSize:        c.maxFrameSize,
		ChannelMax:          c.channelMax,
		IdleTimeout:         c.idleTimeout / 2,
		OfferedCapabilities: c.offeredCapabilities,
		DesiredCapabilities: c.desiredCapabilities,
		Properties:          c.properties,
	}
	return c.writeFrame(frames.Frame{Type: frames.TypeAMQP, Body: open})
}

// readProtoHeader reads and validates the client's 8-byte protocol
// header, echoing it back, and returns the protocol id.
func (a *ConnAcceptor) readProtoHeader(c *Conn) (uint8, error) {
	var hdr [8]byte
	if c.idleTimeout > 0 {
		_ = c.net.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	if _, err := io.ReadFull(c.net, hdr[:]); err != nil {
		return 0, err
	}
	if hdr[0] != 'A' || hdr[1] != 'M' || hdr[2] != 'Q' || hdr[3] != 'P' || hdr[5] != 1 || hdr[6] != 0 || hdr[7] != 0 {
		return 0, errors.Errorf("invalid protocol header %#v", hdr)
	}
	proto := hdr[4]
	if proto != protoTLS {
		// echo our agreement; TLS would require re-wrapping the stream
		if _, err := c.net.Write(hdr[:]); err != nil {
			return 0, err
		}
	}
	return proto, nil
}

// acceptSASL advertises the configured mechanisms and runs the one
// the client selects.
func (a *ConnAcceptor) acceptSASL(c *Conn) error {
	mechanisms := encoding.MultiSymbol{}
	for _, m := range a.opts.SASLMechanisms {
		mechanisms = append(mechanisms, m.name)
	}
	if err := c.writeFrame(frames.Frame{Type: frames.TypeSASL, Body: &frames.SASLMechanisms{Mechanisms: mechanisms}}); err != nil {
		return err
	}

	fr, err := c.readSingleFrame()
	if err != nil {
		return err
	}
	init, ok := fr.Body.(*frames.SASLInit)
	if !ok {
		return errors.Errorf("unexpected frame during SASL negotiation %T", fr.Body)
	}

	for _, m := range a.opts.SASLMechanisms {
		if m.name != init.Mechanism {
			continue
		}
		err := m.run(c, init)
		if errors.Is(err, errAuthFailed) || errors.Is(err, scram.ErrAuthentication) {
			// a failed authentication yields the auth outcome code
			_ = c.writeFrame(frames.Frame{Type: frames.TypeSASL, Body: &frames.SASLOutcome{Code: frames.SASLCodeAuth}})
			return errAuthFailed
		}
		return err
	}

	_ = c.writeFrame(frames.Frame{Type: frames.TypeSASL, Body: &frames.SASLOutcome{Code: frames.SASLCodeSysPerm}})
	return errors.Errorf("unsupported mechanism %q", init.Mechanism)
}
