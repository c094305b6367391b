package amqp

import (
	"context"
	"fmt"

	xdgscram "github.com/xdg/scram"

	"github.com/amqp-core/amqp/internal/encoding"
	"github.com/amqp-core/amqp/internal/frames"
	"github.com/amqp-core/amqp/internal/scram"
)

// SASL mechanism names.
const (
	saslMechanismPLAIN       encoding.Symbol = "PLAIN"
	saslMechanismANONYMOUS   encoding.Symbol = "ANONYMOUS"
	saslMechanismEXTERNAL    encoding.Symbol = "EXTERNAL"
	saslMechanismSCRAMSHA1   encoding.Symbol = "SCRAM-SHA-1"
	saslMechanismSCRAMSHA256 encoding.Symbol = "SCRAM-SHA-256"
	saslMechanismSCRAMSHA512 encoding.Symbol = "SCRAM-SHA-512"
)

// SASLType represents a SASL configuration to use during authentication.
type SASLType func(c *Conn) error

// SASLTypePlain configures the connection to use SASL PLAIN authentication.
func SASLTypePlain(username, password string) SASLType {
	return func(c *Conn) error {
		if c.saslHandlers == nil {
			c.saslHandlers = map[encoding.Symbol]stateFunc{}
		}
		c.saslHandlers[saslMechanismPLAIN] = func(ctx context.Context) (stateFunc, error) {
			init := &frames.SASLInit{
				Mechanism:       saslMechanismPLAIN,
				InitialResponse: []byte("\x00" + username + "\x00" + password),
				Hostname:        "",
			}
			if err := c.writeFrame(frames.Frame{Type: frames.TypeSASL, Body: init}); err != nil {
				return nil, err
			}
			return c.saslOutcomeState(nil), nil
		}
		return nil
	}
}

// SASLTypeAnonymous configures the connection to use SASL ANONYMOUS authentication.
func SASLTypeAnonymous() SASLType {
	return func(c *Conn) error {
		if c.saslHandlers == nil {
			c.saslHandlers = map[encoding.Symbol]stateFunc{}
		}
		c.saslHandlers[saslMechanismANONYMOUS] = func(ctx context.Context) (stateFunc, error) {
			init := &frames.SASLInit{
				Mechanism:       saslMechanismANONYMOUS,
				InitialResponse: []byte("anonymous"),
			}
			if err := c.writeFrame(frames.Frame{Type: frames.TypeSASL, Body: init}); err != nil {
				return nil, err
			}
			return c.saslOutcomeState(nil), nil
		}
		return nil
	}
}

// SASLTypeExternal configures the connection to use SASL EXTERNAL
// authentication, with an optional response value.
func SASLTypeExternal(resp string) SASLType {
	return func(c *Conn) error {
		if c.saslHandlers == nil {
			c.saslHandlers = map[encoding.Symbol]stateFunc{}
		}
		c.saslHandlers[saslMechanismEXTERNAL] = func(ctx context.Context) (stateFunc, error) {
			init := &frames.SASLInit{
				Mechanism:       saslMechanismEXTERNAL,
				InitialResponse: []byte(resp),
			}
			if err := c.writeFrame(frames.Frame{Type: frames.TypeSASL, Body: init}); err != nil {
				return nil, err
			}
			return c.saslOutcomeState(nil), nil
		}
		return nil
	}
}

// SASLTypeSCRAMSHA1 configures the connection to use SASL
// SCRAM-SHA-1 authentication.
func SASLTypeSCRAMSHA1(username, password string) SASLType {
	return saslSCRAM(saslMechanismSCRAMSHA1, scram.SHA1, username, password)
}

// SASLTypeSCRAMSHA256 configures the connection to use SASL
// SCRAM-SHA-256 authentication.
func SASLTypeSCRAMSHA256(username, password string) SASLType {
	return saslSCRAM(saslMechanismSCRAMSHA256, scram.SHA256, username, password)
}

// SASLTypeSCRAMSHA512 configures the connection to use SASL
// SCRAM-SHA-512 authentication.
func SASLTypeSCRAMSHA512(username, password string) SASLType {
	return saslSCRAM(saslMechanismSCRAMSHA512, scram.SHA512, username, password)
}

func saslSCRAM(mechanism encoding.Symbol, fcn xdgscram.HashGeneratorFcn, username, password string) SASLType {
	return func(c *Conn) error {
		if c.saslHandlers == nil {
			c.saslHandlers = map[encoding.Symbol]stateFunc{}
		}
		c.saslHandlers[mechanism] = func(ctx context.Context) (stateFunc, error) {
			client, err := scram.NewClient(fcn, username, password)
			if err != nil {
				return nil, err
			}

			init := &frames.SASLInit{
				Mechanism:       mechanism,
				InitialResponse: client.First(),
			}
			if err := c.writeFrame(frames.Frame{Type: frames.TypeSASL, Body: init}); err != nil {
				return nil, err
			}

			// the server-first message arrives as a challenge
			fr, err := c.readSingleFrame()
			if err != nil {
				return nil, err
			}
			challenge, ok := fr.Body.(*frames.SASLChallenge)
			if !ok {
				if outcome, isOutcome := fr.Body.(*frames.SASLOutcome); isOutcome {
					return nil, fmt.Errorf("SASL %s: %s", outcome.Code, string(outcome.AdditionalData))
				}
				return nil, fmt.Errorf("unexpected frame during SASL negotiation %T", fr.Body)
			}

			final, err := client.Final(challenge.Challenge)
			if err != nil {
				return nil, err
			}
			resp := &frames.SASLResponse{Response: final}
			if err := c.writeFrame(frames.Frame{Type: frames.TypeSASL, Body: resp}); err != nil {
				return nil, err
			}

			// the server-final message arrives either as another
			// challenge or in the outcome's additional-data
			return func(ctx context.Context) (stateFunc, error) {
				fr, err := c.readSingleFrame()
				if err != nil {
					return nil, err
				}
				switch body := fr.Body.(type) {
				case *frames.SASLChallenge:
					if err := client.ValidateServerFinal(body.Challenge); err != nil {
						return nil, err
					}
					empty := &frames.SASLResponse{}
					if err := c.writeFrame(frames.Frame{Type: frames.TypeSASL, Body: empty}); err != nil {
						return nil, err
					}
					return c.saslOutcomeState(nil), nil
				case *frames.SASLOutcome:
					return c.processSASLOutcome(body, client.ValidateServerFinal)
				default:
					return nil, fmt.Errorf("unexpected frame during SASL negotiation %T", fr.Body)
				}
			}, nil
		}
		return nil
	}
}

// saslOutcomeState returns a stateFunc that reads and processes the
// SASL outcome frame.
func (c *Conn) saslOutcomeState(verify func(additionalData []byte) error) stateFunc {
	return func(ctx context.Context) (stateFunc, error) {
		return c.saslOutcome(ctx, verify)
	}
}

// processSASLOutcome validates an already-read outcome frame and, on
// success, restarts negotiation at the AMQP protocol header.
func (c *Conn) processSASLOutcome(outcome *frames.SASLOutcome, verify func(additionalData []byte) error) (stateFunc, error) {
	if outcome.Code != frames.SASLCodeOK {
		return nil, fmt.Errorf("SASL %s: %s", outcome.Code, string(outcome.AdditionalData))
	}
	if verify != nil {
		if err := verify(outcome.AdditionalData); err != nil {
			return nil, err
		}
	}
	c.saslComplete = true
	return c.negotiateProto, nil
}
