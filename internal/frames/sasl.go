package frames

import (
	"fmt"

	"github.com/amqp-core/amqp/internal/buffer"
	"github.com/amqp-core/amqp/internal/encoding"
)

// SASLCode is the outcome code carried on a SASLOutcome frame.
type SASLCode uint8

const (
	SASLCodeOK      SASLCode = iota // authentication succeeded
	SASLCodeAuth                    // failed due to bad credentials
	SASLCodeSys                     // failed due to a system error
	SASLCodeSysPerm                 // failed due to an unrecoverable system error
	SASLCodeSysTemp                 // failed due to a transient system error
)

func (s SASLCode) Marshal(wr *buffer.Buffer) error {
	return encoding.Marshal(wr, uint8(s))
}

func (s *SASLCode) Unmarshal(r *buffer.Buffer) error {
	b, err := encoding.ReadUbyte(r)
	*s = SASLCode(b)
	return err
}

func (s SASLCode) String() string {
	switch s {
	case SASLCodeOK:
		return "OK"
	case SASLCodeAuth:
		return "Auth"
	case SASLCodeSys:
		return "Sys"
	case SASLCodeSysPerm:
		return "SysPerm"
	case SASLCodeSysTemp:
		return "SysTemp"
	default:
		return fmt.Sprintf("SASLCode(%d)", uint8(s))
	}
}

// SASLMechanisms is sent by the server advertising the mechanisms it
// supports.
type SASLMechanisms struct {
	Mechanisms encoding.MultiSymbol
}

func (*SASLMechanisms) frameBody() {}

func (m *SASLMechanisms) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLMechanisms, []encoding.MarshalField{
		{Value: &m.Mechanisms, Omit: false},
	})
}

func (m *SASLMechanisms) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLMechanisms, encoding.UnmarshalField{
		Field:      &m.Mechanisms,
		HandleNull: func() error { return fmt.Errorf("SASLMechanisms.Mechanisms is required") },
	})
}

// SASLInit is sent by the client choosing a mechanism and supplying
// its initial response.
type SASLInit struct {
	Mechanism       encoding.Symbol
	InitialResponse []byte
	Hostname        string
}

func (*SASLInit) frameBody() {}

func (i *SASLInit) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLInit, []encoding.MarshalField{
		{Value: &i.Mechanism, Omit: false},
		{Value: &i.InitialResponse, Omit: len(i.InitialResponse) == 0},
		{Value: &i.Hostname, Omit: i.Hostname == ""},
	})
}

func (i *SASLInit) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLInit, []encoding.UnmarshalField{
		{Field: &i.Mechanism, HandleNull: func() error { return fmt.Errorf("SASLInit.Mechanism is required") }},
		{Field: &i.InitialResponse},
		{Field: &i.Hostname},
	}...)
}

// SASLChallenge is sent by the server in a multi-step exchange (such
// as SCRAM) requesting further proof from the client.
type SASLChallenge struct {
	Challenge []byte
}

func (*SASLChallenge) frameBody() {}

func (c *SASLChallenge) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLChallenge, []encoding.MarshalField{
		{Value: &c.Challenge, Omit: false},
	})
}

func (c *SASLChallenge) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLChallenge, encoding.UnmarshalField{
		Field:      &c.Challenge,
		HandleNull: func() error { return fmt.Errorf("SASLChallenge.Challenge is required") },
	})
}

// SASLResponse answers a SASLChallenge.
type SASLResponse struct {
	Response []byte
}

func (*SASLResponse) frameBody() {}

func (r *SASLResponse) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLResponse, []encoding.MarshalField{
		{Value: &r.Response, Omit: false},
	})
}

func (s *SASLResponse) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLResponse, encoding.UnmarshalField{
		Field:      &s.Response,
		HandleNull: func() error { return fmt.Errorf("SASLResponse.Response is required") },
	})
}

// SASLOutcome concludes the SASL exchange with a result code and,
// for SCRAM mechanisms, the server's final additional data.
type SASLOutcome struct {
	Code           SASLCode
	AdditionalData []byte
}

func (*SASLOutcome) frameBody() {}

func (o *SASLOutcome) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLOutcome, []encoding.MarshalField{
		{Value: &o.Code, Omit: false},
		{Value: &o.AdditionalData, Omit: len(o.AdditionalData) == 0},
	})
}

func (o *SASLOutcome) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLOutcome, []encoding.UnmarshalField{
		{Field: &o.Code, HandleNull: func() error { return fmt.Errorf("SASLOutcome.Code is required") }},
		{Field: &o.AdditionalData},
	}...)
}
