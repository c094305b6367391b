package encoding

import (
	"fmt"

	"github.com/amqp-core/amqp/internal/buffer"
)

// Source describes the originating terminus of a link.
type Source struct {
	Address               string
	Durable               Durability
	ExpiryPolicy          ExpiryPolicy
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[Symbol]interface{}
	DistributionMode      Symbol
	Filter                Filter
	DefaultOutcome        interface{}
	Outcomes              MultiSymbol
	Capabilities          MultiSymbol
}

func (s *Source) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeSource, []MarshalField{
		{Value: &s.Address, Omit: s.Address == ""},
		{Value: &s.Durable, Omit: s.Durable == DurabilityNone},
		{Value: &s.ExpiryPolicy, Omit: s.ExpiryPolicy == "" || s.ExpiryPolicy == ExpirySessionEnd},
		{Value: &s.Timeout, Omit: s.Timeout == 0},
		{Value: &s.Dynamic, Omit: !s.Dynamic},
		{Value: s.DynamicNodeProperties, Omit: len(s.DynamicNodeProperties) == 0},
		{Value: &s.DistributionMode, Omit: s.DistributionMode == ""},
		{Value: s.Filter, Omit: len(s.Filter) == 0},
		{Value: &s.DefaultOutcome, Omit: s.DefaultOutcome == nil},
		{Value: &s.Outcomes, Omit: len(s.Outcomes) == 0},
		{Value: &s.Capabilities, Omit: len(s.Capabilities) == 0},
	})
}

func (s *Source) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeSource, []UnmarshalField{
		{Field: &s.Address},
		{Field: &s.Durable},
		{Field: &s.ExpiryPolicy, HandleNull: func() error { s.ExpiryPolicy = ExpirySessionEnd; return nil }},
		{Field: &s.Timeout},
		{Field: &s.Dynamic},
		{Field: &s.DynamicNodeProperties},
		{Field: &s.DistributionMode},
		{Field: &s.Filter},
		{Field: &s.DefaultOutcome},
		{Field: &s.Outcomes},
		{Field: &s.Capabilities},
	}...)
}

func (s Source) String() string {
	return fmt.Sprintf("Source{Address: %s, Durable: %d, ExpiryPolicy: %s, Timeout: %d, Dynamic: %t, "+
		"DistributionMode: %s, Filter: %v, Outcomes: %v, Capabilities: %v}",
		s.Address, s.Durable, s.ExpiryPolicy, s.Timeout, s.Dynamic, s.DistributionMode, s.Filter, s.Outcomes, s.Capabilities)
}

// Target describes the terminating terminus of a link.
type Target struct {
	Address               string
	Durable               Durability
	ExpiryPolicy          ExpiryPolicy
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[Symbol]interface{}
	Capabilities          MultiSymbol
}

func (t *Target) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeTarget, []MarshalField{
		{Value: &t.Address, Omit: t.Address == ""},
		{Value: &t.Durable, Omit: t.Durable == DurabilityNone},
		{Value: &t.ExpiryPolicy, Omit: t.ExpiryPolicy == "" || t.ExpiryPolicy == ExpirySessionEnd},
		{Value: &t.Timeout, Omit: t.Timeout == 0},
		{Value: &t.Dynamic, Omit: !t.Dynamic},
		{Value: t.DynamicNodeProperties, Omit: len(t.DynamicNodeProperties) == 0},
		{Value: &t.Capabilities, Omit: len(t.Capabilities) == 0},
	})
}

func (t *Target) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeTarget, []UnmarshalField{
		{Field: &t.Address},
		{Field: &t.Durable},
		{Field: &t.ExpiryPolicy, HandleNull: func() error { t.ExpiryPolicy = ExpirySessionEnd; return nil }},
		{Field: &t.Timeout},
		{Field: &t.Dynamic},
		{Field: &t.DynamicNodeProperties},
		{Field: &t.Capabilities},
	}...)
}

func (t Target) String() string {
	return fmt.Sprintf("Target{Address: %s, Durable: %d, ExpiryPolicy: %s, Timeout: %d, Dynamic: %t, Capabilities: %v}",
		t.Address, t.Durable, t.ExpiryPolicy, t.Timeout, t.Dynamic, t.Capabilities)
}

// Coordinator is the target of a transaction-control link. Its
// capabilities advertise which transactional features the controller
// wants the resource to support.
type Coordinator struct {
	Capabilities MultiSymbol
}

func (c *Coordinator) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeCoordinator, []MarshalField{
		{Value: &c.Capabilities, Omit: len(c.Capabilities) == 0},
	})
}

func (c *Coordinator) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeCoordinator, UnmarshalField{Field: &c.Capabilities})
}

func (c Coordinator) String() string {
	return fmt.Sprintf("Coordinator{Capabilities: %v}", c.Capabilities)
}

// Error is a protocol error condition, carried on Close/End/Detach
// and as the cause of a Rejected outcome.
type Error struct {
	Condition   Symbol
	Description string
	Info        map[string]interface{}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

func (e *Error) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeError, []MarshalField{
		{Value: &e.Condition, Omit: false},
		{Value: &e.Description, Omit: e.Description == ""},
		{Value: e.Info, Omit: len(e.Info) == 0},
	})
}

func (e *Error) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeError, []UnmarshalField{
		{Field: &e.Condition, HandleNull: func() error { return errMissingErrorCondition }},
		{Field: &e.Description},
		{Field: &e.Info},
	}...)
}

// DeliveryState is any of the terminal/transitional outcomes plus the
// transport-level "received" state carried on Transfer/Disposition.
type DeliveryState interface {
	deliveryState()
}

// StateReceived conveys resumption progress; it is not a terminal outcome.
type StateReceived struct {
	SectionNumber uint32
	SectionOffset uint64
}

func (*StateReceived) deliveryState() {}

func (sr *StateReceived) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReceived, []MarshalField{
		{Value: &sr.SectionNumber},
		{Value: &sr.SectionOffset},
	})
}

func (sr *StateReceived) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReceived, []UnmarshalField{
		{Field: &sr.SectionNumber, HandleNull: func() error { return fmt.Errorf("StateReceived.SectionNumber is required") }},
		{Field: &sr.SectionOffset, HandleNull: func() error { return fmt.Errorf("StateReceived.SectionOffset is required") }},
	}...)
}

// StateAccepted is the terminal "accepted" outcome.
type StateAccepted struct{}

func (*StateAccepted) deliveryState() {}
func (sa *StateAccepted) Marshal(wr *buffer.Buffer) error { return MarshalComposite(wr, TypeCodeStateAccepted, nil) }
func (sa *StateAccepted) Unmarshal(r *buffer.Buffer) error { return UnmarshalComposite(r, TypeCodeStateAccepted) }
func (sa *StateAccepted) String() string                   { return "Accepted" }

// StateRejected is the terminal "rejected" outcome.
type StateRejected struct {
	Error *Error
}

func (*StateRejected) deliveryState() {}

func (sr *StateRejected) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateRejected, []MarshalField{
		{Value: sr.Error, Omit: sr.Error == nil},
	})
}

func (sr *StateRejected) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateRejected, UnmarshalField{Field: &sr.Error})
}

func (sr *StateRejected) String() string { return fmt.Sprintf("Rejected{Error: %v}", sr.Error) }

// StateReleased is the terminal "released" outcome.
type StateReleased struct{}

func (*StateReleased) deliveryState() {}
func (sr *StateReleased) Marshal(wr *buffer.Buffer) error { return MarshalComposite(wr, TypeCodeStateReleased, nil) }
func (sr *StateReleased) Unmarshal(r *buffer.Buffer) error { return UnmarshalComposite(r, TypeCodeStateReleased) }
func (sr *StateReleased) String() string                   { return "Released" }

// StateModified is the terminal "modified" outcome.
type StateModified struct {
	DeliveryFailed     bool
	UndeliverableHere  bool
	MessageAnnotations Annotations
}

func (*StateModified) deliveryState() {}

func (sm *StateModified) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateModified, []MarshalField{
		{Value: &sm.DeliveryFailed, Omit: !sm.DeliveryFailed},
		{Value: &sm.UndeliverableHere, Omit: !sm.UndeliverableHere},
		{Value: sm.MessageAnnotations, Omit: sm.MessageAnnotations == nil},
	})
}

func (sm *StateModified) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateModified, []UnmarshalField{
		{Field: &sm.DeliveryFailed},
		{Field: &sm.UndeliverableHere},
		{Field: &sm.MessageAnnotations},
	}...)
}

func (sm *StateModified) String() string {
	return fmt.Sprintf("Modified{DeliveryFailed: %t, UndeliverableHere: %t}", sm.DeliveryFailed, sm.UndeliverableHere)
}

// StateDeclared carries the allocated transaction-id in response to a Declare.
type StateDeclared struct {
	TransactionID []byte
}

func (*StateDeclared) deliveryState() {}

func (sd *StateDeclared) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDeclared, []MarshalField{
		{Value: &sd.TransactionID, Omit: false},
	})
}

func (sd *StateDeclared) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDeclared, UnmarshalField{
		Field:      &sd.TransactionID,
		HandleNull: func() error { return fmt.Errorf("Declared.TransactionID is required") },
	})
}

// TransactionalState wraps a (possibly nil) terminal outcome inside a
// transaction. It is used on transactional Transfer and Disposition frames.
type TransactionalState struct {
	TxnID   []byte
	Outcome DeliveryState
}

func (*TransactionalState) deliveryState() {}

func (ts *TransactionalState) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeTxnalState, []MarshalField{
		{Value: &ts.TxnID, Omit: false},
		{Value: ts.Outcome, Omit: ts.Outcome == nil},
	})
}

func (ts *TransactionalState) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeTxnalState, []UnmarshalField{
		{Field: &ts.TxnID, HandleNull: func() error { return fmt.Errorf("TransactionalState.TxnID is required") }},
		{Field: &ts.Outcome},
	}...)
}

// Declare is the body of a message posted to a transaction coordinator
// to begin a transaction.
type Declare struct {
	GlobalID interface{}
}

func (d *Declare) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDeclare, []MarshalField{
		{Value: &d.GlobalID, Omit: d.GlobalID == nil},
	})
}

func (d *Declare) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDeclare, UnmarshalField{Field: &d.GlobalID})
}

// Discharge is the body of a message posted to a transaction
// coordinator to end a transaction, either committing (Fail=false)
// or rolling it back (Fail=true).
type Discharge struct {
	TxnID []byte
	Fail  bool
}

func (d *Discharge) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeDischarge, []MarshalField{
		{Value: &d.TxnID, Omit: false},
		{Value: &d.Fail, Omit: !d.Fail},
	})
}

func (d *Discharge) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeDischarge, []UnmarshalField{
		{Field: &d.TxnID, HandleNull: func() error { return fmt.Errorf("Discharge.TxnID is required") }},
		{Field: &d.Fail},
	}...)
}
