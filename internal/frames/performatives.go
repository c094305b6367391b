package frames

import (
	"fmt"
	"time"

	"github.com/amqp-core/amqp/internal/buffer"
	"github.com/amqp-core/amqp/internal/encoding"
)

// PerformOpen is sent by each peer to open a connection.
type PerformOpen struct {
	ContainerID         string
	Hostname            string
	MaxFrameSize        uint32
	ChannelMax          uint16
	IdleTimeout         time.Duration
	OutgoingLocales     encoding.MultiSymbol
	IncomingLocales     encoding.MultiSymbol
	OfferedCapabilities encoding.MultiSymbol
	DesiredCapabilities encoding.MultiSymbol
	Properties          encoding.Fields
}

func (*PerformOpen) frameBody() {}

func (o *PerformOpen) Marshal(wr *buffer.Buffer) error {
	var idleTimeout uint32
	if o.IdleTimeout > 0 {
		idleTimeout = uint32(o.IdleTimeout / time.Millisecond)
	}
	return encoding.MarshalComposite(wr, encoding.TypeCodeOpen, []encoding.MarshalField{
		{Value: &o.ContainerID, Omit: false},
		{Value: &o.Hostname, Omit: o.Hostname == ""},
		{Value: &o.MaxFrameSize, Omit: o.MaxFrameSize == 0},
		{Value: &o.ChannelMax, Omit: o.ChannelMax == 0},
		{Value: &idleTimeout, Omit: idleTimeout == 0},
		{Value: &o.OutgoingLocales, Omit: len(o.OutgoingLocales) == 0},
		{Value: &o.IncomingLocales, Omit: len(o.IncomingLocales) == 0},
		{Value: &o.OfferedCapabilities, Omit: len(o.OfferedCapabilities) == 0},
		{Value: &o.DesiredCapabilities, Omit: len(o.DesiredCapabilities) == 0},
		{Value: o.Properties, Omit: len(o.Properties) == 0},
	})
}

func (o *PerformOpen) Unmarshal(r *buffer.Buffer) error {
	var idleTimeout uint32
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeOpen, []encoding.UnmarshalField{
		{Field: &o.ContainerID, HandleNull: func() error { return fmt.Errorf("Open.ContainerID is required") }},
		{Field: &o.Hostname},
		{Field: &o.MaxFrameSize, HandleNull: func() error { o.MaxFrameSize = 4294967295; return nil }},
		{Field: &o.ChannelMax, HandleNull: func() error { o.ChannelMax = 65535; return nil }},
		{Field: &idleTimeout},
		{Field: &o.OutgoingLocales},
		{Field: &o.IncomingLocales},
		{Field: &o.OfferedCapabilities},
		{Field: &o.DesiredCapabilities},
		{Field: &o.Properties},
	}...)
	o.IdleTimeout = time.Duration(idleTimeout) * time.Millisecond
	return err
}

func (o *PerformOpen) String() string {
	return fmt.Sprintf("Open{ContainerID: %s, Hostname: %s, MaxFrameSize: %d, ChannelMax: %d, IdleTimeout: %v}",
		o.ContainerID, o.Hostname, o.MaxFrameSize, o.ChannelMax, o.IdleTimeout)
}

// PerformBegin establishes a session on a channel.
type PerformBegin struct {
	RemoteChannel       *uint16
	NextOutgoingID      uint32
	IncomingWindow      uint32
	OutgoingWindow      uint32
	HandleMax           uint32
	OfferedCapabilities encoding.MultiSymbol
	DesiredCapabilities encoding.MultiSymbol
	Properties          encoding.Fields
}

func (*PerformBegin) frameBody() {}

func (b *PerformBegin) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeBegin, []encoding.MarshalField{
		{Value: b.RemoteChannel, Omit: b.RemoteChannel == nil},
		{Value: &b.NextOutgoingID, Omit: false},
		{Value: &b.IncomingWindow, Omit: false},
		{Value: &b.OutgoingWindow, Omit: false},
		{Value: &b.HandleMax, Omit: b.HandleMax == 4294967295},
		{Value: &b.OfferedCapabilities, Omit: len(b.OfferedCapabilities) == 0},
		{Value: &b.DesiredCapabilities, Omit: len(b.DesiredCapabilities) == 0},
		{Value: b.Properties, Omit: len(b.Properties) == 0},
	})
}

func (b *PerformBegin) Unmarshal(r *buffer.Buffer) error {
	b.HandleMax = 4294967295
	return encoding.UnmarshalComposite(r, encoding.TypeCodeBegin, []encoding.UnmarshalField{
		{Field: &b.RemoteChannel},
		{Field: &b.NextOutgoingID, HandleNull: func() error { return fmt.Errorf("Begin.NextOutgoingID is required") }},
		{Field: &b.IncomingWindow, HandleNull: func() error { return fmt.Errorf("Begin.IncomingWindow is required") }},
		{Field: &b.OutgoingWindow, HandleNull: func() error { return fmt.Errorf("Begin.OutgoingWindow is required") }},
		{Field: &b.HandleMax},
		{Field: &b.OfferedCapabilities},
		{Field: &b.DesiredCapabilities},
		{Field: &b.Properties},
	}...)
}

func (b *PerformBegin) String() string {
	return fmt.Sprintf("Begin{RemoteChannel: %v, NextOutgoingID: %d, IncomingWindow: %d, OutgoingWindow: %d, HandleMax: %d}",
		b.RemoteChannel, b.NextOutgoingID, b.IncomingWindow, b.OutgoingWindow, b.HandleMax)
}

// PerformAttach establishes a link on a session. The target slot is
// either Target (a regular node) or Coordinator (the transactional
// resource on a control link); at most one is non-nil.
type PerformAttach struct {
	Name                 string
	Handle               uint32
	Role                 encoding.Role
	SenderSettleMode     *encoding.SenderSettleMode
	ReceiverSettleMode   *encoding.ReceiverSettleMode
	Source               *Source
	Target               *Target
	Coordinator          *encoding.Coordinator
	Unsettled            encoding.Unsettled
	IncompleteUnsettled  bool
	InitialDeliveryCount uint32
	MaxMessageSize       uint64
	OfferedCapabilities  encoding.MultiSymbol
	DesiredCapabilities  encoding.MultiSymbol
	Properties           encoding.Fields
}

func (*PerformAttach) frameBody() {}

func (a *PerformAttach) Marshal(wr *buffer.Buffer) error {
	var target interface{}
	switch {
	case a.Coordinator != nil:
		target = a.Coordinator
	case a.Target != nil:
		target = a.Target
	}
	return encoding.MarshalComposite(wr, encoding.TypeCodeAttach, []encoding.MarshalField{
		{Value: &a.Name, Omit: false},
		{Value: &a.Handle, Omit: false},
		{Value: &a.Role, Omit: false},
		{Value: a.SenderSettleMode, Omit: a.SenderSettleMode == nil},
		{Value: a.ReceiverSettleMode, Omit: a.ReceiverSettleMode == nil},
		{Value: a.Source, Omit: a.Source == nil},
		{Value: target, Omit: target == nil},
		{Value: a.Unsettled, Omit: len(a.Unsettled) == 0},
		{Value: &a.IncompleteUnsettled, Omit: !a.IncompleteUnsettled},
		{Value: &a.InitialDeliveryCount, Omit: a.Role == encoding.RoleSender},
		{Value: &a.MaxMessageSize, Omit: a.MaxMessageSize == 0},
		{Value: &a.OfferedCapabilities, Omit: len(a.OfferedCapabilities) == 0},
		{Value: &a.DesiredCapabilities, Omit: len(a.DesiredCapabilities) == 0},
		{Value: a.Properties, Omit: len(a.Properties) == 0},
	})
}

// targetSlot decodes the attach target position, which may hold
// either a target or a coordinator composite.
type targetSlot struct {
	target      **Target
	coordinator **encoding.Coordinator
}

func (t targetSlot) Unmarshal(r *buffer.Buffer) error {
	buf, ok := r.Peek(3)
	if !ok {
		return fmt.Errorf("attach target truncated")
	}
	code, err := encoding.PeekMessageType(buf)
	if err != nil {
		return err
	}
	if encoding.AMQPType(code) == encoding.TypeCodeCoordinator {
		return encoding.Unmarshal(r, t.coordinator)
	}
	return encoding.Unmarshal(r, t.target)
}

func (a *PerformAttach) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeAttach, []encoding.UnmarshalField{
		{Field: &a.Name, HandleNull: func() error { return fmt.Errorf("Attach.Name is required") }},
		{Field: &a.Handle, HandleNull: func() error { return fmt.Errorf("Attach.Handle is required") }},
		{Field: &a.Role, HandleNull: func() error { return fmt.Errorf("Attach.Role is required") }},
		{Field: &a.SenderSettleMode},
		{Field: &a.ReceiverSettleMode},
		{Field: &a.Source},
		{Field: targetSlot{target: &a.Target, coordinator: &a.Coordinator}},
		{Field: &a.Unsettled},
		{Field: &a.IncompleteUnsettled},
		{Field: &a.InitialDeliveryCount},
		{Field: &a.MaxMessageSize},
		{Field: &a.OfferedCapabilities},
		{Field: &a.DesiredCapabilities},
		{Field: &a.Properties},
	}...)
}

func (a *PerformAttach) String() string {
	return fmt.Sprintf("Attach{Name: %s, Handle: %d, Role: %s, Source: %v, Target: %v}",
		a.Name, a.Handle, a.Role, a.Source, a.Target)
}

// PerformFlow updates flow-control state for a session or a link
// within it.
type PerformFlow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     encoding.Fields
}

func (*PerformFlow) frameBody() {}

func (f *PerformFlow) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeFlow, []encoding.MarshalField{
		{Value: f.NextIncomingID, Omit: f.NextIncomingID == nil},
		{Value: &f.IncomingWindow, Omit: false},
		{Value: &f.NextOutgoingID, Omit: false},
		{Value: &f.OutgoingWindow, Omit: false},
		{Value: f.Handle, Omit: f.Handle == nil},
		{Value: f.DeliveryCount, Omit: f.DeliveryCount == nil},
		{Value: f.LinkCredit, Omit: f.LinkCredit == nil},
		{Value: f.Available, Omit: f.Available == nil},
		{Value: &f.Drain, Omit: !f.Drain},
		{Value: &f.Echo, Omit: !f.Echo},
		{Value: f.Properties, Omit: len(f.Properties) == 0},
	})
}

func (f *PerformFlow) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeFlow, []encoding.UnmarshalField{
		{Field: &f.NextIncomingID},
		{Field: &f.IncomingWindow, HandleNull: func() error { return fmt.Errorf("Flow.IncomingWindow is required") }},
		{Field: &f.NextOutgoingID, HandleNull: func() error { return fmt.Errorf("Flow.NextOutgoingID is required") }},
		{Field: &f.OutgoingWindow, HandleNull: func() error { return fmt.Errorf("Flow.OutgoingWindow is required") }},
		{Field: &f.Handle},
		{Field: &f.DeliveryCount},
		{Field: &f.LinkCredit},
		{Field: &f.Available},
		{Field: &f.Drain},
		{Field: &f.Echo},
		{Field: &f.Properties},
	}...)
}

func (f *PerformFlow) String() string {
	return fmt.Sprintf("Flow{Handle: %v, DeliveryCount: %v, LinkCredit: %v, Drain: %t, Echo: %t}",
		f.Handle, f.DeliveryCount, f.LinkCredit, f.Drain, f.Echo)
}

// PerformTransfer carries a message, or a fragment of one, on a link.
type PerformTransfer struct {
	Handle             uint32
	DeliveryID         *uint32
	DeliveryTag        []byte
	MessageFormat      *uint32
	Settled            bool
	More               bool
	ReceiverSettleMode *encoding.ReceiverSettleMode
	State              encoding.DeliveryState
	Resume             bool
	Aborted            bool
	Batchable          bool
	Payload            []byte

	// Done is not wire-encoded. When set on the final fragment of a
	// delivery, the session resolves it with the peer's terminal
	// delivery state (or closes it immediately for settled sends).
	Done chan encoding.DeliveryState
}

func (*PerformTransfer) frameBody() {}

func (t *PerformTransfer) Marshal(wr *buffer.Buffer) error {
	err := encoding.MarshalComposite(wr, encoding.TypeCodeTransfer, []encoding.MarshalField{
		{Value: &t.Handle, Omit: false},
		{Value: t.DeliveryID, Omit: t.DeliveryID == nil},
		{Value: &t.DeliveryTag, Omit: len(t.DeliveryTag) == 0},
		{Value: t.MessageFormat, Omit: t.MessageFormat == nil},
		{Value: &t.Settled, Omit: !t.Settled},
		{Value: &t.More, Omit: !t.More},
		{Value: t.ReceiverSettleMode, Omit: t.ReceiverSettleMode == nil},
		{Value: t.State, Omit: t.State == nil},
		{Value: &t.Resume, Omit: !t.Resume},
		{Value: &t.Aborted, Omit: !t.Aborted},
		{Value: &t.Batchable, Omit: !t.Batchable},
	})
	if err != nil {
		return err
	}
	wr.Write(t.Payload)
	return nil
}

func (t *PerformTransfer) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeTransfer, []encoding.UnmarshalField{
		{Field: &t.Handle, HandleNull: func() error { return fmt.Errorf("Transfer.Handle is required") }},
		{Field: &t.DeliveryID},
		{Field: &t.DeliveryTag},
		{Field: &t.MessageFormat},
		{Field: &t.Settled},
		{Field: &t.More},
		{Field: &t.ReceiverSettleMode},
		{Field: &t.State},
		{Field: &t.Resume},
		{Field: &t.Aborted},
		{Field: &t.Batchable},
	}...)
	// Payload is filled in by ParseBody from whatever bytes remain.
}

func (t *PerformTransfer) String() string {
	return fmt.Sprintf("Transfer{Handle: %d, DeliveryID: %v, More: %t, Settled: %t, PayloadSize: %d}",
		t.Handle, t.DeliveryID, t.More, t.Settled, len(t.Payload))
}

// PerformDisposition communicates delivery-state changes for one or
// more deliveries on a session.
type PerformDisposition struct {
	Role      encoding.Role
	First     uint32
	Last      *uint32
	Settled   bool
	State     encoding.DeliveryState
	Batchable bool
}

func (*PerformDisposition) frameBody() {}

func (d *PerformDisposition) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDisposition, []encoding.MarshalField{
		{Value: &d.Role, Omit: false},
		{Value: &d.First, Omit: false},
		{Value: d.Last, Omit: d.Last == nil},
		{Value: &d.Settled, Omit: !d.Settled},
		{Value: d.State, Omit: d.State == nil},
		{Value: &d.Batchable, Omit: !d.Batchable},
	})
}

func (d *PerformDisposition) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDisposition, []encoding.UnmarshalField{
		{Field: &d.Role, HandleNull: func() error { return fmt.Errorf("Disposition.Role is required") }},
		{Field: &d.First, HandleNull: func() error { return fmt.Errorf("Disposition.First is required") }},
		{Field: &d.Last},
		{Field: &d.Settled},
		{Field: &d.State},
		{Field: &d.Batchable},
	}...)
}

func (d *PerformDisposition) String() string {
	return fmt.Sprintf("Disposition{Role: %s, First: %d, Last: %v, Settled: %t, State: %v}",
		d.Role, d.First, d.Last, d.Settled, d.State)
}

// PerformDetach removes a link from its session.
type PerformDetach struct {
	Handle uint32
	Closed bool
	Error  *encoding.Error
}

func (*PerformDetach) frameBody() {}

func (d *PerformDetach) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDetach, []encoding.MarshalField{
		{Value: &d.Handle, Omit: false},
		{Value: &d.Closed, Omit: !d.Closed},
		{Value: d.Error, Omit: d.Error == nil},
	})
}

func (d *PerformDetach) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDetach, []encoding.UnmarshalField{
		{Field: &d.Handle, HandleNull: func() error { return fmt.Errorf("Detach.Handle is required") }},
		{Field: &d.Closed},
		{Field: &d.Error},
	}...)
}

func (d *PerformDetach) String() string {
	return fmt.Sprintf("Detach{Handle: %d, Closed: %t, Error: %v}", d.Handle, d.Closed, d.Error)
}

// PerformEnd terminates a session.
type PerformEnd struct {
	Error *encoding.Error
}

func (*PerformEnd) frameBody() {}

func (e *PerformEnd) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeEnd, []encoding.MarshalField{
		{Value: e.Error, Omit: e.Error == nil},
	})
}

func (e *PerformEnd) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeEnd, encoding.UnmarshalField{Field: &e.Error})
}

func (e *PerformEnd) String() string { return fmt.Sprintf("End{Error: %v}", e.Error) }

// PerformClose terminates a connection.
type PerformClose struct {
	Error *encoding.Error
}

func (*PerformClose) frameBody() {}

func (c *PerformClose) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeClose, []encoding.MarshalField{
		{Value: c.Error, Omit: c.Error == nil},
	})
}

func (c *PerformClose) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeClose, encoding.UnmarshalField{Field: &c.Error})
}

func (c *PerformClose) String() string { return fmt.Sprintf("Close{Error: %v}", c.Error) }
