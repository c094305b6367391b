package amqp

import (
	"fmt"
	"time"

	"github.com/amqp-core/amqp/internal/buffer"
	"github.com/amqp-core/amqp/internal/encoding"
)

// Message is an AMQP message.
type Message struct {
	// Message format code.
	//
	// The upper three octets of a message format code identify a particular message
	// format. The lowest octet indicates the version of said message format. Any
	// given version of a format is forwards compatible with all higher versions.
	Format uint32

	// The DeliveryTag can be up to 32 octets of binary data.
	// Note that when mode one is enabled there will be no delivery tag.
	DeliveryTag []byte

	// The header section carries standard delivery details about the transfer
	// of a message through the AMQP network.
	Header *MessageHeader

	// The delivery-annotations section is used for delivery-specific non-standard
	// properties at the head of the message. Delivery annotations convey information
	// from the sending peer to the receiving peer.
	DeliveryAnnotations Annotations

	// The message-annotations section is used for properties of the message which
	// are aimed at the infrastructure and SHOULD be propagated across every
	// delivery step.
	Annotations Annotations

	// The properties section is used for a defined set of standard properties of
	// the message.
	Properties *MessageProperties

	// The application-properties section is a part of the bare message used for
	// structured application data. Intermediaries can use the data within this
	// structure for the purposes of filtering or routing.
	ApplicationProperties map[string]any

	// Data payloads. A message with more than one entry is a batch of
	// independently-framed data sections belonging to one logical body.
	Data [][]byte

	// Value payload.
	Value any

	// Sequence will contain AMQP sequence sections from the body of the message.
	Sequence [][]any

	// The footer section is used for details about the message or delivery which
	// can only be calculated or evaluated once the whole bare message has been
	// constructed or seen (for example message hashes, HMACs, signatures and
	// encryption details).
	Footer Annotations

	// rawData contains the raw bytes of the message as received,
	// allowing relays to forward without a decode/re-encode round trip.
	rawData []byte

	deliveryID uint32 // used when sending disposition
	settled    bool   // whether the message has been settled
	receiver   *Receiver
}

// NewMessage returns a *Message with data as the payload.
//
// This constructor is intended as a helper for basic Messages with a
// single data payload. It is valid to construct a Message directly for
// more complex scenarios.
func NewMessage(data []byte) *Message {
	return &Message{
		Data: [][]byte{data},
	}
}

// GetData returns the first []byte from the Data field or nil if Data is empty.
func (m *Message) GetData() []byte {
	if len(m.Data) < 1 {
		return nil
	}
	return m.Data[0]
}

// GetRawData returns the message exactly as it appeared on the wire,
// or nil if the message was locally constructed.
func (m *Message) GetRawData() []byte {
	return m.rawData
}

// MarshalBinary encodes the message into binary form.
func (m *Message) MarshalBinary() ([]byte, error) {
	buf := &buffer.Buffer{}
	err := m.Marshal(buf)
	return buf.Detach(), err
}

func (m *Message) Marshal(wr *buffer.Buffer) error {
	if m.Header != nil {
		if err := m.Header.Marshal(wr); err != nil {
			return err
		}
	}

	if m.DeliveryAnnotations != nil {
		writeDescriptor(wr, encoding.TypeCodeDeliveryAnnotations)
		if err := encoding.Marshal(wr, m.DeliveryAnnotations); err != nil {
			return err
		}
	}

	if m.Annotations != nil {
		writeDescriptor(wr, encoding.TypeCodeMessageAnnotations)
		if err := encoding.Marshal(wr, m.Annotations); err != nil {
			return err
		}
	}

	if m.Properties != nil {
		if err := m.Properties.Marshal(wr); err != nil {
			return err
		}
	}

	if m.ApplicationProperties != nil {
		writeDescriptor(wr, encoding.TypeCodeApplicationProperties)
		if err := encoding.Marshal(wr, m.ApplicationProperties); err != nil {
			return err
		}
	}

	for _, data := range m.Data {
		writeDescriptor(wr, encoding.TypeCodeApplicationData)
		if err := encoding.Marshal(wr, data); err != nil {
			return err
		}
	}

	if m.Value != nil {
		writeDescriptor(wr, encoding.TypeCodeAMQPValue)
		if err := encoding.Marshal(wr, m.Value); err != nil {
			return err
		}
	}

	for _, seq := range m.Sequence {
		writeDescriptor(wr, encoding.TypeCodeAMQPSequence)
		if err := encoding.Marshal(wr, seq); err != nil {
			return err
		}
	}

	if m.Footer != nil {
		writeDescriptor(wr, encoding.TypeCodeFooter)
		if err := encoding.Marshal(wr, m.Footer); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalBinary decodes the message from binary form.
func (m *Message) UnmarshalBinary(data []byte) error {
	buf := buffer.New(data)
	return m.Unmarshal(buf)
}

func (m *Message) Unmarshal(r *buffer.Buffer) error {
	// decode the sections in order; a decode failure is surfaced
	// rather than treated as end-of-message
	for r.Len() > 0 {
		code, err := encoding.PeekMessageType(r.Bytes())
		if err != nil {
			return err
		}

		switch encoding.AMQPType(code) {
		case encoding.TypeCodeMessageHeader:
			m.Header = new(MessageHeader)
			err = m.Header.Unmarshal(r)

		case encoding.TypeCodeDeliveryAnnotations:
			if err = skipDescriptor(r); err != nil {
				return err
			}
			m.DeliveryAnnotations = Annotations{}
			err = encoding.Unmarshal(r, &m.DeliveryAnnotations)

		case encoding.TypeCodeMessageAnnotations:
			if err = skipDescriptor(r); err != nil {
				return err
			}
			m.Annotations = Annotations{}
			err = encoding.Unmarshal(r, &m.Annotations)

		case encoding.TypeCodeMessageProperties:
			m.Properties = new(MessageProperties)
			err = m.Properties.Unmarshal(r)

		case encoding.TypeCodeApplicationProperties:
			if err = skipDescriptor(r); err != nil {
				return err
			}
			m.ApplicationProperties = map[string]any{}
			err = encoding.Unmarshal(r, &m.ApplicationProperties)

		case encoding.TypeCodeApplicationData:
			if err = skipDescriptor(r); err != nil {
				return err
			}
			var data []byte
			if err = encoding.Unmarshal(r, &data); err == nil {
				m.Data = append(m.Data, data)
			}

		case encoding.TypeCodeAMQPValue:
			if err = skipDescriptor(r); err != nil {
				return err
			}
			err = encoding.Unmarshal(r, &m.Value)

		case encoding.TypeCodeAMQPSequence:
			if err = skipDescriptor(r); err != nil {
				return err
			}
			var seq []any
			if err = encoding.Unmarshal(r, &seq); err == nil {
				m.Sequence = append(m.Sequence, seq)
			}

		case encoding.TypeCodeFooter:
			if err = skipDescriptor(r); err != nil {
				return err
			}
			m.Footer = Annotations{}
			err = encoding.Unmarshal(r, &m.Footer)

		default:
			return fmt.Errorf("unknown message section %#02x", code)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeDescriptor writes the described-type prefix for a message
// section: the 0x00 marker plus a small-ulong descriptor.
func writeDescriptor(wr *buffer.Buffer, code encoding.AMQPType) {
	wr.Write([]byte{0x0, byte(encoding.TypeCodeSmallUlong), byte(code)})
}

// skipDescriptor consumes the described-type prefix of the next
// section, leaving the section's value at the front of r.
func skipDescriptor(r *buffer.Buffer) error {
	if _, err := r.ReadByte(); err != nil { // 0x00
		return err
	}
	typ, err := r.ReadByte()
	if err != nil {
		return err
	}
	switch encoding.AMQPType(typ) {
	case encoding.TypeCodeUlong0:
		return nil
	case encoding.TypeCodeSmallUlong:
		_, err = r.ReadByte()
		return err
	case encoding.TypeCodeUlong:
		if _, ok := r.Next(8); !ok {
			return fmt.Errorf("invalid ulong descriptor")
		}
		return nil
	default:
		return fmt.Errorf("unexpected descriptor type %#02x", typ)
	}
}

// MessageHeader carries standard delivery details about the transfer
// of a message.
type MessageHeader struct {
	Durable       bool
	Priority      uint8
	TTL           time.Duration // from milliseconds
	FirstAcquirer bool
	DeliveryCount uint32
}

// default priority per the messaging specification
const defaultPriority = 4

func (h *MessageHeader) Marshal(wr *buffer.Buffer) error {
	priority := h.Priority
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageHeader, []encoding.MarshalField{
		{Value: &h.Durable, Omit: !h.Durable},
		{Value: &priority, Omit: priority == defaultPriority || priority == 0},
		{Value: encoding.Milliseconds(h.TTL), Omit: h.TTL == 0},
		{Value: &h.FirstAcquirer, Omit: !h.FirstAcquirer},
		{Value: &h.DeliveryCount, Omit: h.DeliveryCount == 0},
	})
}

func (h *MessageHeader) Unmarshal(r *buffer.Buffer) error {
	h.Priority = defaultPriority
	return encoding.UnmarshalComposite(r, encoding.TypeCodeMessageHeader, []encoding.UnmarshalField{
		{Field: &h.Durable},
		{Field: &h.Priority},
		{Field: (*encoding.Milliseconds)(&h.TTL)},
		{Field: &h.FirstAcquirer},
		{Field: &h.DeliveryCount},
	}...)
}

// MessageProperties is the defined set of properties for AMQP messages.
type MessageProperties struct {
	// Message-id, if set, uniquely identifies a message within the message system.
	// The message producer is usually responsible for setting the message-id in
	// such a way that it is assured to be globally unique. A broker MAY discard a
	// message as a duplicate if the value of the message-id matches that of a
	// previously received message sent to the same node.
	//
	// The value is restricted to the following types
	//   - uint64, UUID, []byte, or string
	MessageID any

	// The identity of the user responsible for producing the message.
	// The client sets this value, and it MAY be authenticated by intermediaries.
	UserID []byte

	// The to field identifies the node that is the intended destination of the message.
	// On any given transfer this might not be the node at the receiving end of the link.
	To *string

	// A common field for summary information about the message content and purpose.
	Subject *string

	// The address of the node to send replies to.
	ReplyTo *string

	// This is a client-specific id that can be used to mark or identify messages
	// between clients.
	//
	// The value is restricted to the following types
	//   - uint64, UUID, []byte, or string
	CorrelationID any

	// The RFC-2046 MIME type for the message's application-data section (body).
	ContentType *string

	// The content-encoding property is used as a modifier to the content-type.
	ContentEncoding *string

	// The time when this message is considered expired.
	AbsoluteExpiryTime *time.Time

	// The time when this message was created.
	CreationTime *time.Time

	// Identifies the group the message belongs to.
	GroupID *string

	// The relative position of this message within its group.
	GroupSequence *uint32 // RFC-1982 sequence number

	// This is a client-specific id that is used so that client can send replies
	// to this message to a specific group.
	ReplyToGroupID *string
}

func (p *MessageProperties) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageProperties, []encoding.MarshalField{
		{Value: p.MessageID, Omit: p.MessageID == nil},
		{Value: &p.UserID, Omit: len(p.UserID) == 0},
		{Value: p.To, Omit: p.To == nil},
		{Value: p.Subject, Omit: p.Subject == nil},
		{Value: p.ReplyTo, Omit: p.ReplyTo == nil},
		{Value: p.CorrelationID, Omit: p.CorrelationID == nil},
		{Value: (*encoding.Symbol)(p.ContentType), Omit: p.ContentType == nil},
		{Value: (*encoding.Symbol)(p.ContentEncoding), Omit: p.ContentEncoding == nil},
		{Value: p.AbsoluteExpiryTime, Omit: p.AbsoluteExpiryTime == nil},
		{Value: p.CreationTime, Omit: p.CreationTime == nil},
		{Value: p.GroupID, Omit: p.GroupID == nil},
		{Value: p.GroupSequence, Omit: p.GroupSequence == nil},
		{Value: p.ReplyToGroupID, Omit: p.ReplyToGroupID == nil},
	})
}

func (p *MessageProperties) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeMessageProperties, []encoding.UnmarshalField{
		{Field: &p.MessageID},
		{Field: &p.UserID},
		{Field: &p.To},
		{Field: &p.Subject},
		{Field: &p.ReplyTo},
		{Field: &p.CorrelationID},
		{Field: &p.ContentType},
		{Field: &p.ContentEncoding},
		{Field: &p.AbsoluteExpiryTime},
		{Field: &p.CreationTime},
		{Field: &p.GroupID},
		{Field: &p.GroupSequence},
		{Field: &p.ReplyToGroupID},
	}...)
}
