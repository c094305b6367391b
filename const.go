package amqp

import "github.com/amqp-core/amqp/internal/encoding"

// Sender settlement modes.
const (
	// Sender will send all deliveries initially unsettled to the receiver.
	SenderSettleModeUnsettled SenderSettleMode = encoding.SenderSettleModeUnsettled

	// Sender will send all deliveries settled to the receiver.
	SenderSettleModeSettled SenderSettleMode = encoding.SenderSettleModeSettled

	// Sender MAY send a mixture of settled and unsettled deliveries to the receiver.
	SenderSettleModeMixed SenderSettleMode = encoding.SenderSettleModeMixed
)

// SenderSettleMode specifies how the sender will settle messages.
type SenderSettleMode = encoding.SenderSettleMode

// Receiver settlement modes.
const (
	// Receiver is the first to consider the message as settled.
	ReceiverSettleModeFirst ReceiverSettleMode = encoding.ReceiverSettleModeFirst

	// Receiver is the second to consider the message as settled; the
	// sender settles only after seeing the receiver's disposition.
	ReceiverSettleModeSecond ReceiverSettleMode = encoding.ReceiverSettleModeSecond
)

// ReceiverSettleMode specifies how the receiver will settle messages.
type ReceiverSettleMode = encoding.ReceiverSettleMode

// Durability policies for a link terminus.
const (
	// No terminus state is retained durably.
	DurabilityNone Durability = encoding.DurabilityNone

	// Only the existence and configuration of the terminus is retained durably.
	DurabilityConfiguration Durability = encoding.DurabilityConfiguration

	// The configuration and the unsettled state of the terminus is retained durably.
	DurabilityUnsettledState Durability = encoding.DurabilityUnsettledState
)

// Durability specifies the durability of a link terminus.
type Durability = encoding.Durability

// Expiry policies for a link terminus.
const (
	// The expiry timer starts when the terminus is detached.
	ExpiryPolicyLinkDetach ExpiryPolicy = encoding.ExpiryLinkDetach

	// The expiry timer starts when the most recently associated session is ended.
	ExpiryPolicySessionEnd ExpiryPolicy = encoding.ExpirySessionEnd

	// The expiry timer starts when most recently associated connection is closed.
	ExpiryPolicyConnectionClose ExpiryPolicy = encoding.ExpiryConnectionClose

	// The terminus never expires.
	ExpiryPolicyNever ExpiryPolicy = encoding.ExpiryNever
)

// ExpiryPolicy specifies when the expiry timer of a terminus starts counting
// down from the timeout value.
type ExpiryPolicy = encoding.ExpiryPolicy

// Annotations keys must be of type string, int, or int64.
type Annotations = encoding.Annotations

// UUID is a 128 bit identifier as defined in RFC 4122.
type UUID = encoding.UUID
