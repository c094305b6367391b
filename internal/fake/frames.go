package fake

import (
	"github.com/amqp-core/amqp/internal/buffer"
	"github.com/amqp-core/amqp/internal/encoding"
	"github.com/amqp-core/amqp/internal/frames"
)

// EncodeFrame encodes body as a complete frame (header + payload) of
// the given frame type on channel.
func EncodeFrame(frameType uint8, channel uint16, body frames.FrameBody) ([]byte, error) {
	wr := buffer.New(nil)
	if m, ok := body.(interface{ Marshal(*buffer.Buffer) error }); ok {
		if err := m.Marshal(wr); err != nil {
			return nil, err
		}
	}

	hdr := frames.Header{
		Size:       uint32(frames.HeaderSize + wr.Len()),
		DataOffset: 2,
		FrameType:  frameType,
		Channel:    channel,
	}

	out := hdr.Marshal()
	out = append(out, wr.Bytes()...)
	return out, nil
}

// PerformOpen builds a server Open response frame on channel 0.
func PerformOpen(containerID string) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, 0, &frames.PerformOpen{
		ContainerID:  containerID,
		MaxFrameSize: 4294967295,
		ChannelMax:   65535,
	})
}

// PerformBegin builds a server Begin response, addressed to the
// client's channel and naming remoteChannel as the client's channel
// number it is answering.
func PerformBegin(channel, remoteChannel uint16) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformBegin{
		RemoteChannel:  &remoteChannel,
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 5000,
		HandleMax:      4294967295,
	})
}

// PerformEnd builds a server End frame, optionally carrying err.
func PerformEnd(channel uint16, err *encoding.Error) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformEnd{Error: err})
}

// PerformClose builds a server Close frame, optionally carrying err.
func PerformClose(err *encoding.Error) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, 0, &frames.PerformClose{Error: err})
}

// PerformDetach builds a server Detach frame for handle.
func PerformDetach(channel uint16, handle uint32, err *encoding.Error) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformDetach{
		Handle: handle,
		Closed: true,
		Error:  err,
	})
}

// SenderAttach builds the server's Attach response to a client Sender
// attach request: the server plays the receiver role and supplies a
// Target so the attach completes.
func SenderAttach(channel uint16, name string, handle uint32, mode encoding.SenderSettleMode) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformAttach{
		Name:                 name,
		Handle:               handle,
		Role:                 encoding.RoleReceiver,
		SenderSettleMode:     &mode,
		Source:               &frames.Source{},
		Target:               &frames.Target{},
		InitialDeliveryCount: 0,
		MaxMessageSize:       0,
	})
}

// ReceiverAttach builds the server's Attach response to a client
// Receiver attach request: the server plays the sender role and
// supplies a Source.
func ReceiverAttach(channel uint16, name string, handle uint32, mode encoding.ReceiverSettleMode) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformAttach{
		Name:               name,
		Handle:             handle,
		Role:               encoding.RoleSender,
		ReceiverSettleMode: &mode,
		Source:             &frames.Source{},
		Target:             &frames.Target{},
	})
}

// PerformDisposition builds a Disposition frame settling [first, last].
func PerformDisposition(role encoding.Role, channel uint16, deliveryID uint32, last *uint32, state encoding.DeliveryState) ([]byte, error) {
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformDisposition{
		Role:    role,
		First:   deliveryID,
		Last:    last,
		Settled: true,
		State:   state,
	})
}

// PerformTransfer builds a Transfer frame carrying payload.
func PerformTransfer(channel uint16, handle uint32, deliveryID uint32, payload []byte) ([]byte, error) {
	format := uint32(0)
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformTransfer{
		Handle:        handle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte{1},
		MessageFormat: &format,
		Payload:       payload,
	})
}

// PerformFlow builds a Flow frame granting credit on handle.
func PerformFlow(channel uint16, handle uint32, deliveryCount, credit uint32) ([]byte, error) {
	nextIn := uint32(0)
	return EncodeFrame(frames.TypeAMQP, channel, &frames.PerformFlow{
		NextIncomingID: &nextIn,
		IncomingWindow: 2147483647,
		NextOutgoingID: 1,
		OutgoingWindow: 2147483647,
		Handle:         &handle,
		DeliveryCount:  &deliveryCount,
		LinkCredit:     &credit,
	})
}
