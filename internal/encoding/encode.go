package encoding

import (
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/amqp-core/amqp/internal/buffer"
)

// marshaler is implemented by every type in this package (and by
// Source/Target/performative structs built on top of it) that knows
// how to encode itself onto the wire.
type marshaler interface {
	Marshal(wr *buffer.Buffer) error
}

// MarshalField is one field of a described-list composite. Trailing
// omitted fields are dropped from the wire entirely; an omitted field
// followed by a present one is encoded as null.
type MarshalField struct {
	Value interface{}
	Omit  bool
}

// Marshal encodes v onto wr using the format code that matches v's
// concrete Go type, choosing the most compact valid encoding where the
// type system allows more than one (uint/ulong/list length forms).
func Marshal(wr *buffer.Buffer, v interface{}) error {
	if v == nil {
		wr.WriteByte(byte(TypeCodeNull))
		return nil
	}

	switch t := v.(type) {
	case marshaler:
		return t.Marshal(wr)

	case bool:
		return marshalBool(wr, t)
	case *bool:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		return marshalBool(wr, *t)

	case uint8:
		wr.Write([]byte{byte(TypeCodeUbyte), t})
		return nil
	case *uint8:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		wr.Write([]byte{byte(TypeCodeUbyte), *t})
		return nil

	case int8:
		wr.Write([]byte{byte(TypeCodeByte), byte(t)})
		return nil
	case *int8:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		wr.Write([]byte{byte(TypeCodeByte), byte(*t)})
		return nil

	case uint16:
		wr.WriteByte(byte(TypeCodeUshort))
		wr.WriteUint16(t)
		return nil
	case *uint16:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		wr.WriteByte(byte(TypeCodeUshort))
		wr.WriteUint16(*t)
		return nil

	case int16:
		wr.WriteByte(byte(TypeCodeShort))
		wr.WriteUint16(uint16(t))
		return nil
	case *int16:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		wr.WriteByte(byte(TypeCodeShort))
		wr.WriteUint16(uint16(*t))
		return nil

	case uint32:
		writeUint32(wr, t)
		return nil
	case *uint32:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		writeUint32(wr, *t)
		return nil

	case int32:
		writeInt32(wr, t)
		return nil
	case *int32:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		writeInt32(wr, *t)
		return nil

	case int:
		writeInt64(wr, int64(t))
		return nil
	case *int:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		writeInt64(wr, int64(*t))
		return nil

	case uint64:
		writeUint64(wr, t)
		return nil
	case *uint64:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		writeUint64(wr, *t)
		return nil

	case int64:
		writeInt64(wr, t)
		return nil
	case *int64:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		writeInt64(wr, *t)
		return nil

	case float32:
		wr.WriteByte(byte(TypeCodeFloat))
		wr.WriteUint32(math.Float32bits(t))
		return nil
	case float64:
		wr.WriteByte(byte(TypeCodeDouble))
		wr.WriteUint64(math.Float64bits(t))
		return nil

	case string:
		return writeString(wr, t)
	case *string:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		return writeString(wr, *t)

	case []byte:
		return writeBinary(wr, t)
	case *[]byte:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		return writeBinary(wr, *t)

	case time.Time:
		writeTimestamp(wr, t)
		return nil
	case *time.Time:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		writeTimestamp(wr, *t)
		return nil

	case *interface{}:
		if t == nil || *t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, *t)

	case []interface{}:
		return List(t).Marshal(wr)

	case map[Symbol]interface{}:
		return writeMap(wr, t)
	case map[string]interface{}:
		return writeMap(wr, t)
	case map[interface{}]interface{}:
		return writeMap(wr, t)

	default:
		return marshalUnsupported(v)
	}
}

func marshalBool(wr *buffer.Buffer, b bool) error {
	if b {
		wr.WriteByte(byte(TypeCodeBoolTrue))
	} else {
		wr.WriteByte(byte(TypeCodeBoolFalse))
	}
	return nil
}

func writeUint32(wr *buffer.Buffer, v uint32) {
	switch {
	case v == 0:
		wr.WriteByte(byte(TypeCodeUint0))
	case v <= math.MaxUint8:
		wr.WriteByte(byte(TypeCodeSmallUint))
		wr.WriteByte(byte(v))
	default:
		wr.WriteByte(byte(TypeCodeUint))
		wr.WriteUint32(v)
	}
}

func writeInt32(wr *buffer.Buffer, v int32) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		wr.WriteByte(byte(TypeCodeSmallint))
		wr.WriteByte(byte(v))
		return
	}
	wr.WriteByte(byte(TypeCodeInt))
	wr.WriteUint32(uint32(v))
}

func writeUint64(wr *buffer.Buffer, v uint64) {
	switch {
	case v == 0:
		wr.WriteByte(byte(TypeCodeUlong0))
	case v <= math.MaxUint8:
		wr.WriteByte(byte(TypeCodeSmallUlong))
		wr.WriteByte(byte(v))
	default:
		wr.WriteByte(byte(TypeCodeUlong))
		wr.WriteUint64(v)
	}
}

func writeInt64(wr *buffer.Buffer, v int64) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		wr.WriteByte(byte(TypeCodeSmalllong))
		wr.WriteByte(byte(v))
		return
	}
	wr.WriteByte(byte(TypeCodeLong))
	wr.WriteUint64(uint64(v))
}

func writeString(wr *buffer.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return errInvalidString
	}
	l := len(s)
	switch {
	case l < 256:
		wr.WriteByte(byte(TypeCodeStr8))
		wr.WriteByte(byte(l))
		wr.WriteString(s)
	case uint(l) <= math.MaxUint32:
		wr.WriteByte(byte(TypeCodeStr32))
		wr.WriteUint32(uint32(l))
		wr.WriteString(s)
	default:
		return errTooLong
	}
	return nil
}

func writeBinary(wr *buffer.Buffer, b []byte) error {
	l := len(b)
	switch {
	case l < 256:
		wr.WriteByte(byte(TypeCodeVbin8))
		wr.WriteByte(byte(l))
		wr.Write(b)
	case uint(l) <= math.MaxUint32:
		wr.WriteByte(byte(TypeCodeVbin32))
		wr.WriteUint32(uint32(l))
		wr.Write(b)
	default:
		return errTooLong
	}
	return nil
}

func writeTimestamp(wr *buffer.Buffer, t time.Time) {
	wr.WriteByte(byte(TypeCodeTimestamp))
	ms := t.UnixNano() / int64(time.Millisecond)
	wr.WriteUint64(uint64(ms))
}

// writeMap encodes any Go map as an AMQP map, in map32 form. Iteration
// order is nondeterministic, matching the type's lack of wire-level
// ordering guarantees.
func writeMap[K comparable, V any](wr *buffer.Buffer, m map[K]V) error {
	if m == nil {
		wr.WriteByte(byte(TypeCodeNull))
		return nil
	}

	wr.WriteByte(byte(TypeCodeMap32))
	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	wr.WriteUint32(uint32(len(m) * 2))

	for k, v := range m {
		if err := Marshal(wr, k); err != nil {
			return err
		}
		if err := Marshal(wr, v); err != nil {
			return err
		}
	}

	putUint32(wr.Bytes()[sizeIdx:], uint32(wr.Len()-(sizeIdx+4)))
	return nil
}

// writeArrayHeader writes an array constructor for length fixed-size
// elements (elementSize bytes each) of the given element type code.
func writeArrayHeader(wr *buffer.Buffer, length, elementSize int, code AMQPType) {
	total := length*elementSize + 1 // + element constructor byte
	if length <= math.MaxUint8 && total+1 <= math.MaxUint8 {
		wr.WriteByte(byte(TypeCodeArray8))
		wr.WriteByte(byte(total + 1)) // + count byte
		wr.WriteByte(byte(length))
		wr.WriteByte(byte(code))
		return
	}
	wr.WriteByte(byte(TypeCodeArray32))
	wr.WriteUint32(uint32(total + 4))
	wr.WriteUint32(uint32(length))
	wr.WriteByte(byte(code))
}

// writeVariableArrayHeader writes an array constructor for length
// variable-size elements (str/sym/binary) whose encoded payload bytes
// (excluding their own size prefixes) total elementsSizeTotal.
func writeVariableArrayHeader(wr *buffer.Buffer, length, elementsSizeTotal int, code AMQPType) {
	prefixSize := 1
	if code == TypeCodeSym32 || code == TypeCodeStr32 || code == TypeCodeVbin32 {
		prefixSize = 4
	}
	total := length*prefixSize + elementsSizeTotal + 1 // + element constructor byte
	if prefixSize == 1 && length <= math.MaxUint8 && total+1 <= math.MaxUint8 {
		wr.WriteByte(byte(TypeCodeArray8))
		wr.WriteByte(byte(total + 1))
		wr.WriteByte(byte(length))
		wr.WriteByte(byte(code))
		return
	}
	wr.WriteByte(byte(TypeCodeArray32))
	wr.WriteUint32(uint32(total + 4))
	wr.WriteUint32(uint32(length))
	wr.WriteByte(byte(code))
}

func writeDescriptor(wr *buffer.Buffer, code AMQPType) {
	wr.WriteByte(byte(TypeCodeSmallUlong))
	wr.WriteByte(byte(code))
}

// MarshalComposite encodes a described-list composite: the 0x0
// descriptor marker, a smallulong descriptor carrying code, and the
// field list with trailing omitted fields truncated rather than
// written as null.
func MarshalComposite(wr *buffer.Buffer, code AMQPType, fields []MarshalField) error {
	for len(fields) > 0 && fields[len(fields)-1].Omit {
		fields = fields[:len(fields)-1]
	}

	wr.WriteByte(0x0)
	writeDescriptor(wr, code)

	if len(fields) == 0 {
		wr.WriteByte(byte(TypeCodeList0))
		return nil
	}

	wr.WriteByte(byte(TypeCodeList32))
	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	wr.WriteUint32(uint32(len(fields)))

	for _, f := range fields {
		if f.Omit {
			wr.WriteByte(byte(TypeCodeNull))
			continue
		}
		if err := Marshal(wr, f.Value); err != nil {
			return err
		}
	}

	putUint32(wr.Bytes()[sizeIdx:], uint32(wr.Len()-(sizeIdx+4)))
	return nil
}

func marshalUnsupported(v interface{}) error {
	return fmt.Errorf("encoding: marshal: unsupported type %T", v)
}
