package encoding

import (
	"fmt"
	"math"
	"time"

	"github.com/amqp-core/amqp/internal/buffer"
)

// unmarshaler is implemented by every type in this package that knows
// how to decode itself from the wire.
type unmarshaler interface {
	Unmarshal(r *buffer.Buffer) error
}

// UnmarshalField is one expected field of a described-list composite.
// handleNull (if set) runs both when the field is wire-encoded as null
// and when the list was truncated before reaching this field's index.
type UnmarshalField struct {
	Field      interface{}
	HandleNull func() error
}

func readType(r *buffer.Buffer) (AMQPType, error) {
	b, err := r.ReadByte()
	return AMQPType(b), err
}

// Unmarshal decodes the next wire value into i, which must be a
// pointer to one of the types this package knows how to decode, or a
// type implementing unmarshaler (directly or via pointer promotion).
func Unmarshal(r *buffer.Buffer, i interface{}) error {
	switch t := i.(type) {
	case *interface{}:
		v, err := ReadAny(r)
		if err != nil {
			return err
		}
		*t = v
		return nil

	case unmarshaler:
		return t.Unmarshal(r)

	case *bool:
		v, err := ReadBool(r)
		*t = v
		return err
	case *uint8:
		v, err := ReadUbyte(r)
		*t = v
		return err
	case *int8:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			return nil
		}
		r.Skip(1)
		v, err := r.ReadByte()
		*t = int8(v)
		return err
	case *uint16:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			return nil
		}
		r.Skip(1)
		buf, ok := r.Next(2)
		if !ok {
			return errUnexpectedEOF
		}
		*t = beUint16(buf)
		return nil
	case *int16:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			return nil
		}
		r.Skip(1)
		buf, ok := r.Next(2)
		if !ok {
			return errUnexpectedEOF
		}
		*t = int16(beUint16(buf))
		return nil
	case *uint32:
		v, err := ReadUint(r)
		*t = v
		return err
	case *int32:
		v, err := readIntValue(r)
		*t = v
		return err
	case *int:
		v, err := readLongValue(r)
		*t = int(v)
		return err
	case *uint64:
		v, err := readUlongValue(r)
		*t = v
		return err
	case *int64:
		v, err := readLongValue(r)
		*t = v
		return err
	case *float32:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			return nil
		}
		r.Skip(1)
		buf, ok := r.Next(4)
		if !ok {
			return errUnexpectedEOF
		}
		*t = math.Float32frombits(beUint32(buf))
		return nil
	case *float64:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			return nil
		}
		r.Skip(1)
		buf, ok := r.Next(8)
		if !ok {
			return errUnexpectedEOF
		}
		*t = math.Float64frombits(beUint64(buf))
		return nil
	case *string:
		v, err := ReadString(r)
		*t = v
		return err
	case *[]byte:
		v, err := ReadBinary(r)
		*t = v
		return err
	case *time.Time:
		v, err := ReadTimestamp(r)
		*t = v
		return err
	case *UUID:
		v, err := ReadUUID(r)
		*t = v
		return err
	case **Error:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			*t = nil
			return nil
		}
		var e Error
		if err := e.Unmarshal(r); err != nil {
			return err
		}
		*t = &e
		return nil
	case *DeliveryState:
		v, err := readDeliveryState(r)
		*t = v
		return err
	case **Source:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			*t = nil
			return nil
		}
		var v Source
		if err := v.Unmarshal(r); err != nil {
			return err
		}
		*t = &v
		return nil
	case **Target:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			*t = nil
			return nil
		}
		var v Target
		if err := v.Unmarshal(r); err != nil {
			return err
		}
		*t = &v
		return nil
	case **Coordinator:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			*t = nil
			return nil
		}
		var v Coordinator
		if err := v.Unmarshal(r); err != nil {
			return err
		}
		*t = &v
		return nil
	case **string:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			*t = nil
			return nil
		}
		v, err := ReadString(r)
		if err != nil {
			return err
		}
		*t = &v
		return nil
	case **time.Time:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			*t = nil
			return nil
		}
		v, err := ReadTimestamp(r)
		if err != nil {
			return err
		}
		*t = &v
		return nil
	case **uint16:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			*t = nil
			return nil
		}
		var v uint16
		if err := Unmarshal(r, &v); err != nil {
			return err
		}
		*t = &v
		return nil
	case **uint32:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			*t = nil
			return nil
		}
		var v uint32
		if err := Unmarshal(r, &v); err != nil {
			return err
		}
		*t = &v
		return nil
	case **SenderSettleMode:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			*t = nil
			return nil
		}
		var v SenderSettleMode
		if err := v.Unmarshal(r); err != nil {
			return err
		}
		*t = &v
		return nil
	case **ReceiverSettleMode:
		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			*t = nil
			return nil
		}
		var v ReceiverSettleMode
		if err := v.Unmarshal(r); err != nil {
			return err
		}
		*t = &v
		return nil
	case *map[Symbol]interface{}:
		m, err := unmarshalGenericMapSymbol(r)
		*t = m
		return err
	case *map[string]interface{}:
		m, err := unmarshalGenericMapString(r)
		*t = m
		return err
	case *map[interface{}]interface{}:
		m, err := unmarshalGenericMapAny(r)
		*t = m
		return err
	case *[]interface{}:
		var l List
		if err := l.Unmarshal(r); err != nil {
			return err
		}
		*t = []interface{}(l)
		return nil

	default:
		return fmt.Errorf("encoding: unmarshal: unsupported type %T", i)
	}
}

func unmarshalGenericMapString(r *buffer.Buffer) (map[string]interface{}, error) {
	count, err := ReadMapHeader(r)
	if err != nil {
		return nil, err
	}
	m := make(map[string]interface{}, count/2)
	for i := uint32(0); i < count; i += 2 {
		k, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		v, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// ReadBool decodes a boolean value in any of its three wire forms.
func ReadBool(r *buffer.Buffer) (bool, error) {
	t, err := readType(r)
	if err != nil {
		return false, err
	}
	switch t {
	case TypeCodeNull:
		return false, nil
	case TypeCodeBool:
		b, err := r.ReadByte()
		return b != 0, err
	case TypeCodeBoolTrue:
		return true, nil
	case TypeCodeBoolFalse:
		return false, nil
	default:
		return false, fmt.Errorf("invalid type for bool %#02x", t)
	}
}

// ReadUbyte decodes a ubyte value.
func ReadUbyte(r *buffer.Buffer) (uint8, error) {
	t, err := readType(r)
	if err != nil {
		return 0, err
	}
	switch t {
	case TypeCodeNull:
		return 0, nil
	case TypeCodeUbyte:
		return r.ReadByte()
	default:
		return 0, fmt.Errorf("invalid type for ubyte %#02x", t)
	}
}

// ReadUint decodes a uint value in any of its three wire forms.
func ReadUint(r *buffer.Buffer) (uint32, error) {
	t, err := readType(r)
	if err != nil {
		return 0, err
	}
	switch t {
	case TypeCodeNull, TypeCodeUint0:
		return 0, nil
	case TypeCodeSmallUint:
		b, err := r.ReadByte()
		return uint32(b), err
	case TypeCodeUint:
		buf, ok := r.Next(4)
		if !ok {
			return 0, errUnexpectedEOF
		}
		return beUint32(buf), nil
	default:
		return 0, fmt.Errorf("invalid type for uint32 %#02x", t)
	}
}

func readUlongValue(r *buffer.Buffer) (uint64, error) {
	t, err := readType(r)
	if err != nil {
		return 0, err
	}
	switch t {
	case TypeCodeNull, TypeCodeUlong0:
		return 0, nil
	case TypeCodeSmallUlong:
		b, err := r.ReadByte()
		return uint64(b), err
	case TypeCodeUlong:
		buf, ok := r.Next(8)
		if !ok {
			return 0, errUnexpectedEOF
		}
		return beUint64(buf), nil
	default:
		return 0, fmt.Errorf("invalid type for ulong %#02x", t)
	}
}

func readIntValue(r *buffer.Buffer) (int32, error) {
	t, err := readType(r)
	if err != nil {
		return 0, err
	}
	switch t {
	case TypeCodeNull:
		return 0, nil
	case TypeCodeSmallint:
		b, err := r.ReadByte()
		return int32(int8(b)), err
	case TypeCodeInt:
		buf, ok := r.Next(4)
		if !ok {
			return 0, errUnexpectedEOF
		}
		return int32(beUint32(buf)), nil
	default:
		return 0, fmt.Errorf("invalid type for int %#02x", t)
	}
}

func readLongValue(r *buffer.Buffer) (int64, error) {
	t, err := readType(r)
	if err != nil {
		return 0, err
	}
	switch t {
	case TypeCodeNull:
		return 0, nil
	case TypeCodeSmalllong:
		b, err := r.ReadByte()
		return int64(int8(b)), err
	case TypeCodeLong:
		buf, ok := r.Next(8)
		if !ok {
			return 0, errUnexpectedEOF
		}
		return int64(beUint64(buf)), nil
	default:
		return 0, fmt.Errorf("invalid type for long %#02x", t)
	}
}

// ReadString decodes a str8/str32/sym8/sym32 value; the symbol forms
// are accepted since, structurally, a symbol is a restricted string.
func ReadString(r *buffer.Buffer) (string, error) {
	t, err := readType(r)
	if err != nil {
		return "", err
	}
	switch t {
	case TypeCodeNull:
		return "", nil
	case TypeCodeStr8, TypeCodeSym8:
		n, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		buf, ok := r.Next(int(n))
		if !ok {
			return "", errUnexpectedEOF
		}
		return string(buf), nil
	case TypeCodeStr32, TypeCodeSym32:
		buf, ok := r.Next(4)
		if !ok {
			return "", errUnexpectedEOF
		}
		n := beUint32(buf)
		buf, ok = r.Next(int(n))
		if !ok {
			return "", errUnexpectedEOF
		}
		return string(buf), nil
	default:
		return "", fmt.Errorf("invalid type for string %#02x", t)
	}
}

// ReadBinary decodes a vbin8/vbin32 value.
func ReadBinary(r *buffer.Buffer) ([]byte, error) {
	t, err := readType(r)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeCodeNull:
		return nil, nil
	case TypeCodeVbin8:
		n, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf, ok := r.Next(int(n))
		if !ok {
			return nil, errUnexpectedEOF
		}
		return append([]byte(nil), buf...), nil
	case TypeCodeVbin32:
		buf, ok := r.Next(4)
		if !ok {
			return nil, errUnexpectedEOF
		}
		n := beUint32(buf)
		buf, ok = r.Next(int(n))
		if !ok {
			return nil, errUnexpectedEOF
		}
		return append([]byte(nil), buf...), nil
	default:
		return nil, fmt.Errorf("invalid type for binary %#02x", t)
	}
}

// ReadTimestamp decodes a timestamp value (milliseconds since epoch).
func ReadTimestamp(r *buffer.Buffer) (time.Time, error) {
	t, err := readType(r)
	if err != nil {
		return time.Time{}, err
	}
	switch t {
	case TypeCodeNull:
		return time.Time{}, nil
	case TypeCodeTimestamp:
		buf, ok := r.Next(8)
		if !ok {
			return time.Time{}, errUnexpectedEOF
		}
		ms := int64(beUint64(buf))
		return time.Unix(ms/1000, (ms%1000)*1000000).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("invalid type for timestamp %#02x", t)
	}
}

// ReadUUID decodes a uuid value.
func ReadUUID(r *buffer.Buffer) (UUID, error) {
	t, err := readType(r)
	if err != nil {
		return UUID{}, err
	}
	switch t {
	case TypeCodeNull:
		return UUID{}, nil
	case TypeCodeUUID:
		var u UUID
		buf, ok := r.Next(16)
		if !ok {
			return u, errUnexpectedEOF
		}
		copy(u[:], buf)
		return u, nil
	default:
		return UUID{}, fmt.Errorf("invalid type for uuid %#02x", t)
	}
}

// ReadMapHeader decodes a map8/map32 header and returns the element
// count (keys + values, so always even).
func ReadMapHeader(r *buffer.Buffer) (uint32, error) {
	t, err := readType(r)
	if err != nil {
		return 0, err
	}
	switch t {
	case TypeCodeNull:
		return 0, nil
	case TypeCodeMap8:
		if _, ok := r.Next(1); !ok {
			return 0, errUnexpectedEOF
		}
		n, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return uint32(n), nil
	case TypeCodeMap32:
		if _, ok := r.Next(4); !ok {
			return 0, errUnexpectedEOF
		}
		buf, ok := r.Next(4)
		if !ok {
			return 0, errUnexpectedEOF
		}
		return beUint32(buf), nil
	default:
		return 0, fmt.Errorf("invalid type for map %#02x", t)
	}
}

func unmarshalGenericMapAny(r *buffer.Buffer) (map[interface{}]interface{}, error) {
	count, err := ReadMapHeader(r)
	if err != nil {
		return nil, err
	}
	m := make(map[interface{}]interface{}, count/2)
	for i := uint32(0); i < count; i += 2 {
		k, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		v, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func unmarshalGenericMapSymbol(r *buffer.Buffer) (map[Symbol]interface{}, error) {
	count, err := ReadMapHeader(r)
	if err != nil {
		return nil, err
	}
	m := make(map[Symbol]interface{}, count/2)
	for i := uint32(0); i < count; i += 2 {
		k, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		v, err := ReadAny(r)
		if err != nil {
			return nil, err
		}
		m[Symbol(k)] = v
	}
	return m, nil
}

// readListHeader decodes a list0/list8/list32 header and returns the
// element count.
func readListHeader(r *buffer.Buffer) (int, error) {
	t, err := readType(r)
	if err != nil {
		return 0, err
	}
	switch t {
	case TypeCodeNull, TypeCodeList0:
		return 0, nil
	case TypeCodeList8:
		if _, ok := r.Next(1); !ok {
			return 0, errUnexpectedEOF
		}
		n, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return int(n), nil
	case TypeCodeList32:
		if _, ok := r.Next(4); !ok {
			return 0, errUnexpectedEOF
		}
		buf, ok := r.Next(4)
		if !ok {
			return 0, errUnexpectedEOF
		}
		return int(beUint32(buf)), nil
	default:
		return 0, fmt.Errorf("invalid type for list %#02x", t)
	}
}

// readArrayHeader decodes an array8/array32 header and returns the
// element count; the caller still needs to read the single shared
// element-type byte that follows.
func readArrayHeader(r *buffer.Buffer) (int, error) {
	t, err := readType(r)
	if err != nil {
		return 0, err
	}
	switch t {
	case TypeCodeArray8:
		if _, ok := r.Next(1); !ok {
			return 0, errUnexpectedEOF
		}
		n, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return int(n), nil
	case TypeCodeArray32:
		if _, ok := r.Next(4); !ok {
			return 0, errUnexpectedEOF
		}
		buf, ok := r.Next(4)
		if !ok {
			return 0, errUnexpectedEOF
		}
		return int(beUint32(buf)), nil
	default:
		return 0, fmt.Errorf("invalid type for array %#02x", t)
	}
}

// ReadCompositeHeader decodes the 0x0 described-type marker, the
// descriptor (returned as the low byte of its numeric ulong form), and
// the following list header, returning the composite's field count.
func ReadCompositeHeader(r *buffer.Buffer) (AMQPType, uint32, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	if b != 0x0 {
		return 0, 0, fmt.Errorf("invalid composite header %#02x", b)
	}

	descriptor, err := readUlongValue(r)
	if err != nil {
		return 0, 0, err
	}

	length, err := readListHeader(r)
	if err != nil {
		return 0, 0, err
	}
	return AMQPType(descriptor), uint32(length), nil
}

// UnmarshalComposite decodes a described-list composite, verifying the
// descriptor matches code, then populating fields in order. A field
// beyond the wire's encoded count, or explicitly encoded as null,
// triggers handleNull (if set) rather than leaving garbage behind, and
// any wire fields this struct doesn't know about are skipped.
func UnmarshalComposite(r *buffer.Buffer, code AMQPType, fields ...UnmarshalField) error {
	descriptor, fieldCount, err := ReadCompositeHeader(r)
	if err != nil {
		return err
	}
	if uint8(descriptor) != uint8(code) {
		return fmt.Errorf("invalid composite header %#02x, expected %#02x", descriptor, code)
	}

	for i, f := range fields {
		if uint32(i) >= fieldCount {
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
			}
			continue
		}

		b, ok := r.Peek(1)
		if !ok {
			return errUnexpectedEOF
		}
		if AMQPType(b[0]) == TypeCodeNull {
			r.Skip(1)
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
			}
			continue
		}

		if err := Unmarshal(r, f.Field); err != nil {
			return err
		}
	}

	for i := uint32(len(fields)); i < fieldCount; i++ {
		if _, err := ReadAny(r); err != nil {
			return err
		}
	}

	return nil
}

// ReadAny decodes the next wire value into its natural Go
// representation without needing to know its type ahead of time. Used
// for map/list/filter values and other dynamically-typed fields.
func ReadAny(r *buffer.Buffer) (interface{}, error) {
	b, ok := r.Peek(1)
	if !ok {
		return nil, errUnexpectedEOF
	}

	switch AMQPType(b[0]) {
	case TypeCodeNull:
		r.Skip(1)
		return nil, nil
	case TypeCodeBool, TypeCodeBoolTrue, TypeCodeBoolFalse:
		return ReadBool(r)
	case TypeCodeUbyte:
		return ReadUbyte(r)
	case TypeCodeByte:
		r.Skip(1)
		v, err := r.ReadByte()
		return int8(v), err
	case TypeCodeUshort:
		r.Skip(1)
		buf, ok := r.Next(2)
		if !ok {
			return nil, errUnexpectedEOF
		}
		return beUint16(buf), nil
	case TypeCodeShort:
		r.Skip(1)
		buf, ok := r.Next(2)
		if !ok {
			return nil, errUnexpectedEOF
		}
		return int16(beUint16(buf)), nil
	case TypeCodeUint, TypeCodeSmallUint, TypeCodeUint0:
		return ReadUint(r)
	case TypeCodeInt, TypeCodeSmallint:
		return readIntValue(r)
	case TypeCodeUlong, TypeCodeSmallUlong, TypeCodeUlong0:
		return readUlongValue(r)
	case TypeCodeLong, TypeCodeSmalllong:
		return readLongValue(r)
	case TypeCodeFloat:
		r.Skip(1)
		buf, ok := r.Next(4)
		if !ok {
			return nil, errUnexpectedEOF
		}
		return math.Float32frombits(beUint32(buf)), nil
	case TypeCodeDouble:
		r.Skip(1)
		buf, ok := r.Next(8)
		if !ok {
			return nil, errUnexpectedEOF
		}
		return math.Float64frombits(beUint64(buf)), nil
	case TypeCodeChar:
		r.Skip(1)
		buf, ok := r.Next(4)
		if !ok {
			return nil, errUnexpectedEOF
		}
		return rune(beUint32(buf)), nil
	case TypeCodeTimestamp:
		return ReadTimestamp(r)
	case TypeCodeUUID:
		return ReadUUID(r)
	case TypeCodeVbin8, TypeCodeVbin32:
		return ReadBinary(r)
	case TypeCodeStr8, TypeCodeStr32:
		return ReadString(r)
	case TypeCodeSym8, TypeCodeSym32:
		s, err := ReadString(r)
		return Symbol(s), err
	case TypeCodeList0, TypeCodeList8, TypeCodeList32:
		var l List
		err := l.Unmarshal(r)
		return []interface{}(l), err
	case TypeCodeMap8:
		return unmarshalGenericMapAny(r)
	case TypeCodeMap32:
		return unmarshalGenericMapAny(r)
	case TypeCodeArray8, TypeCodeArray32:
		return readAnyArray(r)
	case 0x00:
		var d DescribedType
		if err := d.Unmarshal(r); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("encoding: unsupported type %#02x", b[0])
	}
}

func readAnyArray(r *buffer.Buffer) (interface{}, error) {
	length, err := readArrayHeader(r)
	if err != nil {
		return nil, err
	}
	t, err := readType(r)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeCodeUbyte:
		buf, ok := r.Next(length)
		if !ok {
			return nil, errUnexpectedEOF
		}
		return append([]byte(nil), buf...), nil

	case TypeCodeBool, TypeCodeBoolTrue, TypeCodeBoolFalse:
		out := make([]bool, length)
		if t == TypeCodeBool {
			buf, ok := r.Next(length)
			if !ok {
				return nil, errUnexpectedEOF
			}
			for i, v := range buf {
				out[i] = v != 0
			}
		} else {
			v := t == TypeCodeBoolTrue
			for i := range out {
				out[i] = v
			}
		}
		return out, nil

	case TypeCodeUint0, TypeCodeSmallUint, TypeCodeUint:
		out := make([]uint32, length)
		for i := range out {
			switch t {
			case TypeCodeUint0:
			case TypeCodeSmallUint:
				b, err := r.ReadByte()
				if err != nil {
					return nil, err
				}
				out[i] = uint32(b)
			case TypeCodeUint:
				buf, ok := r.Next(4)
				if !ok {
					return nil, errUnexpectedEOF
				}
				out[i] = beUint32(buf)
			}
		}
		return out, nil

	case TypeCodeUlong0, TypeCodeSmallUlong, TypeCodeUlong:
		out := make([]uint64, length)
		for i := range out {
			switch t {
			case TypeCodeUlong0:
			case TypeCodeSmallUlong:
				b, err := r.ReadByte()
				if err != nil {
					return nil, err
				}
				out[i] = uint64(b)
			case TypeCodeUlong:
				buf, ok := r.Next(8)
				if !ok {
					return nil, errUnexpectedEOF
				}
				out[i] = beUint64(buf)
			}
		}
		return out, nil

	case TypeCodeTimestamp:
		out := make([]time.Time, length)
		for i := range out {
			buf, ok := r.Next(8)
			if !ok {
				return nil, errUnexpectedEOF
			}
			ms := int64(beUint64(buf))
			out[i] = time.Unix(ms/1000, (ms%1000)*1000000).UTC()
		}
		return out, nil

	case TypeCodeUUID:
		out := make([]UUID, length)
		for i := range out {
			buf, ok := r.Next(16)
			if !ok {
				return nil, errUnexpectedEOF
			}
			copy(out[i][:], buf)
		}
		return out, nil

	case TypeCodeStr8, TypeCodeStr32:
		out := make([]string, length)
		for i := range out {
			if t == TypeCodeStr8 {
				n, err := r.ReadByte()
				if err != nil {
					return nil, err
				}
				buf, ok := r.Next(int(n))
				if !ok {
					return nil, errUnexpectedEOF
				}
				out[i] = string(buf)
			} else {
				buf, ok := r.Next(4)
				if !ok {
					return nil, errUnexpectedEOF
				}
				n := beUint32(buf)
				buf, ok = r.Next(int(n))
				if !ok {
					return nil, errUnexpectedEOF
				}
				out[i] = string(buf)
			}
		}
		return out, nil

	case TypeCodeSym8, TypeCodeSym32:
		out := make([]Symbol, length)
		for i := range out {
			if t == TypeCodeSym8 {
				n, err := r.ReadByte()
				if err != nil {
					return nil, err
				}
				buf, ok := r.Next(int(n))
				if !ok {
					return nil, errUnexpectedEOF
				}
				out[i] = Symbol(buf)
			} else {
				buf, ok := r.Next(4)
				if !ok {
					return nil, errUnexpectedEOF
				}
				n := beUint32(buf)
				buf, ok = r.Next(int(n))
				if !ok {
					return nil, errUnexpectedEOF
				}
				out[i] = Symbol(buf)
			}
		}
		return out, nil

	case TypeCodeVbin8, TypeCodeVbin32:
		out := make([][]byte, length)
		for i := range out {
			if t == TypeCodeVbin8 {
				n, err := r.ReadByte()
				if err != nil {
					return nil, err
				}
				buf, ok := r.Next(int(n))
				if !ok {
					return nil, errUnexpectedEOF
				}
				out[i] = append([]byte(nil), buf...)
			} else {
				buf, ok := r.Next(4)
				if !ok {
					return nil, errUnexpectedEOF
				}
				n := beUint32(buf)
				buf, ok = r.Next(int(n))
				if !ok {
					return nil, errUnexpectedEOF
				}
				out[i] = append([]byte(nil), buf...)
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("encoding: unsupported array element type %#02x", t)
	}
}

// readDeliveryState decodes any of the terminal/transitional delivery
// states or the transactional wrapper, dispatching on the composite
// descriptor without consuming input on a type it doesn't recognize.
func readDeliveryState(r *buffer.Buffer) (DeliveryState, error) {
	buf, ok := r.Peek(3)
	if !ok {
		return nil, errUnexpectedEOF
	}
	if buf[0] == byte(TypeCodeNull) {
		r.Skip(1)
		return nil, nil
	}
	code, err := PeekMessageType(buf)
	if err != nil {
		return nil, err
	}

	switch AMQPType(code) {
	case TypeCodeStateReceived:
		v := new(StateReceived)
		return v, v.Unmarshal(r)
	case TypeCodeStateAccepted:
		v := new(StateAccepted)
		return v, v.Unmarshal(r)
	case TypeCodeStateRejected:
		v := new(StateRejected)
		return v, v.Unmarshal(r)
	case TypeCodeStateReleased:
		v := new(StateReleased)
		return v, v.Unmarshal(r)
	case TypeCodeStateModified:
		v := new(StateModified)
		return v, v.Unmarshal(r)
	case TypeCodeDeclared:
		v := new(StateDeclared)
		return v, v.Unmarshal(r)
	case TypeCodeTxnalState:
		v := new(TransactionalState)
		return v, v.Unmarshal(r)
	default:
		return nil, fmt.Errorf("encoding: unrecognized delivery state descriptor %#02x", code)
	}
}
