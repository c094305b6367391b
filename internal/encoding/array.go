package encoding

import (
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/amqp-core/amqp/internal/buffer"
)

// ArrayUByte encodes []uint8/[]byte as a homogeneous AMQP array rather
// than as a single binary blob.
type ArrayUByte []uint8

func (a ArrayUByte) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 1, TypeCodeUbyte)
	wr.Write(a)
	return nil
}

func (a *ArrayUByte) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	t, err := readType(r)
	if err != nil {
		return err
	}
	if t != TypeCodeUbyte {
		return fmt.Errorf("invalid type for []uint8 %02x", t)
	}
	buf, ok := r.Next(length)
	if !ok {
		return fmt.Errorf("invalid length %d", length)
	}
	*a = append([]byte(nil), buf...)
	return nil
}

// ArraySymbol is the homogeneous array encoding of []Symbol.
type ArraySymbol []Symbol

func (a ArraySymbol) Marshal(wr *buffer.Buffer) error {
	var (
		elementType       = TypeCodeSym8
		elementsSizeTotal int
	)
	for _, e := range a {
		elementsSizeTotal += len(e)
		if len(e) > math.MaxUint8 {
			elementType = TypeCodeSym32
		}
	}
	writeVariableArrayHeader(wr, len(a), elementsSizeTotal, elementType)
	if elementType == TypeCodeSym32 {
		for _, e := range a {
			wr.WriteUint32(uint32(len(e)))
			wr.WriteString(string(e))
		}
	} else {
		for _, e := range a {
			wr.WriteByte(byte(len(e)))
			wr.WriteString(string(e))
		}
	}
	return nil
}

func (a *ArraySymbol) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	aa := make([]Symbol, length)
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeSym8:
		for i := range aa {
			size, err := r.ReadByte()
			if err != nil {
				return err
			}
			buf, ok := r.Next(int(size))
			if !ok {
				return fmt.Errorf("invalid length")
			}
			aa[i] = Symbol(buf)
		}
	case TypeCodeSym32:
		for i := range aa {
			buf, ok := r.Next(4)
			if !ok {
				return fmt.Errorf("invalid length")
			}
			size := int(beUint32(buf))
			buf, ok = r.Next(size)
			if !ok {
				return fmt.Errorf("invalid length")
			}
			aa[i] = Symbol(buf)
		}
	default:
		return fmt.Errorf("invalid type for []Symbol %02x", t)
	}
	*a = aa
	return nil
}

// ArrayString is the homogeneous array encoding of []string.
type ArrayString []string

func (a ArrayString) Marshal(wr *buffer.Buffer) error {
	var (
		elementType       = TypeCodeStr8
		elementsSizeTotal int
	)
	for _, e := range a {
		if !utf8.ValidString(e) {
			return errInvalidString
		}
		elementsSizeTotal += len(e)
		if len(e) > math.MaxUint8 {
			elementType = TypeCodeStr32
		}
	}
	writeVariableArrayHeader(wr, len(a), elementsSizeTotal, elementType)
	if elementType == TypeCodeStr32 {
		for _, e := range a {
			wr.WriteUint32(uint32(len(e)))
			wr.WriteString(e)
		}
	} else {
		for _, e := range a {
			wr.WriteByte(byte(len(e)))
			wr.WriteString(e)
		}
	}
	return nil
}

func (a *ArrayString) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	aa := make([]string, length)
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeStr8:
		for i := range aa {
			size, err := r.ReadByte()
			if err != nil {
				return err
			}
			buf, ok := r.Next(int(size))
			if !ok {
				return fmt.Errorf("invalid length")
			}
			aa[i] = string(buf)
		}
	case TypeCodeStr32:
		for i := range aa {
			buf, ok := r.Next(4)
			if !ok {
				return fmt.Errorf("invalid length")
			}
			size := int(beUint32(buf))
			buf, ok = r.Next(size)
			if !ok {
				return fmt.Errorf("invalid length")
			}
			aa[i] = string(buf)
		}
	default:
		return fmt.Errorf("invalid type for []string %02x", t)
	}
	*a = aa
	return nil
}

// ArrayBinary is the homogeneous array encoding of [][]byte.
type ArrayBinary [][]byte

func (a ArrayBinary) Marshal(wr *buffer.Buffer) error {
	var (
		elementType       = TypeCodeVbin8
		elementsSizeTotal int
	)
	for _, e := range a {
		elementsSizeTotal += len(e)
		if len(e) > math.MaxUint8 {
			elementType = TypeCodeVbin32
		}
	}
	writeVariableArrayHeader(wr, len(a), elementsSizeTotal, elementType)
	if elementType == TypeCodeVbin32 {
		for _, e := range a {
			wr.WriteUint32(uint32(len(e)))
			wr.Write(e)
		}
	} else {
		for _, e := range a {
			wr.WriteByte(byte(len(e)))
			wr.Write(e)
		}
	}
	return nil
}

func (a *ArrayBinary) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	aa := make([][]byte, length)
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeVbin8:
		for i := range aa {
			size, err := r.ReadByte()
			if err != nil {
				return err
			}
			buf, ok := r.Next(int(size))
			if !ok {
				return fmt.Errorf("invalid length")
			}
			aa[i] = append([]byte(nil), buf...)
		}
	case TypeCodeVbin32:
		for i := range aa {
			buf, ok := r.Next(4)
			if !ok {
				return fmt.Errorf("invalid length")
			}
			size := int(beUint32(buf))
			buf, ok = r.Next(size)
			if !ok {
				return fmt.Errorf("invalid length")
			}
			aa[i] = append([]byte(nil), buf...)
		}
	default:
		return fmt.Errorf("invalid type for [][]byte %02x", t)
	}
	*a = aa
	return nil
}

// ArrayTimestamp is the homogeneous array encoding of []time.Time.
type ArrayTimestamp []time.Time

func (a ArrayTimestamp) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 8, TypeCodeTimestamp)
	for _, e := range a {
		ms := e.UnixNano() / int64(time.Millisecond)
		wr.WriteUint64(uint64(ms))
	}
	return nil
}

func (a *ArrayTimestamp) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	t, err := readType(r)
	if err != nil {
		return err
	}
	if t != TypeCodeTimestamp {
		return fmt.Errorf("invalid type for []time.Time %02x", t)
	}
	buf, ok := r.Next(length * 8)
	if !ok {
		return fmt.Errorf("invalid length %d", length)
	}
	aa := make([]time.Time, length)
	var idx int
	for i := range aa {
		ms := int64(beUint64(buf[idx:]))
		idx += 8
		aa[i] = time.Unix(ms/1000, (ms%1000)*1000000).UTC()
	}
	*a = aa
	return nil
}

// ArrayUUID is the homogeneous array encoding of []UUID.
type ArrayUUID []UUID

func (a ArrayUUID) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 16, TypeCodeUUID)
	for _, e := range a {
		wr.Write(e[:])
	}
	return nil
}

func (a *ArrayUUID) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	t, err := readType(r)
	if err != nil {
		return err
	}
	if t != TypeCodeUUID {
		return fmt.Errorf("invalid type for []UUID %02x", t)
	}
	buf, ok := r.Next(length * 16)
	if !ok {
		return fmt.Errorf("invalid length %d", length)
	}
	aa := make([]UUID, length)
	var idx int
	for i := range aa {
		copy(aa[i][:], buf[idx:idx+16])
		idx += 16
	}
	*a = aa
	return nil
}

// ArrayBool is the homogeneous array encoding of []bool.
type ArrayBool []bool

func (a ArrayBool) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 1, TypeCodeBool)
	for _, e := range a {
		if e {
			wr.WriteByte(1)
		} else {
			wr.WriteByte(0)
		}
	}
	return nil
}

func (a *ArrayBool) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	aa := make([]bool, length)
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeBool:
		buf, ok := r.Next(length)
		if !ok {
			return fmt.Errorf("invalid length")
		}
		for i, v := range buf {
			aa[i] = v != 0
		}
	case TypeCodeBoolTrue:
		for i := range aa {
			aa[i] = true
		}
	case TypeCodeBoolFalse:
		// already false
	default:
		return fmt.Errorf("invalid type for []bool %02x", t)
	}
	*a = aa
	return nil
}

// numeric arrays (short-form aware, mirroring the scalar marshal rules)

type arrayInt8 []int8

func (a arrayInt8) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 1, TypeCodeByte)
	for _, v := range a {
		wr.WriteByte(byte(v))
	}
	return nil
}

func (a *arrayInt8) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	t, err := readType(r)
	if err != nil {
		return err
	}
	if t != TypeCodeByte {
		return fmt.Errorf("invalid type for []int8 %02x", t)
	}
	buf, ok := r.Next(length)
	if !ok {
		return fmt.Errorf("invalid length")
	}
	aa := make([]int8, length)
	for i, v := range buf {
		aa[i] = int8(v)
	}
	*a = aa
	return nil
}

type arrayUint16 []uint16

func (a arrayUint16) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 2, TypeCodeUshort)
	for _, v := range a {
		wr.WriteUint16(v)
	}
	return nil
}

func (a *arrayUint16) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	t, err := readType(r)
	if err != nil {
		return err
	}
	if t != TypeCodeUshort {
		return fmt.Errorf("invalid type for []uint16 %02x", t)
	}
	buf, ok := r.Next(length * 2)
	if !ok {
		return fmt.Errorf("invalid length")
	}
	aa := make([]uint16, length)
	var idx int
	for i := range aa {
		aa[i] = beUint16(buf[idx:])
		idx += 2
	}
	*a = aa
	return nil
}

type arrayInt16 []int16

func (a arrayInt16) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 2, TypeCodeShort)
	for _, v := range a {
		wr.WriteUint16(uint16(v))
	}
	return nil
}

func (a *arrayInt16) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	t, err := readType(r)
	if err != nil {
		return err
	}
	if t != TypeCodeShort {
		return fmt.Errorf("invalid type for []int16 %02x", t)
	}
	buf, ok := r.Next(length * 2)
	if !ok {
		return fmt.Errorf("invalid length")
	}
	aa := make([]int16, length)
	var idx int
	for i := range aa {
		aa[i] = int16(beUint16(buf[idx:]))
		idx += 2
	}
	*a = aa
	return nil
}

type arrayUint32 []uint32

func (a arrayUint32) Marshal(wr *buffer.Buffer) error {
	typeSize, typeCode := 1, TypeCodeSmallUint
	for _, n := range a {
		if n > math.MaxUint8 {
			typeSize, typeCode = 4, TypeCodeUint
			break
		}
	}
	writeArrayHeader(wr, len(a), typeSize, typeCode)
	if typeCode == TypeCodeUint {
		for _, v := range a {
			wr.WriteUint32(v)
		}
	} else {
		for _, v := range a {
			wr.WriteByte(byte(v))
		}
	}
	return nil
}

func (a *arrayUint32) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	aa := make([]uint32, length)
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeUint0:
		// already zero
	case TypeCodeSmallUint:
		buf, ok := r.Next(length)
		if !ok {
			return fmt.Errorf("invalid length")
		}
		for i, n := range buf {
			aa[i] = uint32(n)
		}
	case TypeCodeUint:
		buf, ok := r.Next(length * 4)
		if !ok {
			return fmt.Errorf("invalid length")
		}
		var idx int
		for i := range aa {
			aa[i] = beUint32(buf[idx:])
			idx += 4
		}
	default:
		return fmt.Errorf("invalid type for []uint32 %02x", t)
	}
	*a = aa
	return nil
}

type arrayInt32 []int32

func (a arrayInt32) Marshal(wr *buffer.Buffer) error {
	typeSize, typeCode := 1, TypeCodeSmallint
	for _, n := range a {
		if n > math.MaxInt8 || n < math.MinInt8 {
			typeSize, typeCode = 4, TypeCodeInt
			break
		}
	}
	writeArrayHeader(wr, len(a), typeSize, typeCode)
	if typeCode == TypeCodeInt {
		for _, v := range a {
			wr.WriteUint32(uint32(v))
		}
	} else {
		for _, v := range a {
			wr.WriteByte(byte(v))
		}
	}
	return nil
}

func (a *arrayInt32) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	aa := make([]int32, length)
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeSmallint:
		buf, ok := r.Next(length)
		if !ok {
			return fmt.Errorf("invalid length")
		}
		for i, n := range buf {
			aa[i] = int32(int8(n))
		}
	case TypeCodeInt:
		buf, ok := r.Next(length * 4)
		if !ok {
			return fmt.Errorf("invalid length")
		}
		var idx int
		for i := range aa {
			aa[i] = int32(beUint32(buf[idx:]))
			idx += 4
		}
	default:
		return fmt.Errorf("invalid type for []int32 %02x", t)
	}
	*a = aa
	return nil
}

type arrayUint64 []uint64

func (a arrayUint64) Marshal(wr *buffer.Buffer) error {
	typeSize, typeCode := 1, TypeCodeSmallUlong
	for _, n := range a {
		if n > math.MaxUint8 {
			typeSize, typeCode = 8, TypeCodeUlong
			break
		}
	}
	writeArrayHeader(wr, len(a), typeSize, typeCode)
	if typeCode == TypeCodeUlong {
		for _, v := range a {
			wr.WriteUint64(v)
		}
	} else {
		for _, v := range a {
			wr.WriteByte(byte(v))
		}
	}
	return nil
}

func (a *arrayUint64) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	aa := make([]uint64, length)
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeUlong0:
	case TypeCodeSmallUlong:
		buf, ok := r.Next(length)
		if !ok {
			return fmt.Errorf("invalid length")
		}
		for i, n := range buf {
			aa[i] = uint64(n)
		}
	case TypeCodeUlong:
		buf, ok := r.Next(length * 8)
		if !ok {
			return fmt.Errorf("invalid length")
		}
		var idx int
		for i := range aa {
			aa[i] = beUint64(buf[idx:])
			idx += 8
		}
	default:
		return fmt.Errorf("invalid type for []uint64 %02x", t)
	}
	*a = aa
	return nil
}

type arrayInt64 []int64

func (a arrayInt64) Marshal(wr *buffer.Buffer) error {
	typeSize, typeCode := 1, TypeCodeSmalllong
	for _, n := range a {
		if n > math.MaxInt8 || n < math.MinInt8 {
			typeSize, typeCode = 8, TypeCodeLong
			break
		}
	}
	writeArrayHeader(wr, len(a), typeSize, typeCode)
	if typeCode == TypeCodeLong {
		for _, v := range a {
			wr.WriteUint64(uint64(v))
		}
	} else {
		for _, v := range a {
			wr.WriteByte(byte(v))
		}
	}
	return nil
}

func (a *arrayInt64) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	aa := make([]int64, length)
	t, err := readType(r)
	if err != nil {
		return err
	}
	switch t {
	case TypeCodeSmalllong:
		buf, ok := r.Next(length)
		if !ok {
			return fmt.Errorf("invalid length")
		}
		for i, n := range buf {
			aa[i] = int64(int8(n))
		}
	case TypeCodeLong:
		buf, ok := r.Next(length * 8)
		if !ok {
			return fmt.Errorf("invalid length")
		}
		var idx int
		for i := range aa {
			aa[i] = int64(beUint64(buf[idx:]))
			idx += 8
		}
	default:
		return fmt.Errorf("invalid type for []int64 %02x", t)
	}
	*a = aa
	return nil
}

type arrayFloat []float32

func (a arrayFloat) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 4, TypeCodeFloat)
	for _, v := range a {
		wr.WriteUint32(math.Float32bits(v))
	}
	return nil
}

func (a *arrayFloat) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	t, err := readType(r)
	if err != nil {
		return err
	}
	if t != TypeCodeFloat {
		return fmt.Errorf("invalid type for []float32 %02x", t)
	}
	buf, ok := r.Next(length * 4)
	if !ok {
		return fmt.Errorf("invalid length")
	}
	aa := make([]float32, length)
	var idx int
	for i := range aa {
		aa[i] = math.Float32frombits(beUint32(buf[idx:]))
		idx += 4
	}
	*a = aa
	return nil
}

type arrayDouble []float64

func (a arrayDouble) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 8, TypeCodeDouble)
	for _, v := range a {
		wr.WriteUint64(math.Float64bits(v))
	}
	return nil
}

func (a *arrayDouble) Unmarshal(r *buffer.Buffer) error {
	length, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	t, err := readType(r)
	if err != nil {
		return err
	}
	if t != TypeCodeDouble {
		return fmt.Errorf("invalid type for []float64 %02x", t)
	}
	buf, ok := r.Next(length * 8)
	if !ok {
		return fmt.Errorf("invalid length")
	}
	aa := make([]float64, length)
	var idx int
	for i := range aa {
		aa[i] = math.Float64frombits(beUint64(buf[idx:]))
		idx += 8
	}
	*a = aa
	return nil
}

// List is a heterogeneous AMQP list, each element self-describing its
// own format code.
type List []interface{}

func (l List) Marshal(wr *buffer.Buffer) error {
	length := len(l)
	if length == 0 {
		wr.WriteByte(byte(TypeCodeList0))
		return nil
	}
	wr.WriteByte(byte(TypeCodeList32))
	sizeIdx := wr.Len()
	wr.Write([]byte{0, 0, 0, 0})
	wr.WriteUint32(uint32(length))
	for _, e := range l {
		if err := Marshal(wr, e); err != nil {
			return err
		}
	}
	putUint32(wr.Bytes()[sizeIdx:], uint32(wr.Len()-(sizeIdx+4)))
	return nil
}

func (l *List) Unmarshal(r *buffer.Buffer) error {
	length, err := readListHeader(r)
	if err != nil {
		return err
	}
	ll := make([]interface{}, length)
	for i := range ll {
		ll[i], err = ReadAny(r)
		if err != nil {
			return err
		}
	}
	*l = ll
	return nil
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func beUint32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func putUint32(b []byte, v uint32) {
	_ = b[3]
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
