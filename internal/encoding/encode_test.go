package encoding

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/amqp-core/amqp/internal/buffer"
)

func marshalBytes(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf buffer.Buffer
	if err := Marshal(&buf, v); err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return buf.Detach()
}

// ints in [-128, 127] use the 2-byte small-int form; everything else
// the 5-byte form
func TestIntShortFormSelection(t *testing.T) {
	tests := []struct {
		value int32
		want  []byte
	}{
		{0, []byte{0x54, 0x00}},
		{127, []byte{0x54, 0x7F}},
		{-128, []byte{0x54, 0x80}},
		{128, []byte{0x71, 0x00, 0x00, 0x00, 0x80}},
		{-129, []byte{0x71, 0xFF, 0xFF, 0xFF, 0x7F}},
	}
	for _, tt := range tests {
		got := marshalBytes(t, tt.value)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("encode(%d):\n%s", tt.value, diff)
		}
	}
}

func TestUintZeroForm(t *testing.T) {
	if got := marshalBytes(t, uint32(0)); len(got) != 1 || got[0] != byte(TypeCodeUint0) {
		t.Errorf("encode(uint32(0)) = %#v", got)
	}
	if got := marshalBytes(t, uint64(0)); len(got) != 1 || got[0] != byte(TypeCodeUlong0) {
		t.Errorf("encode(uint64(0)) = %#v", got)
	}
}

func TestSymbolEncoding(t *testing.T) {
	want := []byte{0xA3, 0x04, 0x61, 0x6D, 0x71, 0x70}
	got := marshalBytes(t, Symbol("amqp"))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("encode(Symbol(amqp)):\n%s", diff)
	}
}

// a composite with all fields omitted encodes as descriptor + List0
func TestEmptyCompositeEncoding(t *testing.T) {
	var buf buffer.Buffer
	if err := MarshalComposite(&buf, TypeCodeFlow, []MarshalField{
		{Value: nil, Omit: true},
		{Value: nil, Omit: true},
	}); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x53, 0x13, 0x45}
	if diff := cmp.Diff(want, buf.Detach()); diff != "" {
		t.Errorf("empty composite:\n%s", diff)
	}
}

// trailing omitted fields are truncated; an omitted field before a
// present one is encoded as an explicit null to preserve position
func TestCompositeTrailingNullHandling(t *testing.T) {
	v := uint8(7)

	// (present, omitted) truncates to one field
	var buf buffer.Buffer
	if err := MarshalComposite(&buf, TypeCodeStateModified, []MarshalField{
		{Value: &v},
		{Value: nil, Omit: true},
	}); err != nil {
		t.Fatal(err)
	}
	got := buf.Detach()
	// descriptor(3) + list32 code(1) + size(4) + count(4) + ubyte(2)
	count := beUint32(got[8:12])
	if count != 1 {
		t.Errorf("unexpected field count %d", count)
	}

	// (omitted, present) keeps both, with an explicit null first
	buf.Reset()
	if err := MarshalComposite(&buf, TypeCodeStateModified, []MarshalField{
		{Value: nil, Omit: true},
		{Value: &v},
	}); err != nil {
		t.Fatal(err)
	}
	got = buf.Detach()
	count = beUint32(got[8:12])
	if count != 2 {
		t.Errorf("unexpected field count %d", count)
	}
	if got[12] != byte(TypeCodeNull) {
		t.Errorf("expected null in position 0, got %#02x", got[12])
	}
}

// arrays carry a single element format code regardless of length
func TestArraySingleFormatCode(t *testing.T) {
	for _, n := range []int{1, 4, 64} {
		vals := make(arrayInt64, n)
		for i := range vals {
			vals[i] = math.MaxInt32 + int64(i)
		}
		got := marshalBytes(t, vals)

		// one format code in the header, then bare element bodies
		if got[0] != byte(TypeCodeArray8) && got[0] != byte(TypeCodeArray32) {
			t.Fatalf("not an array encoding: %#02x", got[0])
		}
		wantLen := 0
		if got[0] == byte(TypeCodeArray8) {
			wantLen = 3 + 8*n // code, size, count, element code, then 8 bytes per element
		} else {
			wantLen = 9 + 8*n
		}
		if len(got) != wantLen+1 {
			t.Errorf("n=%d: encoded length %d, want %d", n, len(got), wantLen+1)
		}
	}
}

func TestRoundTrips(t *testing.T) {
	now := time.Date(2023, 4, 5, 6, 7, 8, 9e6, time.UTC)
	tests := []struct {
		label string
		value interface{}
	}{
		{"null", nil},
		{"bool-true", true},
		{"bool-false", false},
		{"uint8", uint8(200)},
		{"uint16", uint16(50000)},
		{"uint32", uint32(1 << 30)},
		{"uint64", uint64(1) << 40},
		{"int8", int8(-5)},
		{"int16", int16(-3000)},
		{"int32", int32(-70000)},
		{"int64", int64(-1) << 40},
		{"float32", float32(3.5)},
		{"float64", 6.125},
		{"string", "hello world"},
		{"string-long", string(make([]byte, 300))},
		{"binary", []byte{1, 2, 3}},
		{"timestamp", now},
		{"uuid", UUID{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}},
		{"symbol", Symbol("a-symbol")},
		{"list", []interface{}{int64(1), "two", true}},
		{"map", map[interface{}]interface{}{"k": "v", int64(3): int64(4)}},
		{"milliseconds", Milliseconds(1500 * time.Millisecond)},
		{"array-symbol", ArraySymbol{"a", "b"}},
		{"array-binary", ArrayBinary{[]byte{1}, []byte{2, 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			var buf buffer.Buffer
			if err := Marshal(&buf, tt.value); err != nil {
				t.Fatalf("marshal: %v", err)
			}

			switch want := tt.value.(type) {
			case nil:
				var got interface{}
				if err := Unmarshal(&buf, &got); err != nil {
					t.Fatalf("unmarshal: %v", err)
				}
				if got != nil {
					t.Errorf("got %v, want nil", got)
				}
			case Symbol:
				var got Symbol
				if err := Unmarshal(&buf, &got); err != nil {
					t.Fatalf("unmarshal: %v", err)
				}
				if got != want {
					t.Errorf("got %v, want %v", got, want)
				}
			case Milliseconds:
				var got Milliseconds
				if err := Unmarshal(&buf, &got); err != nil {
					t.Fatalf("unmarshal: %v", err)
				}
				if got != want {
					t.Errorf("got %v, want %v", got, want)
				}
			case ArraySymbol:
				var got ArraySymbol
				if err := Unmarshal(&buf, &got); err != nil {
					t.Fatalf("unmarshal: %v", err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Error(diff)
				}
			case ArrayBinary:
				var got ArrayBinary
				if err := Unmarshal(&buf, &got); err != nil {
					t.Fatalf("unmarshal: %v", err)
				}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Error(diff)
				}
			default:
				got, err := ReadAny(&buf)
				if err != nil {
					t.Fatalf("unmarshal: %v", err)
				}
				if diff := cmp.Diff(normalize(tt.value), normalize(got)); diff != "" {
					t.Error(diff)
				}
			}
		})
	}
}

// normalize maps the value through the widths ReadAny decodes to.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	default:
		return v
	}
}

func TestSourceTargetRoundTrip(t *testing.T) {
	src := &Source{
		Address:      "queue-1",
		Durable:      DurabilityUnsettledState,
		ExpiryPolicy: ExpiryNever,
		Timeout:      30,
		Capabilities: MultiSymbol{"cap-a", "cap-b"},
		Filter: Filter{
			"f": &DescribedType{Descriptor: uint64(0x468C00000004), Value: "x > 1"},
		},
	}
	var buf buffer.Buffer
	if err := src.Marshal(&buf); err != nil {
		t.Fatal(err)
	}
	var got Source
	if err := got.Unmarshal(&buf); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(*src, got); diff != "" {
		t.Error(diff)
	}

	tgt := &Target{Address: "target-1", Durable: DurabilityConfiguration}
	buf.Reset()
	if err := tgt.Marshal(&buf); err != nil {
		t.Fatal(err)
	}
	var gotTgt Target
	if err := gotTgt.Unmarshal(&buf); err != nil {
		t.Fatal(err)
	}
	// an omitted expiry-policy decodes as its default, session-end
	want := *tgt
	want.ExpiryPolicy = ExpirySessionEnd
	if diff := cmp.Diff(want, gotTgt); diff != "" {
		t.Error(diff)
	}
}

func TestCoordinatorRoundTrip(t *testing.T) {
	c := &Coordinator{Capabilities: MultiSymbol{"amqp:local-transactions"}}
	var buf buffer.Buffer
	if err := c.Marshal(&buf); err != nil {
		t.Fatal(err)
	}
	var got Coordinator
	if err := got.Unmarshal(&buf); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c.Capabilities, got.Capabilities); diff != "" {
		t.Error(diff)
	}
}

func TestDeliveryStateRoundTrip(t *testing.T) {
	states := []DeliveryState{
		&StateAccepted{},
		&StateReleased{},
		&StateRejected{Error: &Error{Condition: "amqp:internal-error", Description: "boom"}},
		&StateModified{DeliveryFailed: true},
		&StateDeclared{TransactionID: []byte("txn-1")},
		&TransactionalState{TxnID: []byte("txn-2"), Outcome: &StateAccepted{}},
	}
	for _, st := range states {
		var buf buffer.Buffer
		if err := Marshal(&buf, st); err != nil {
			t.Fatalf("%T: marshal: %v", st, err)
		}
		var got DeliveryState
		if err := Unmarshal(&buf, &got); err != nil {
			t.Fatalf("%T: unmarshal: %v", st, err)
		}
		if diff := cmp.Diff(st, got); diff != "" {
			t.Errorf("%T:\n%s", st, diff)
		}
	}
}
