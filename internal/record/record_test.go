package record

import (
	"bytes"
	"errors"
	"testing"
)

func TestEventRoundTrip(t *testing.T) {
	cases := []Event{
		{
			IDMost: 1, IDLeast: 2, Revision: 0, StreamName: "orders",
			Class: "OrderPlaced", ContentType: ContentTypeJSON, Created: 1700000000123,
			Payload: []byte(`{"total":12}`), Metadata: []byte(`{}`),
		},
		{
			IDMost: 0, IDLeast: 0, Revision: 42, StreamName: "",
			Class: "", ContentType: ContentTypeUnknown, Created: -1,
			Payload: nil, Metadata: nil,
		},
		{
			IDMost: ^uint64(0), IDLeast: ^uint64(0), Revision: ^uint64(0), StreamName: "s",
			Class: "c", ContentType: ContentTypeBinary, Created: 9223372036854775,
			Payload: make([]byte, 1<<20), Metadata: []byte("m"),
		},
	}

	for i, want := range cases {
		buf := EncodeEvent(want)
		got, err := DecodeEvent(buf)
		if err != nil {
			t.Fatalf("case %d: decode: %v", i, err)
		}
		if got.IDMost != want.IDMost || got.IDLeast != want.IDLeast || got.Revision != want.Revision ||
			got.StreamName != want.StreamName || got.Class != want.Class || got.ContentType != want.ContentType ||
			got.Created != want.Created || !bytes.Equal(got.Payload, want.Payload) || !bytes.Equal(got.Metadata, want.Metadata) {
			t.Fatalf("case %d: roundtrip mismatch: got %+v want %+v", i, got, want)
		}

		// encode(decode(x)) == x
		buf2 := EncodeEvent(got)
		if !bytes.Equal(buf, buf2) {
			t.Fatalf("case %d: encode(decode(x)) != x", i)
		}
	}
}

func TestDecodeEventMissingRequiredField(t *testing.T) {
	e := Event{IDMost: 1, IDLeast: 2, Revision: 3, StreamName: "s", Class: "c", Created: 1}
	buf := EncodeEvent(e)

	// Truncate to drop the trailing content_type and metadata fields.
	truncated := buf[:len(buf)-4]
	if _, err := DecodeEvent(truncated); !errors.Is(err, ErrCorruption) {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}
}

func TestDecodeEventSkipsUnknownFields(t *testing.T) {
	e := Event{IDMost: 1, IDLeast: 2, Revision: 3, StreamName: "s", Class: "c", Created: 1}
	buf := EncodeEvent(e)

	// Append an unknown field (tag 99, varint) before decoding.
	var extra []byte
	extra = append(extra, buf...)
	extra = appendUnknownVarintField(extra, 99, 12345)

	got, err := DecodeEvent(extra)
	if err != nil {
		t.Fatalf("decode with unknown field: %v", err)
	}
	if got.Revision != 3 {
		t.Fatalf("expected revision 3, got %d", got.Revision)
	}
}

func TestStreamDeletedRoundTrip(t *testing.T) {
	want := StreamDeleted{StreamName: "orders", Revision: 17, Created: 1700000000000}
	buf := EncodeStreamDeleted(want)
	got, err := DecodeStreamDeleted(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, want)
	}
}

func TestStreamDeletedMissingField(t *testing.T) {
	buf := EncodeStreamDeleted(StreamDeleted{StreamName: "s", Revision: 1, Created: 1})
	// Drop the last field (created, 1-2 bytes tag+varint for small values).
	truncated := buf[:len(buf)-2]
	if _, err := DecodeStreamDeleted(truncated); !errors.Is(err, ErrCorruption) {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	body := EncodeEvent(Event{IDMost: 9, Revision: 1, StreamName: "s", Class: "c", Created: 5})
	env := EncodeEnvelope(VariantEvent, body)

	variant, got, err := DecodeEnvelope(env)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if variant != VariantEvent {
		t.Fatalf("expected variant %d, got %d", VariantEvent, variant)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("envelope body mismatch")
	}
}

// appendUnknownVarintField is a tiny test helper building a raw varint
// field without going through the package's tag constants, to simulate an
// unrecognized future field.
func appendUnknownVarintField(buf []byte, tag uint32, value uint64) []byte {
	// (tag << 3) | wiretype(0=varint), varint-encoded
	key := uint64(tag)<<3 | 0
	buf = appendUvarint(buf, key)
	buf = appendUvarint(buf, value)
	return buf
}

func appendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}
