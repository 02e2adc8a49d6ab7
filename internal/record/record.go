// Package record implements the wire-stable codec for the two durable
// record variants: Event and StreamDeleted. Encoding uses the same
// tag-length-value, little-endian-varint scheme protoc-generated code
// uses, via google.golang.org/protobuf/encoding/protowire, but is
// hand-written: there is no .proto file and no generated Go type backs
// these structs. Unknown fields are skipped on decode to keep the format
// forward-compatible; all fields listed as required below fail decode
// with ErrCorruption when absent.
package record

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrCorruption is returned when a record fails to decode: a required
// field is missing, a length prefix overruns the buffer, or a tag carries
// an unexpected wire type.
var ErrCorruption = errors.New("record: corruption")

// ContentType tags the encoding of an Event's payload.
type ContentType uint8

const (
	ContentTypeUnknown ContentType = 0
	ContentTypeJSON    ContentType = 1
	ContentTypeBinary  ContentType = 2
)

// Event is the durable record for one committed event.
//
// Field tags (stable, part of the cross-version wire contract in spec
// §6): "1=id{most,least}" is taken literally — both fixed64 halves are
// written under the same tag number 1, as two consecutive fixed64
// values (id_most first, then id_least), not split across two tag
// numbers:
//
//	1 = id_most, id_least  (fixed64, fixed64 — written in that order under one tag)
//	2 = revision           (varint)
//	3 = stream_name        (bytes)
//	4 = class              (bytes)
//	5 = created            (varint, zigzag — epoch milliseconds, signed)
//	6 = data               (bytes, the payload)
//	7 = metadata           (bytes)
//	8 = content_type       (varint — not in spec §6's literal 7-tag list,
//	    which predates content-type being added to Event's attributes in
//	    §3; assigned the next unused tag, see DESIGN.md's "Known
//	    deviations" section)
//
// Position is not part of the tag list: it is assigned by the chunk log at
// append time and is never itself encoded inside the record bytes (it is
// derived from where the record was read back from).
type Event struct {
	IDMost      uint64
	IDLeast     uint64
	Revision    uint64
	StreamName  string
	Class       string
	ContentType ContentType
	Created     int64 // epoch milliseconds
	Payload     []byte
	Metadata    []byte
}

// StreamDeleted is the tombstone record written when a stream is deleted.
//
// Field tags:
//
//	1 = stream_name (bytes)
//	2 = revision    (varint — the revision at which the stream was deleted)
//	3 = created     (varint, zigzag — epoch milliseconds)
type StreamDeleted struct {
	StreamName string
	Revision   uint64
	Created    int64
}

// Variant tags select between Event and StreamDeleted inside an Events
// envelope (§6: "An Events envelope selects one variant by tag").
const (
	VariantEvent         = 2
	VariantStreamDeleted = 3
)

const (
	tagEventID         = 1 // written twice: id_most then id_least
	tagEventRevision   = 2
	tagEventStream     = 3
	tagEventClass      = 4
	tagEventCreated    = 5
	tagEventData       = 6
	tagEventMetadata   = 7
	tagEventContentTyp = 8

	tagDeletedStream   = 1
	tagDeletedRevision = 2
	tagDeletedCreated  = 3
)

// EncodeEvent serializes an Event to its tag-length-value wire form.
// Output is byte-stable given equal inputs: fields are always written in
// increasing tag order.
func EncodeEvent(e Event) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, tagEventID, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, e.IDMost)
	buf = protowire.AppendTag(buf, tagEventID, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, e.IDLeast)
	buf = protowire.AppendTag(buf, tagEventRevision, protowire.VarintType)
	buf = protowire.AppendVarint(buf, e.Revision)
	buf = protowire.AppendTag(buf, tagEventStream, protowire.BytesType)
	buf = protowire.AppendString(buf, e.StreamName)
	buf = protowire.AppendTag(buf, tagEventClass, protowire.BytesType)
	buf = protowire.AppendString(buf, e.Class)
	buf = protowire.AppendTag(buf, tagEventCreated, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(e.Created))
	buf = protowire.AppendTag(buf, tagEventData, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.Payload)
	buf = protowire.AppendTag(buf, tagEventMetadata, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.Metadata)
	buf = protowire.AppendTag(buf, tagEventContentTyp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.ContentType))
	return buf
}

// fieldSeen tracks which tags must be observed for a decode to
// be considered complete. Payload and Metadata may be legitimately empty
// byte strings, but the tag itself must still appear so a zero-length
// opaque string is distinguishable from a record truncated mid-field.
// idCount must reach 2: tag 1 carries id_most then id_least, in that
// order, as two consecutive fixed64 values under the same tag number.
type fieldSeen struct {
	idCount                                         int
	revision, stream, class, created, data, metadata bool
}

func (f fieldSeen) allRequired() bool {
	return f.idCount == 2 && f.revision && f.stream && f.class && f.created && f.data && f.metadata
}

// DecodeEvent parses an Event from its wire form. Tags 1–7 are required;
// a missing one yields ErrCorruption. content_type (tag 8) is optional
// and stays ContentTypeUnknown when absent.
// Unknown tags are skipped (forward compatibility).
func DecodeEvent(buf []byte) (Event, error) {
	var e Event
	var seen fieldSeen

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Event{}, fmt.Errorf("%w: bad tag: %v", ErrCorruption, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == tagEventID && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(buf)
			if n < 0 {
				return Event{}, fmt.Errorf("%w: id: %v", ErrCorruption, protowire.ParseError(n))
			}
			switch seen.idCount {
			case 0:
				e.IDMost = v
			case 1:
				e.IDLeast = v
			default:
				return Event{}, fmt.Errorf("%w: id: more than two fixed64 values under tag %d", ErrCorruption, tagEventID)
			}
			seen.idCount++
			buf = buf[n:]
		case num == tagEventRevision && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return Event{}, fmt.Errorf("%w: revision: %v", ErrCorruption, protowire.ParseError(n))
			}
			e.Revision = v
			buf = buf[n:]
			seen.revision = true
		case num == tagEventStream && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return Event{}, fmt.Errorf("%w: stream_name: %v", ErrCorruption, protowire.ParseError(n))
			}
			e.StreamName = v
			buf = buf[n:]
			seen.stream = true
		case num == tagEventClass && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return Event{}, fmt.Errorf("%w: class: %v", ErrCorruption, protowire.ParseError(n))
			}
			e.Class = v
			buf = buf[n:]
			seen.class = true
		case num == tagEventCreated && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return Event{}, fmt.Errorf("%w: created: %v", ErrCorruption, protowire.ParseError(n))
			}
			e.Created = protowire.DecodeZigZag(v)
			buf = buf[n:]
			seen.created = true
		case num == tagEventData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return Event{}, fmt.Errorf("%w: data: %v", ErrCorruption, protowire.ParseError(n))
			}
			e.Payload = append([]byte(nil), v...)
			buf = buf[n:]
			seen.data = true
		case num == tagEventMetadata && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return Event{}, fmt.Errorf("%w: metadata: %v", ErrCorruption, protowire.ParseError(n))
			}
			e.Metadata = append([]byte(nil), v...)
			buf = buf[n:]
			seen.metadata = true
		case num == tagEventContentTyp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return Event{}, fmt.Errorf("%w: content_type: %v", ErrCorruption, protowire.ParseError(n))
			}
			e.ContentType = ContentType(v)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return Event{}, fmt.Errorf("%w: unknown field %d: %v", ErrCorruption, num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}

	if !seen.allRequired() {
		return Event{}, fmt.Errorf("%w: missing required field(s)", ErrCorruption)
	}
	return e, nil
}

// EncodeStreamDeleted serializes a StreamDeleted tombstone record.
func EncodeStreamDeleted(d StreamDeleted) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, tagDeletedStream, protowire.BytesType)
	buf = protowire.AppendString(buf, d.StreamName)
	buf = protowire.AppendTag(buf, tagDeletedRevision, protowire.VarintType)
	buf = protowire.AppendVarint(buf, d.Revision)
	buf = protowire.AppendTag(buf, tagDeletedCreated, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(d.Created))
	return buf
}

// DecodeStreamDeleted parses a StreamDeleted record. All three fields are
// required.
func DecodeStreamDeleted(buf []byte) (StreamDeleted, error) {
	var d StreamDeleted
	var stream, revision, created bool

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return StreamDeleted{}, fmt.Errorf("%w: bad tag: %v", ErrCorruption, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == tagDeletedStream && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return StreamDeleted{}, fmt.Errorf("%w: stream_name: %v", ErrCorruption, protowire.ParseError(n))
			}
			d.StreamName = v
			buf = buf[n:]
			stream = true
		case num == tagDeletedRevision && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return StreamDeleted{}, fmt.Errorf("%w: revision: %v", ErrCorruption, protowire.ParseError(n))
			}
			d.Revision = v
			buf = buf[n:]
			revision = true
		case num == tagDeletedCreated && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return StreamDeleted{}, fmt.Errorf("%w: created: %v", ErrCorruption, protowire.ParseError(n))
			}
			d.Created = protowire.DecodeZigZag(v)
			buf = buf[n:]
			created = true
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return StreamDeleted{}, fmt.Errorf("%w: unknown field %d: %v", ErrCorruption, num, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}

	if !stream || !revision || !created {
		return StreamDeleted{}, fmt.Errorf("%w: missing required field(s)", ErrCorruption)
	}
	return d, nil
}

// EncodeEnvelope wraps an encoded Event or StreamDeleted body with the
// variant tag that lets a reader distinguish them without guessing.
func EncodeEnvelope(variant uint32, body []byte) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, protowire.Number(variant), protowire.BytesType)
	buf = protowire.AppendBytes(buf, body)
	return buf
}

// DecodeEnvelope returns the variant tag and inner body bytes.
func DecodeEnvelope(buf []byte) (variant uint32, body []byte, err error) {
	num, typ, n := protowire.ConsumeTag(buf)
	if n < 0 || typ != protowire.BytesType {
		return 0, nil, fmt.Errorf("%w: envelope tag: %v", ErrCorruption, protowire.ParseError(n))
	}
	buf = buf[n:]
	v, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return 0, nil, fmt.Errorf("%w: envelope body: %v", ErrCorruption, protowire.ParseError(n))
	}
	return uint32(num), v, nil
}
