package protocol

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"devlink/pkg/protocol/codec"
)

// Format is the on-wire encoding of the record inside a frame. It is carried
// in the frame header, so a receiver decodes whatever the sender chose.
type Format uint8

const (
	FormatUnknown Format = iota
	// FormatJSON interoperates with JSON peers. Binary values travel as base64
	// strings, and floats with no fractional part (2.0) come back as int64.
	FormatJSON
	// FormatCBOR is the default and the only lossless format for every value kind.
	FormatCBOR
	// FormatProto encodes the record as a google.protobuf.Struct. Numbers come
	// back as floats and binary values as base64 strings.
	FormatProto
)

// DefaultFormat is used by MarshalBinary and by links without an explicit format.
const DefaultFormat = FormatCBOR

const (
	ContentUnknown = "application/octet-stream"
	ContentJSON    = "application/json"
	ContentCBOR    = "application/cbor"
	ContentProto   = "application/x-protobuf"
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return ContentJSON
	case FormatCBOR:
		return ContentCBOR
	case FormatProto:
		return ContentProto
	default:
		return ContentUnknown
	}
}

// ParseFormat accepts short names ("json", "cbor", "proto") or content types.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cbor", ContentCBOR:
		return FormatCBOR, nil
	case "json", ContentJSON:
		return FormatJSON, nil
	case "proto", "protobuf", ContentProto:
		return FormatProto, nil
	default:
		return FormatUnknown, fmt.Errorf("unknown format: %q", s)
	}
}

// record is the serialized form of a package.
type record struct {
	ID                  int64          `cbor:"id" json:"id"`
	Type                string         `cbor:"type" json:"type"`
	Body                map[string]any `cbor:"body" json:"body"`
	PayloadSize         *int64         `cbor:"payloadSize,omitempty" json:"payloadSize,omitempty"`
	PayloadTransferInfo map[string]any `cbor:"payloadTransferInfo,omitempty" json:"payloadTransferInfo,omitempty"`
}

func codecFor(f Format) (codec.Codec, error) {
	if f == FormatUnknown {
		return nil, fmt.Errorf("unknown format: %d", f)
	}
	c := codec.Default().Get(f.String())
	if c == nil {
		return nil, fmt.Errorf("unknown format: %d", f)
	}
	return c, nil
}

func encodeRecord(f Format, rec *record) ([]byte, error) {
	c, err := codecFor(f)
	if err != nil {
		return nil, err
	}
	if f != FormatProto {
		return c.Marshal(rec)
	}
	m := map[string]any{
		"id":   rec.ID,
		"type": rec.Type,
		"body": rec.Body,
	}
	if rec.PayloadSize != nil {
		m["payloadSize"] = *rec.PayloadSize
	}
	if rec.PayloadTransferInfo != nil {
		m["payloadTransferInfo"] = rec.PayloadTransferInfo
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	return c.Marshal(s)
}

func decodeRecord(f Format, data []byte) (*record, error) {
	c, err := codecFor(f)
	if err != nil {
		return nil, err
	}
	if f != FormatProto {
		var rec record
		if err := c.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		if f == FormatJSON {
			rec.Body, _ = normalizeDecoded(rec.Body).(map[string]any)
			rec.PayloadTransferInfo, _ = normalizeDecoded(rec.PayloadTransferInfo).(map[string]any)
		}
		return &rec, nil
	}
	var s structpb.Struct
	if err := c.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return recordFromMap(s.AsMap())
}

func recordFromMap(m map[string]any) (*record, error) {
	var rec record
	id, ok := m["id"].(float64)
	if !ok || id != math.Trunc(id) {
		return nil, errors.New("id is not an integer")
	}
	rec.ID = int64(id)
	if rec.Type, ok = m["type"].(string); !ok {
		return nil, errors.New("type is not a string")
	}
	if b, present := m["body"]; present && b != nil {
		if rec.Body, ok = b.(map[string]any); !ok {
			return nil, errors.New("body is not a map")
		}
	}
	if v, present := m["payloadSize"]; present {
		size, ok := v.(float64)
		if !ok {
			return nil, errors.New("payloadSize is not a number")
		}
		n := int64(size)
		rec.PayloadSize = &n
	}
	if v, present := m["payloadTransferInfo"]; present && v != nil {
		if rec.PayloadTransferInfo, ok = v.(map[string]any); !ok {
			return nil, errors.New("payloadTransferInfo is not a map")
		}
	}
	return &rec, nil
}
