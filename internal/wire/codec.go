package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Field names on the wire.
const (
	fieldType          = "type"
	fieldSDP           = "sdp"
	fieldCandidate     = "candidate"
	fieldSDPMLineIndex = "sdpMLineIndex"
	fieldSDPMid        = "sdpMid"
)

var ErrInvalidMessage = errors.New("wire: invalid message")

// Encode renders m in its wire form.
func Encode(m Message) ([]byte, error) {
	return AppendEncode(nil, m)
}

// AppendEncode appends the wire form of m to dst.
func AppendEncode(dst []byte, m Message) ([]byte, error) {
	switch m := m.(type) {
	case Description:
		if _, ok := ParseDescriptionKind(string(m.Kind)); !ok {
			return dst, fmt.Errorf("%w: description kind %q", ErrInvalidMessage, m.Kind)
		}
		dst = append(dst, `{"type":`...)
		dst = appendString(dst, string(m.Kind))
		dst = append(dst, `,"sdp":`...)
		dst = appendString(dst, m.SDP)
		return append(dst, '}'), nil
	case Candidate:
		dst = append(dst, `{"type":"ice","candidate":`...)
		dst = appendString(dst, m.Candidate)
		dst = append(dst, `,"sdpMLineIndex":`...)
		dst = strconv.AppendInt(dst, int64(m.SDPMLineIndex), 10)
		dst = append(dst, `,"sdpMid":`...)
		dst = appendString(dst, m.SDPMid)
		return append(dst, '}'), nil
	case nil:
		return dst, fmt.Errorf("%w: nil", ErrInvalidMessage)
	default:
		return dst, fmt.Errorf("%w: %T", ErrInvalidMessage, m)
	}
}

func appendString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			dst = append(dst, '\\', '\\')
		case '"':
			dst = append(dst, '\\', '"')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		default:
			dst = append(dst, c)
		}
	}
	return append(dst, '"')
}

// unescape reverses appendString. Unknown escapes are kept as written.
func unescape(raw []byte) string {
	if bytes.IndexByte(raw, '\\') < 0 {
		return string(raw)
	}
	var sb strings.Builder
	sb.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 == len(raw) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case '"':
			sb.WriteByte('"')
		case '\\':
			sb.WriteByte('\\')
		default:
			sb.WriteByte('\\')
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}

// Decode parses one wire message.
//
// Fields may appear in any order and unknown fields are ignored. When a field
// repeats, the first occurrence is used. A null value counts as absent.
func Decode(data []byte) (Message, error) {
	fields, err := scanObject(data)
	if err != nil {
		return nil, err
	}

	typ, ok, err := fields.str(fieldType)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &DecodeError{Reason: ReasonMissingType, Field: fieldType, Offset: -1}
	}

	if typ == typeCandidate {
		return decodeCandidate(fields)
	}
	kind, ok := ParseDescriptionKind(typ)
	if !ok {
		return nil, &DecodeError{Reason: ReasonUnknownType, Field: fieldType, Offset: -1, Detail: strconv.Quote(typ)}
	}
	sdp, ok, err := fields.str(fieldSDP)
	if err != nil {
		return nil, err
	}
	// A rollback carries no description body of its own.
	if !ok && kind != KindRollback {
		return nil, &DecodeError{Reason: ReasonMissingField, Field: fieldSDP, Offset: -1}
	}
	return Description{Kind: kind, SDP: sdp}, nil
}

func decodeCandidate(fields scannedFields) (Message, error) {
	cand, ok, err := fields.str(fieldCandidate)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &DecodeError{Reason: ReasonMissingField, Field: fieldCandidate, Offset: -1}
	}
	mid, ok, err := fields.str(fieldSDPMid)
	if err != nil {
		return nil, err
	}
	if !ok {
		mid = DefaultMid
	}
	idx, _, err := fields.integer(fieldSDPMLineIndex)
	if err != nil {
		return nil, err
	}
	return Candidate{Candidate: cand, SDPMLineIndex: idx, SDPMid: mid}, nil
}
