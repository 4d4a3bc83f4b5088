package wire

import "strconv"

type valueKind uint8

const (
	valueString valueKind = iota + 1
	valueNumber
	valueBool
	valueNull
)

type scannedValue struct {
	kind valueKind
	// raw is the undecoded text; for strings it excludes the quotes.
	raw []byte
	off int
}

// scannedFields holds the first occurrence of each known field.
type scannedFields map[string]scannedValue

func isKnownField(name string) bool {
	switch name {
	case fieldType, fieldSDP, fieldCandidate, fieldSDPMLineIndex, fieldSDPMid:
		return true
	default:
		return false
	}
}

func (f scannedFields) str(name string) (string, bool, error) {
	v, ok := f[name]
	if !ok || v.kind == valueNull {
		return "", false, nil
	}
	if v.kind != valueString {
		return "", false, &DecodeError{Reason: ReasonInvalidField, Field: name, Offset: v.off, Detail: "want string"}
	}
	return unescape(v.raw), true, nil
}

func (f scannedFields) integer(name string) (int, bool, error) {
	v, ok := f[name]
	if !ok || v.kind == valueNull {
		return 0, false, nil
	}
	if v.kind != valueNumber {
		return 0, false, &DecodeError{Reason: ReasonInvalidField, Field: name, Offset: v.off, Detail: "want integer"}
	}
	raw := v.raw
	if len(raw) > 0 && raw[0] == '-' {
		raw = raw[1:]
	}
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, false, &DecodeError{Reason: ReasonInvalidField, Field: name, Offset: v.off, Detail: "want integer"}
		}
	}
	n, err := strconv.Atoi(string(v.raw))
	if err != nil {
		return 0, false, &DecodeError{Reason: ReasonInvalidField, Field: name, Offset: v.off, Detail: "integer out of range"}
	}
	return n, true, nil
}

type scanner struct {
	b []byte
	i int
}

func scanObject(data []byte) (scannedFields, error) {
	s := scanner{b: data}
	fields := make(scannedFields, 5)

	s.skipSpace()
	if !s.consume('{') {
		return nil, malformed(s.i, "expected '{'")
	}
	s.skipSpace()
	if s.consume('}') {
		return fields, s.end()
	}
	for {
		s.skipSpace()
		if s.peek() != '"' {
			return nil, malformed(s.i, "expected field name")
		}
		rawKey, err := s.scanString()
		if err != nil {
			return nil, err
		}
		s.skipSpace()
		if !s.consume(':') {
			return nil, malformed(s.i, "expected ':'")
		}
		s.skipSpace()
		v, err := s.scanValue()
		if err != nil {
			return nil, err
		}
		key := unescape(rawKey)
		if _, seen := fields[key]; !seen && isKnownField(key) {
			fields[key] = v
		}

		s.skipSpace()
		if s.consume(',') {
			continue
		}
		if s.consume('}') {
			return fields, s.end()
		}
		return nil, malformed(s.i, "expected ',' or '}'")
	}
}

func (s *scanner) end() error {
	s.skipSpace()
	if s.i != len(s.b) {
		return malformed(s.i, "trailing data")
	}
	return nil
}

func (s *scanner) peek() byte {
	if s.i >= len(s.b) {
		return 0
	}
	return s.b[s.i]
}

func (s *scanner) consume(c byte) bool {
	if s.peek() == c && s.i < len(s.b) {
		s.i++
		return true
	}
	return false
}

func (s *scanner) skipSpace() {
	for s.i < len(s.b) {
		switch s.b[s.i] {
		case ' ', '\t', '\n', '\r':
			s.i++
		default:
			return
		}
	}
}

// scanString expects the cursor on an opening quote and returns the bytes
// between the quotes, escapes intact.
func (s *scanner) scanString() ([]byte, error) {
	start := s.i
	s.i++
	for s.i < len(s.b) {
		switch s.b[s.i] {
		case '\\':
			s.i += 2
		case '"':
			raw := s.b[start+1 : s.i]
			s.i++
			return raw, nil
		default:
			s.i++
		}
	}
	return nil, malformed(start, "unterminated string")
}

func (s *scanner) scanValue() (scannedValue, error) {
	off := s.i
	switch c := s.peek(); {
	case c == '"':
		raw, err := s.scanString()
		return scannedValue{kind: valueString, raw: raw, off: off}, err
	case c == '-' || (c >= '0' && c <= '9'):
		raw, err := s.scanNumber()
		return scannedValue{kind: valueNumber, raw: raw, off: off}, err
	case c == 't':
		return s.scanLiteral("true", valueBool)
	case c == 'f':
		return s.scanLiteral("false", valueBool)
	case c == 'n':
		return s.scanLiteral("null", valueNull)
	case c == '{' || c == '[':
		return scannedValue{}, malformed(off, "nested values are not supported")
	case s.i >= len(s.b):
		return scannedValue{}, malformed(off, "unexpected end of input")
	default:
		return scannedValue{}, malformed(off, "unexpected character")
	}
}

func (s *scanner) scanNumber() ([]byte, error) {
	start := s.i
	s.consume('-')
	if !s.digits() {
		return nil, malformed(start, "bad number")
	}
	if s.consume('.') && !s.digits() {
		return nil, malformed(start, "bad number")
	}
	if s.consume('e') || s.consume('E') {
		if !s.consume('+') {
			s.consume('-')
		}
		if !s.digits() {
			return nil, malformed(start, "bad number")
		}
	}
	return s.b[start:s.i], nil
}

func (s *scanner) digits() bool {
	start := s.i
	for s.i < len(s.b) && s.b[s.i] >= '0' && s.b[s.i] <= '9' {
		s.i++
	}
	return s.i > start
}

func (s *scanner) scanLiteral(lit string, kind valueKind) (scannedValue, error) {
	off := s.i
	if len(s.b)-s.i < len(lit) || string(s.b[s.i:s.i+len(lit)]) != lit {
		return scannedValue{}, malformed(off, "unexpected character")
	}
	s.i += len(lit)
	return scannedValue{kind: kind, raw: s.b[off:s.i], off: off}, nil
}
