package wire

import (
	"errors"
	"fmt"
)

// ErrDecode matches every *DecodeError via errors.Is.
var ErrDecode = errors.New("wire: decode failed")

// DecodeReason classifies a decode failure.
type DecodeReason int

const (
	// ReasonMalformed means the text is not a flat object of the accepted shape.
	ReasonMalformed DecodeReason = iota + 1
	ReasonMissingType
	ReasonUnknownType
	// ReasonMissingField means a field required by the message type is absent.
	ReasonMissingField
	// ReasonInvalidField means a known field holds a value of the wrong kind.
	ReasonInvalidField
)

func (r DecodeReason) String() string {
	switch r {
	case ReasonMalformed:
		return "malformed"
	case ReasonMissingType:
		return "missing_type"
	case ReasonUnknownType:
		return "unknown_type"
	case ReasonMissingField:
		return "missing_field"
	case ReasonInvalidField:
		return "invalid_field"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

type DecodeError struct {
	Reason DecodeReason
	// Field names the offending field, if any.
	Field string
	// Offset is the byte offset where scanning stopped, or -1.
	Offset int
	Detail string
}

func (e *DecodeError) Error() string {
	msg := "wire: " + e.Reason.String()
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" at offset %d", e.Offset)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func malformed(off int, detail string) *DecodeError {
	return &DecodeError{Reason: ReasonMalformed, Offset: off, Detail: detail}
}
