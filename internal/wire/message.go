// Package wire implements the flat text encoding used on the signaling
// channel.
//
// A message is a single flat object with keys drawn from a fixed set:
//
//	{"type":"offer","sdp":"v=0\r\n..."}
//	{"type":"ice","candidate":"candidate:1 ...","sdpMLineIndex":0,"sdpMid":"0"}
//
// String values use exactly four escapes (\\, \", \n, \r). Any other
// backslash sequence is carried through untouched in both directions.
package wire

import "fmt"

// DescriptionKind is the role of a session description.
type DescriptionKind string

const (
	KindOffer    DescriptionKind = "offer"
	KindAnswer   DescriptionKind = "answer"
	KindPranswer DescriptionKind = "pranswer"
	KindRollback DescriptionKind = "rollback"
)

// typeCandidate is the wire type tag of a Candidate.
const typeCandidate = "ice"

// DefaultMid is used for a candidate that arrives without sdpMid.
const DefaultMid = "0"

// ParseDescriptionKind maps a wire type tag to a DescriptionKind.
func ParseDescriptionKind(s string) (DescriptionKind, bool) {
	switch k := DescriptionKind(s); k {
	case KindOffer, KindAnswer, KindPranswer, KindRollback:
		return k, true
	default:
		return "", false
	}
}

// Message is either a Description or a Candidate.
type Message interface {
	// Type returns the value of the "type" field on the wire.
	Type() string
	isMessage()
}

// Description carries a session description body.
type Description struct {
	Kind DescriptionKind
	SDP  string
}

// Candidate carries one trickled connectivity candidate.
type Candidate struct {
	Candidate     string
	SDPMLineIndex int
	SDPMid        string
}

func (d Description) Type() string { return string(d.Kind) }
func (Candidate) Type() string     { return typeCandidate }

func (Description) isMessage() {}
func (Candidate) isMessage()   {}

func (d Description) String() string {
	return fmt.Sprintf("%s(%d bytes)", d.Kind, len(d.SDP))
}

func (c Candidate) String() string {
	return fmt.Sprintf("ice(mid=%s, mline=%d)", c.SDPMid, c.SDPMLineIndex)
}
