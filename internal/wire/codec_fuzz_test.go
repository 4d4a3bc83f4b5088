package wire

import (
	"errors"
	"testing"
)

func FuzzDecode(f *testing.F) {
	f.Add([]byte(`{"type":"answer","sdp":"v=0"}`))
	f.Add([]byte(`{"type":"ice","candidate":"c","sdpMLineIndex":0,"sdpMid":"0"}`))
	f.Add([]byte(`{"type":"offer","sdp":"\\\"\n"}`))
	f.Add([]byte(`{`))

	f.Fuzz(func(t *testing.T, b []byte) {
		m, err := Decode(b)
		if err != nil {
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("unexpected error type: %v", err)
			}
			if m != nil {
				t.Fatalf("message returned with error: %#v", m)
			}
			return
		}
		enc, err := Encode(m)
		if err != nil {
			t.Fatalf("decoded message does not encode: %#v: %v", m, err)
		}
		again, err := Decode(enc)
		if err != nil {
			t.Fatalf("re-decode failed: %q: %v", enc, err)
		}
		if again != m {
			t.Fatalf("unstable round trip: %#v != %#v", again, m)
		}
	})
}

func FuzzRoundTripBody(f *testing.F) {
	f.Add("v=0\r\n", "candidate:1", "0", 0)
	f.Add(`"\`, `\n`, "", -3)

	f.Fuzz(func(t *testing.T, body, cand, mid string, idx int) {
		for _, m := range []Message{
			Description{Kind: KindOffer, SDP: body},
			Candidate{Candidate: cand, SDPMLineIndex: idx, SDPMid: mid},
		} {
			enc, err := Encode(m)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := Decode(enc)
			if err != nil {
				t.Fatalf("decode %q: %v", enc, err)
			}
			if got != m {
				t.Fatalf("round trip mismatch: %#v != %#v", got, m)
			}
		}
	})
}
