package protocol

import (
	"fmt"

	"github.com/pion/rtp"
)

// minRTPHeaderLen is the fixed RTP header length (no CSRC, no extension).
const minRTPHeaderLen = 12

// LooksLikeRTP applies the heuristic spec.md §4.D calls for: inspect the
// first two bytes for a plausible RTP v2 header (version field, sane
// payload type). This is a heuristic, not a guarantee — a raw UDP/MPEG-TS
// datagram that happens to start with the same bit pattern will be
// misclassified and desync the reorder window for one window's worth of
// packets. That tradeoff is accepted as-is (spec.md §9, Open Question a).
func LooksLikeRTP(data []byte) bool {
	if len(data) < minRTPHeaderLen {
		return false
	}
	version := data[0] >> 6
	if version != 2 {
		return false
	}
	payloadType := data[1] & 0x7f
	// 72-76 are reserved for RTCP in the same port-pair convention; treat
	// as implausible for a media payload type riding on this socket.
	if payloadType >= 72 && payloadType <= 76 {
		return false
	}
	return true
}

// ParseRTP parses an RTP packet and returns its sequence number, timestamp
// and payload. Callers that already ran LooksLikeRTP still get ErrNotRTP if
// pion/rtp's stricter validation rejects the header.
func ParseRTP(data []byte) (seq uint16, timestamp uint32, payload []byte, err error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrNotRTP, err)
	}
	return pkt.SequenceNumber, pkt.Timestamp, pkt.Payload, nil
}

// SeqGreater reports whether a is "after" b modulo 2^16, using the
// half-window split spec.md §9(b) mandates for distinguishing "ahead" from
// "wrapped around and behind".
func SeqGreater(a, b uint16) bool {
	return int16(a-b) > 0
}

// SeqDistance returns the signed forward distance from b to a modulo 2^16,
// in (-32768, 32768].
func SeqDistance(a, b uint16) int32 {
	return int32(int16(a - b))
}
