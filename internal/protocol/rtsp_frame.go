package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// InterleavedMarker is the leading byte of an RTSP interleaved data frame,
// per RFC 2326 §10.12: '$' <channel 1B> <length 2B, big-endian> <data>.
const InterleavedMarker = '$'

// InterleavedFrame is one demultiplexed RTP/RTCP frame arriving on the RTSP
// control socket (spec.md §4.F "Interleaved TCP").
type InterleavedFrame struct {
	Channel byte
	Data    []byte
}

// ReadInterleavedFrame reads one interleaved frame from r. It does not
// itself distinguish interleaved data from a plain RTSP response line — the
// caller peeks the first byte and dispatches to this function only once
// it has seen InterleavedMarker.
func ReadInterleavedFrame(r io.Reader) (*InterleavedFrame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading interleaved frame header: %w", err)
	}
	channel := hdr[0]
	length := binary.BigEndian.Uint16(hdr[1:3])
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading interleaved frame body: %w", err)
	}
	return &InterleavedFrame{Channel: channel, Data: data}, nil
}

// WriteInterleavedFrame writes an interleaved frame to w, used only in
// tests and by any loopback tooling — the gateway is a client of RTSP
// servers and never originates interleaved data itself.
func WriteInterleavedFrame(w io.Writer, channel byte, data []byte) error {
	if len(data) > 0xffff {
		return fmt.Errorf("protocol: interleaved frame too large: %d bytes", len(data))
	}
	hdr := make([]byte, 3+len(data))
	hdr[0] = channel
	binary.BigEndian.PutUint16(hdr[1:3], uint16(len(data)))
	copy(hdr[3:], data)
	_, err := w.Write(hdr)
	return err
}
