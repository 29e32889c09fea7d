// Package protocol implements wire-level framing for the upstream media
// protocols the gateway speaks: RTP packet headers, the vendor Fast Channel
// Change (FCC) control byte, and RTSP's interleaved TCP framing.
package protocol

import "errors"

// Sentinel errors for malformed upstream data. These map to the
// ProtocolError kind in the engine's error taxonomy: per-packet, never
// client-fatal, always counted.
var (
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	ErrInvalidVersion = errors.New("protocol: unsupported version")
	ErrNotRTP         = errors.New("protocol: not a well-formed RTP packet")
	ErrInvalidFCCTag  = errors.New("protocol: unrecognized FCC control byte")
	ErrInvalidChannel = errors.New("protocol: interleaved channel out of range")
)
