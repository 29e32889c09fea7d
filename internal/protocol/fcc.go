package protocol

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pion/rtcp"
)

// FCC control bytes. The vendor Fast Channel Change extension rides on a
// socket shaped like RTCP (same header layout conventions) but the frames
// themselves are a proprietary FMT/APP extension identified by this single
// leading byte, per spec.md §6 "Vendor FCC control".
const (
	FCCRequest    byte = 0x82 // Client → rendezvous server: request a unicast burst
	FCCResponse   byte = 0x83 // Server → client: accept, optionally carrying a redirect
	FCCSyncNotify byte = 0x84 // Server → client: unicast has caught up, join multicast
	FCCTerminate  byte = 0x81 // Client → server: stop the unicast burst
)

// FCCRedirect, when non-empty, is carried in an FCCResponse frame and names
// a different rendezvous address the client must re-send its request to
// (spec.md §4.E "Requested → UnicastPending").
type FCCResponseFrame struct {
	Tag      byte
	Redirect *net.UDPAddr // nil when no redirect is present
}

// ParseFCCControl reads the proprietary control byte out of a UDP datagram
// received on the FCC rendezvous socket. It first attempts a generic RTCP
// unmarshal purely to validate the envelope looks RTCP-shaped (logged by
// callers on failure, never fatal); the control semantics always come from
// the leading tag byte as spec.md describes, since FCC's FMT extension is
// not one of pion/rtcp's typed packets.
func ParseFCCControl(data []byte) (tag byte, body []byte, rtcpErr error) {
	if len(data) < 1 {
		return 0, nil, ErrTruncatedFrame
	}
	_, rtcpErr = rtcp.Unmarshal(data)
	tag = data[0]
	switch tag {
	case FCCRequest, FCCResponse, FCCSyncNotify, FCCTerminate:
		return tag, data[1:], rtcpErr
	default:
		return 0, nil, fmt.Errorf("%w: 0x%02x", ErrInvalidFCCTag, tag)
	}
}

// ParseFCCResponse decodes the optional redirect carried in an FCCResponse
// body: [4 bytes IPv4][2 bytes port, big-endian], present only when the
// rendezvous server wants the client to retry elsewhere.
func ParseFCCResponse(body []byte) (*FCCResponseFrame, error) {
	f := &FCCResponseFrame{Tag: FCCResponse}
	if len(body) == 0 {
		return f, nil
	}
	if len(body) < 6 {
		return nil, ErrTruncatedFrame
	}
	ip := net.IPv4(body[0], body[1], body[2], body[3])
	port := binary.BigEndian.Uint16(body[4:6])
	f.Redirect = &net.UDPAddr{IP: ip, Port: int(port)}
	return f, nil
}

// WriteFCCRequest writes the FCCRequest frame: [tag 1B][channel id '\n'].
func WriteFCCRequest(channelID string) []byte {
	buf := make([]byte, 0, 1+len(channelID)+1)
	buf = append(buf, FCCRequest)
	buf = append(buf, channelID...)
	buf = append(buf, '\n')
	return buf
}

// WriteFCCTerminate writes the FCCTerminate frame.
func WriteFCCTerminate() []byte {
	return []byte{FCCTerminate}
}
