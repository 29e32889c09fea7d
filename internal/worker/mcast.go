package worker

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// dialTimeout bounds the RTSP control connection dial, so a dead upstream
// fails fast rather than blocking the shard's accept/tick loop.
const dialTimeout = 5 * time.Second

// Dialer implements stream.Dialer against real sockets: IGMP
// (source-specific) multicast join via golang.org/x/sys/unix setsockopt,
// SO_REUSEPORT-shared UDP binds, and plain TCP dial for RTSP control
// connections.
type Dialer struct{}

// NewDialer returns the real-socket Dialer used by worker shards.
func NewDialer() *Dialer { return &Dialer{} }

// JoinMulticast opens a UDP socket bound to group:port and joins the
// multicast group, using source-specific multicast (IP_ADD_SOURCE_MEMBERSHIP)
// when source is non-nil, per spec.md §4.G/§6.
func (d *Dialer) JoinMulticast(group, source net.IP, port int) (net.PacketConn, error) {
	pc, err := listenConfig.ListenPacket(nil, "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding multicast socket on port %d: %w", port, err)
	}
	if err := addMembership(pc, group, source); err != nil {
		pc.Close()
		return nil, err
	}
	return pc, nil
}

// Rejoin drops and re-adds the multicast membership on the same socket,
// per spec.md §4.G's periodic-rejoin responsibility.
func (d *Dialer) Rejoin(pc net.PacketConn, group, source net.IP) error {
	if err := dropMembership(pc, group, source); err != nil {
		return err
	}
	return addMembership(pc, group, source)
}

// DialUDP opens an ephemeral local UDP socket, used for the FCC
// rendezvous/unicast endpoint.
func (d *Dialer) DialUDP() (net.PacketConn, error) {
	pc, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("opening FCC UDP socket: %w", err)
	}
	return pc, nil
}

// DialRTSP opens the RTSP control TCP connection.
func (d *Dialer) DialRTSP(addr string) (net.Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing RTSP upstream %s: %w", addr, err)
	}
	return nc, nil
}

func addMembership(pc net.PacketConn, group, source net.IP) error {
	return withRawFD(pc, func(fd int) error {
		if source != nil {
			mreq := &unix.IPMreqSource{
				Multiaddr: ipv4Bytes(group),
				Sourceaddr: ipv4Bytes(source),
			}
			return unix.SetsockoptIPMreqSource(fd, unix.IPPROTO_IP, unix.IP_ADD_SOURCE_MEMBERSHIP, mreq)
		}
		mreq := &unix.IPMreq{Multiaddr: ipv4Bytes(group)}
		return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
	})
}

func dropMembership(pc net.PacketConn, group, source net.IP) error {
	return withRawFD(pc, func(fd int) error {
		if source != nil {
			mreq := &unix.IPMreqSource{
				Multiaddr:  ipv4Bytes(group),
				Sourceaddr: ipv4Bytes(source),
			}
			return unix.SetsockoptIPMreqSource(fd, unix.IPPROTO_IP, unix.IP_DROP_SOURCE_MEMBERSHIP, mreq)
		}
		mreq := &unix.IPMreq{Multiaddr: ipv4Bytes(group)}
		return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, mreq)
	})
}

func ipv4Bytes(ip net.IP) [4]byte {
	var b [4]byte
	v4 := ip.To4()
	copy(b[:], v4)
	return b
}

func withRawFD(pc net.PacketConn, fn func(fd int) error) error {
	sc, ok := pc.(syscall.Conn)
	if !ok {
		return fmt.Errorf("packet conn %T does not expose a raw fd", pc)
	}
	rawConn, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("getting raw conn: %w", err)
	}
	var fnErr error
	if err := rawConn.Control(func(fd uintptr) {
		fnErr = fn(int(fd))
	}); err != nil {
		return fmt.Errorf("control fd: %w", err)
	}
	return fnErr
}
