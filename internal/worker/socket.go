// Package worker implements the goroutine-shard worker loop: one shard
// per GOMAXPROCS-sized slice of accepted connections, each with its own
// buffer pool, connection table, and readiness-driven tick loop, per
// spec.md §4.H.
package worker

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// reusePortControl is a net.ListenConfig.Control callback that sets
// SO_REUSEPORT on the listening socket before bind, so the kernel load
// balances accepted connections across one listener per worker shard,
// per spec.md §2/§6. Grounded on internal/agent/dscp.go's
// SyscallConn().Control(...) + setsockopt idiom.
func reusePortControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}); err != nil {
		return fmt.Errorf("control fd for SO_REUSEPORT: %w", err)
	}
	return sockErr
}

// listenConfig is the shared ListenConfig every worker shard uses to
// open its own listener on the same address.
var listenConfig = net.ListenConfig{Control: reusePortControl}

// ListenReusable opens a TCP listener with SO_REUSEPORT set, so multiple
// worker shards can each bind the same address/port.
func ListenReusable(network, address string) (net.Listener, error) {
	return listenConfig.Listen(nil, network, address)
}

// applyConnOptions sets TCP_NODELAY, TCP_USER_TIMEOUT, and (if dscp != 0)
// the IP_TOS DSCP marking on an accepted client connection, per spec.md
// §4.H "Accepts set non-blocking, TCP_NODELAY, and TCP_USER_TIMEOUT (≈
// 10 seconds) so stuck-ack clients fail quickly."
func applyConnOptions(nc net.Conn, userTimeout time.Duration, dscp int) error {
	tcpConn, ok := nc.(*net.TCPConn)
	if !ok {
		return nil // e.g. a test double or non-TCP transport; nothing to set
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		return fmt.Errorf("setting TCP_NODELAY: %w", err)
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("getting raw conn for TCP_USER_TIMEOUT: %w", err)
	}
	ms := int(userTimeout.Milliseconds())
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, ms)
	}); err != nil {
		return fmt.Errorf("control fd for TCP_USER_TIMEOUT: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("setsockopt TCP_USER_TIMEOUT=%dms: %w", ms, sockErr)
	}

	return applyDSCP(nc, dscp)
}

// DefaultUserTimeout is the TCP_USER_TIMEOUT applied to accepted client
// connections, per spec.md §4.H.
const DefaultUserTimeout = 10 * time.Second
