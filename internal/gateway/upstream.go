package gateway

import (
	"bufio"
	"context"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/iptvgw/iptvgw/internal/protocol"
	"github.com/iptvgw/iptvgw/internal/stream"
)

// readBufSize bounds one datagram read off a multicast or FCC socket.
// MPEG-TS-over-RTP packets are well under this; it also covers jumbo
// frames without a reallocation.
const readBufSize = 2048

// pumpMulticast reads datagrams off sc's multicast socket until it
// returns nil (FCC hasn't joined yet) or read fails, and feeds each one
// to sc.OnMulticastPacket. It re-fetches the socket via the accessor on
// every iteration since FCC fallback can swap it in mid-stream.
func pumpMulticast(ctx context.Context, sc *stream.Context) {
	buf := make([]byte, readBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		pc := sc.MulticastConn()
		if pc == nil {
			if sleepOrDone(ctx, 20*time.Millisecond) {
				return
			}
			continue
		}
		_ = pc.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if sc.MulticastConn() == nil {
				continue // closed out from under us by FCC fallback tear-down
			}
			return
		}
		sc.OnMulticastPacket(time.Now(), buf[:n])
	}
}

// newFCCLimiter builds the token bucket pumpFCC paces its catch-up replay
// against. bps <= 0 disables pacing (returns nil).
func newFCCLimiter(bps int64) *rate.Limiter {
	if bps <= 0 {
		return nil
	}
	burst := int(bps)
	if burst > maxFCCBurstChunk {
		burst = maxFCCBurstChunk
	}
	return rate.NewLimiter(rate.Limit(bps), burst)
}

// pumpFCC reads datagrams off sc's FCC rendezvous/unicast socket for as
// long as it remains open, feeding each to sc.OnFCCPacket. The unicast
// catch-up phase replays buffered packets far faster than real-time;
// limiter paces that replay so it cannot burst an FCC client far above
// burstBps and starve the pool's other connections.
func pumpFCC(ctx context.Context, sc *stream.Context, limiter *rate.Limiter) {
	buf := make([]byte, readBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		pc := sc.FCCConn()
		if pc == nil {
			return // unicast phase over; multicast pump carries the stream
		}
		_ = pc.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if limiter != nil {
			if err := limiter.WaitN(ctx, n); err != nil {
				return
			}
		}
		sc.OnFCCPacket(time.Now(), buf[:n])
	}
}

// pumpRTSP reads RTSP responses and interleaved binary frames off sc's
// control connection, per RFC 2326 §10.12, feeding the text responses to
// sc.OnRTSPResponse and the interleaved RTP payloads to
// sc.OnRTSPInterleavedPacket.
func pumpRTSP(ctx context.Context, sc *stream.Context) {
	rc := sc.RTSPConn()
	if rc == nil {
		return
	}
	r := bufio.NewReader(rc)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = rc.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		b, err := r.Peek(1)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if b[0] == protocol.InterleavedMarker {
			frame, err := protocol.ReadInterleavedFrame(r)
			if err != nil {
				return
			}
			sc.OnRTSPInterleavedPacket(time.Now(), frame.Data)
			continue
		}
		cseq, statusOK, headers, err := readRTSPResponse(r)
		if err != nil {
			return
		}
		sc.OnRTSPResponse(cseq, statusOK, headers)
	}
}

// pumpRTSPUDP reads RTP media datagrams off sc's negotiated UDP transport
// socket (Transport: RTP/AVP;unicast;client_port=p-p+1) until the socket
// is released (the server rejected UDP and SETUP fell back to
// interleaved) or a read fails. The same frame handler as the
// interleaved path applies: RTP is reordered, anything else forwarded as
// opaque MPEG-TS.
func pumpRTSPUDP(ctx context.Context, sc *stream.Context) {
	buf := make([]byte, readBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		pc := sc.RTPConn()
		if pc == nil {
			return
		}
		_ = pc.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		sc.OnRTSPInterleavedPacket(time.Now(), buf[:n])
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}
