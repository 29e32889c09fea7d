package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/iptvgw/iptvgw/internal/conn"
	"github.com/iptvgw/iptvgw/internal/pool"
	"github.com/iptvgw/iptvgw/internal/stream"
)

type fakePacketConn struct{}

func (fakePacketConn) ReadFrom(p []byte) (int, net.Addr, error)     { return 0, nil, net.ErrClosed }
func (fakePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) { return len(p), nil }
func (fakePacketConn) Close() error                                 { return nil }
func (fakePacketConn) LocalAddr() net.Addr                          { return &net.UDPAddr{} }
func (fakePacketConn) SetDeadline(t time.Time) error                { return nil }
func (fakePacketConn) SetReadDeadline(t time.Time) error            { return nil }
func (fakePacketConn) SetWriteDeadline(t time.Time) error           { return nil }

type fakeStreamDialer struct {
	joins   int
	rejoins int
}

func (d *fakeStreamDialer) JoinMulticast(group, source net.IP, port int) (net.PacketConn, error) {
	d.joins++
	return fakePacketConn{}, nil
}
func (d *fakeStreamDialer) Rejoin(pc net.PacketConn, group, source net.IP) error {
	d.rejoins++
	return nil
}
func (d *fakeStreamDialer) DialUDP() (net.PacketConn, error)                     { return fakePacketConn{}, nil }
func (d *fakeStreamDialer) DialRTSP(addr string) (net.Conn, error)               { return nil, net.ErrClosed }

func testShard(t *testing.T) *Shard {
	t.Helper()
	p := pool.New(pool.Config{
		BufferSize:     1500,
		InitialBuffers: 4,
		MaxBuffers:     16,
		LowWatermark:   1,
		HighWatermark:  8,
		ControlReserve: 1,
	}, nil)
	ctl := conn.NewController(p, 2)
	return New(Config{ID: 1, Pool: p, Controller: ctl, TickInterval: 10 * time.Millisecond})
}

func TestShard_Run_AcceptsAndServesConnections(t *testing.T) {
	shard := testShard(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	served := make(chan *conn.Connection, 1)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- shard.Run(ctx, ln, func(ctx context.Context, s *Shard, c *conn.Connection) {
			served <- c
			<-ctx.Done()
		})
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	select {
	case c := <-served:
		if c == nil {
			t.Fatal("expected a non-nil Connection passed to ServeFunc")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the accepted connection to be served")
	}

	if shard.ActiveConnections() != 1 {
		t.Fatalf("expected 1 active connection, got %d", shard.ActiveConnections())
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return after cancellation")
	}
}

func TestShard_RegisterStream_TickDrivesContext(t *testing.T) {
	shard := testShard(t)
	dialer := &fakeStreamDialer{}
	svc := &stream.Service{Name: "news1", Group: net.IPv4(239, 1, 1, 1), Port: 5000}

	sc, err := stream.New(stream.Config{Service: svc, Dialer: dialer, Pool: shard.Pool()})
	if err != nil {
		t.Fatalf("stream.New: %v", err)
	}
	shard.RegisterStream("shard1-1", sc)

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	runDone := make(chan error, 1)
	go func() {
		runDone <- shard.Run(ctx, ln, func(ctx context.Context, s *Shard, c *conn.Connection) {
			<-ctx.Done()
		})
	}()

	time.Sleep(50 * time.Millisecond) // allow a few ticks to fire
	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
	if dialer.joins != 1 {
		t.Fatalf("expected exactly the initial multicast join, got %d", dialer.joins)
	}
}

func TestShard_ForceRejoinAll_RejoinsEveryRegisteredStream(t *testing.T) {
	shard := testShard(t)
	dialer := &fakeStreamDialer{}

	for i := 0; i < 3; i++ {
		svc := &stream.Service{Name: "news1", Group: net.IPv4(239, 1, 1, 1), Port: 5000}
		sc, err := stream.New(stream.Config{Service: svc, Dialer: dialer, Pool: shard.Pool()})
		if err != nil {
			t.Fatalf("stream.New: %v", err)
		}
		shard.RegisterStream(string(rune('a'+i)), sc)
	}

	shard.ForceRejoinAll(time.Now())
	if dialer.rejoins != 3 {
		t.Fatalf("expected a rejoin for each of the 3 registered streams, got %d", dialer.rejoins)
	}
}

type fakeDisconnectChecker struct {
	requested map[int]bool
}

func (f *fakeDisconnectChecker) DisconnectRequested(slot int) bool {
	if !f.requested[slot] {
		return false
	}
	delete(f.requested, slot)
	return true
}

func TestShard_Tick_AppliesPendingDisconnect(t *testing.T) {
	p := pool.New(pool.Config{
		BufferSize:     1500,
		InitialBuffers: 4,
		MaxBuffers:     16,
		LowWatermark:   1,
		HighWatermark:  8,
		ControlReserve: 1,
	}, nil)
	ctl := conn.NewController(p, 2)
	disc := &fakeDisconnectChecker{requested: map[int]bool{7: true}}
	shard := New(Config{ID: 1, Pool: p, Controller: ctl, TickInterval: 5 * time.Millisecond, Disconnects: disc})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan *conn.Connection, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() {
		runDone <- shard.Run(ctx, ln, func(ctx context.Context, s *Shard, c *conn.Connection) {
			c.SetStatusSlot(7)
			c.Advance(conn.StateStreaming)
			served <- c
			<-ctx.Done()
		})
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var c *conn.Connection
	select {
	case c = <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the connection to be served")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected the client socket to observe the server closing it")
	}
	if c.State() != conn.StateClosing {
		t.Fatalf("expected the connection to be advanced to Closing, got %v", c.State())
	}
	if disc.requested[7] {
		t.Fatal("expected the pending disconnect to be cleared after being observed")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}

func TestShard_Reapable_FalseWhileStreaming(t *testing.T) {
	shard := testShard(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var connID string
	registered := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go shard.Run(ctx, ln, func(ctx context.Context, s *Shard, c *conn.Connection) {
		c.Advance(conn.StateStreaming)
		close(registered)
		<-ctx.Done()
	})

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	<-registered

	shard.mu.Lock()
	for id := range shard.conns {
		connID = id
	}
	shard.mu.Unlock()

	if shard.Reapable(connID) {
		t.Fatal("expected Reapable false while the connection is Streaming")
	}
}
