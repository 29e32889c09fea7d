package worker

import (
	"net"
	"testing"
	"time"
)

func TestListenReusable_TwoListenersShareAddress(t *testing.T) {
	ln1, err := ListenReusable("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("first listener: %v", err)
	}
	defer ln1.Close()

	addr := ln1.Addr().String()
	ln2, err := ListenReusable("tcp", addr)
	if err != nil {
		t.Fatalf("expected a second SO_REUSEPORT listener on %s to succeed, got: %v", addr, err)
	}
	defer ln2.Close()
}

func TestApplyConnOptions_RealTCPConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		acceptedCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server := <-acceptedCh
	defer server.Close()

	if err := applyConnOptions(server, 10*time.Second); err != nil {
		t.Fatalf("applyConnOptions: %v", err)
	}
}

func TestApplyConnOptions_NonTCPConnIsNoop(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	if err := applyConnOptions(server, 10*time.Second); err != nil {
		t.Fatalf("expected no-op for a non-TCP conn, got: %v", err)
	}
}
