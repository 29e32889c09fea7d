package gateway

import (
	"bufio"
	"strings"
	"testing"
)

func TestReadRequest_ParsesLineAndHost(t *testing.T) {
	raw := "GET /news1?source=10.0.0.5 HTTP/1.0\r\nHost: iptv.example.com\r\nUser-Agent: VLC\r\n\r\n"
	req, err := readRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("readRequest: %v", err)
	}
	if req.method != "GET" {
		t.Errorf("method = %q, want GET", req.method)
	}
	if req.path != "/news1" {
		t.Errorf("path = %q, want /news1", req.path)
	}
	if req.query != "source=10.0.0.5" {
		t.Errorf("query = %q, want source=10.0.0.5", req.query)
	}
	if req.host != "iptv.example.com" {
		t.Errorf("host = %q, want iptv.example.com", req.host)
	}
}

func TestReadRequest_NoQueryString(t *testing.T) {
	raw := "GET /rtp/239.1.1.1:5000 HTTP/1.0\r\n\r\n"
	req, err := readRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("readRequest: %v", err)
	}
	if req.path != "/rtp/239.1.1.1:5000" || req.query != "" {
		t.Errorf("path=%q query=%q", req.path, req.query)
	}
}

func TestReadRequest_URLDecodesPath(t *testing.T) {
	raw := "GET /news%201?playseek=a%2Bb HTTP/1.0\r\n\r\n"
	req, err := readRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("readRequest: %v", err)
	}
	if req.path != "/news 1" {
		t.Errorf("path = %q, want /news 1 (decoded)", req.path)
	}
	// The query string itself is left raw here; it's decoded by
	// url.ParseQuery in parseOverrides, not by readRequest.
	if req.query != "playseek=a%2Bb" {
		t.Errorf("query = %q, want raw playseek=a%%2Bb", req.query)
	}
}

func TestReadRequest_MalformedLine(t *testing.T) {
	_, err := readRequest(bufio.NewReader(strings.NewReader("garbage\r\n\r\n")))
	if err == nil {
		t.Fatal("expected an error for a malformed request line")
	}
}

func TestReadRequest_EmptyInput(t *testing.T) {
	_, err := readRequest(bufio.NewReader(strings.NewReader("")))
	if err == nil {
		t.Fatal("expected an error reading an empty request")
	}
}
