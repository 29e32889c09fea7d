package gateway

import (
	"bufio"
	"fmt"
	"net/textproto"
	"net/url"
	"strings"
)

// request is the minimal HTTP/1.x request line plus header set ServeFunc
// needs to route and admit a client, read directly off the socket
// rather than through net/http (the media path isn't a general HTTP
// server, per spec.md's Non-goals).
type request struct {
	method string
	path   string
	query  string
	host   string
}

// readRequest parses one HTTP request line and its header block,
// terminated by a blank line, off r.
func readRequest(r *bufio.Reader) (*request, error) {
	line, err := readCRLFLine(r)
	if err != nil {
		return nil, fmt.Errorf("reading request line: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return nil, fmt.Errorf("malformed request line %q", line)
	}

	req := &request{method: fields[0]}
	target := fields[1]
	var rawPath string
	if i := strings.IndexByte(target, '?'); i >= 0 {
		rawPath, req.query = target[:i], target[i+1:]
	} else {
		rawPath = target
	}
	// Service paths are URL-decoded before being compared to configured
	// services, per spec.md §6 — a literal "%20" etc. in the path must
	// match the decoded service name, not the escaped form.
	if decoded, err := url.PathUnescape(rawPath); err == nil {
		req.path = decoded
	} else {
		req.path = rawPath
	}

	tp := textproto.NewReader(r)
	header, err := tp.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return nil, fmt.Errorf("reading headers: %w", err)
	}
	req.host = header.Get("Host")
	return req, nil
}

// readCRLFLine reads one line, accepting both "\r\n" and a bare "\n" —
// some UDPxy-compatible clients are sloppy about line endings.
func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writeStatusLine writes a minimal pre-response-phase HTTP reply:
// status line, Connection: close, and a blank line. Used for admission
// rejections and 404s, per spec.md §7 "during pre-response errors, a
// plain 4xx/5xx response with Connection: close".
func writeStatusLine(w interface{ Write([]byte) (int, error) }, code int, reason string) error {
	_, err := w.Write([]byte(fmt.Sprintf("HTTP/1.0 %d %s\r\nConnection: close\r\n\r\n", code, reason)))
	return err
}

// writeStreamHeader writes the response preamble that precedes the
// media body for a routed, admitted request.
func writeStreamHeader(w interface{ Write([]byte) (int, error) }, contentType string) error {
	_, err := w.Write([]byte(fmt.Sprintf("HTTP/1.0 200 OK\r\nContent-Type: %s\r\nConnection: close\r\n\r\n", contentType)))
	return err
}
