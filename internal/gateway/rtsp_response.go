package gateway

import (
	"bufio"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

// readRTSPResponse parses one text RTSP response (status line plus
// headers, terminated by a blank line) off r, returning its CSeq, whether
// the status line was 2xx, and its header set.
func readRTSPResponse(r *bufio.Reader) (cseq int, statusOK bool, headers map[string]string, err error) {
	line, err := readCRLFLine(r)
	if err != nil {
		return 0, false, nil, err
	}
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return 0, false, nil, fmt.Errorf("malformed RTSP status line %q", line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false, nil, fmt.Errorf("malformed RTSP status code %q", fields[1])
	}
	statusOK = code >= 200 && code < 300

	tp := textproto.NewReader(r)
	mime, err := tp.ReadMIMEHeader()
	if err != nil && len(mime) == 0 {
		return 0, false, nil, fmt.Errorf("reading RTSP response headers: %w", err)
	}

	headers = make(map[string]string, len(mime))
	for k := range mime {
		headers[k] = mime.Get(k)
	}
	if v := mime.Get("Cseq"); v != "" {
		cseq, _ = strconv.Atoi(v)
	}
	return cseq, statusOK, headers, nil
}
