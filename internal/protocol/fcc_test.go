package protocol

import (
	"bytes"
	"net"
	"testing"
)

func TestParseFCCControl_RecognizesAllTags(t *testing.T) {
	for _, tag := range []byte{FCCRequest, FCCResponse, FCCSyncNotify, FCCTerminate} {
		got, _, _ := ParseFCCControl([]byte{tag, 0xAA})
		if got != tag {
			t.Errorf("expected tag 0x%02x, got 0x%02x", tag, got)
		}
	}
}

func TestParseFCCControl_RejectsUnknownTag(t *testing.T) {
	_, _, err := ParseFCCControl([]byte{0x99})
	if err == nil {
		t.Fatal("expected error for unrecognized tag")
	}
}

func TestParseFCCControl_RejectsEmpty(t *testing.T) {
	_, _, err := ParseFCCControl(nil)
	if err != ErrTruncatedFrame {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestParseFCCResponse_NoRedirect(t *testing.T) {
	f, err := ParseFCCResponse(nil)
	if err != nil {
		t.Fatalf("ParseFCCResponse: %v", err)
	}
	if f.Redirect != nil {
		t.Fatal("expected no redirect")
	}
}

func TestParseFCCResponse_WithRedirect(t *testing.T) {
	body := []byte{10, 0, 0, 5, 0x1F, 0x90} // 10.0.0.5:8080
	f, err := ParseFCCResponse(body)
	if err != nil {
		t.Fatalf("ParseFCCResponse: %v", err)
	}
	want := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 8080}
	if f.Redirect.Port != want.Port || !f.Redirect.IP.Equal(want.IP) {
		t.Errorf("expected redirect %v, got %v", want, f.Redirect)
	}
}

func TestParseFCCResponse_TruncatedBody(t *testing.T) {
	_, err := ParseFCCResponse([]byte{1, 2, 3})
	if err != ErrTruncatedFrame {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestWriteFCCRequest_RoundTripsTag(t *testing.T) {
	data := WriteFCCRequest("ch1")
	if data[0] != FCCRequest {
		t.Errorf("expected leading tag 0x%02x, got 0x%02x", FCCRequest, data[0])
	}
	if !bytes.HasSuffix(data, []byte("ch1\n")) {
		t.Errorf("expected channel id suffix, got %q", data)
	}
}

func TestWriteFCCTerminate(t *testing.T) {
	data := WriteFCCTerminate()
	if len(data) != 1 || data[0] != FCCTerminate {
		t.Errorf("expected single terminate byte, got %v", data)
	}
}
