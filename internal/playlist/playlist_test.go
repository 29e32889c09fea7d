package playlist

import (
	"strings"
	"testing"
)

const sample = `#EXTM3U
#EXTINF:-1 tvg-id="news1" group-title="News",News Channel 1
http://upstream.example/news1
#EXTINF:-1 tvg-id="sports1",Sports HD
rtsp://upstream.example/sports1
`

func TestParse_ExtractsEntries(t *testing.T) {
	entries, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Title != "News Channel 1" || entries[0].Attrs["tvg-id"] != "news1" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[0].Attrs["group-title"] != "News" {
		t.Fatalf("expected group-title attr to survive quoted-space parsing, got %+v", entries[0].Attrs)
	}
	if entries[1].URL != "rtsp://upstream.example/sports1" {
		t.Fatalf("unexpected second entry URL: %q", entries[1].URL)
	}
}

func TestParse_EmptyInput(t *testing.T) {
	entries, err := Parse(strings.NewReader("#EXTM3U\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestTransform_RewritesMatchedURLsOnly(t *testing.T) {
	entries, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	out := Transform(entries, func(url string) (string, bool) {
		if url == "http://upstream.example/news1" {
			return "http://gw.local/news1", true
		}
		return "", false
	})

	if out[0].URL != "http://gw.local/news1" {
		t.Fatalf("expected rewritten URL, got %q", out[0].URL)
	}
	if out[1].URL != "rtsp://upstream.example/sports1" {
		t.Fatalf("expected unmatched entry to pass through unchanged, got %q", out[1].URL)
	}
}

func TestWrite_RoundTripsTitleAndURL(t *testing.T) {
	entries := []Entry{
		{Duration: -1, Attrs: map[string]string{}, Title: "Plain Channel", URL: "http://gw.local/plain"},
	}
	var buf strings.Builder
	if err := Write(&buf, entries); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out, err := Parse(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("re-parsing written playlist: %v", err)
	}
	if len(out) != 1 || out[0].Title != "Plain Channel" || out[0].URL != "http://gw.local/plain" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
