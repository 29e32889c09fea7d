package playlist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultFetchTimeout bounds an upstream playlist fetch when the caller's
// context carries no deadline of its own.
const DefaultFetchTimeout = 10 * time.Second

// Fetcher retrieves an upstream playlist asynchronously. spec.md describes
// this as "an HTTP fetcher child process piped through the readiness
// facility" in its single-threaded event-loop model; in Go the equivalent
// non-blocking behavior comes for free from a goroutine plus a
// context-cancellable http.Client — the runtime netpoller is the readiness
// facility, so no literal child process is needed.
type Fetcher struct {
	client *http.Client
}

// NewFetcher builds a Fetcher with the given per-request timeout
// (DefaultFetchTimeout if <= 0).
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch retrieves url in its own goroutine and invokes cb with the body
// once the request completes. Cancelling ctx terminates the in-flight
// request and invokes cb with a nil body and ctx.Err(), matching spec.md
// §5's "cancelling an async HTTP fetch... invokes its callback with a
// null payload".
func (f *Fetcher) Fetch(ctx context.Context, url string, cb func(body []byte, err error)) {
	go func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			cb(nil, fmt.Errorf("building playlist request: %w", err))
			return
		}
		resp, err := f.client.Do(req)
		if err != nil {
			cb(nil, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			cb(nil, fmt.Errorf("fetching playlist: unexpected status %s", resp.Status))
			return
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			cb(nil, fmt.Errorf("reading playlist body: %w", err))
			return
		}
		cb(body, nil)
	}()
}
