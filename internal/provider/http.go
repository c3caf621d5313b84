// Package provider supplies the Creator closures the reverse-streaming
// cache engine calls to fetch bytes from an upstream source: a real HTTP
// origin, or a local directory for development and tests.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/arung-agamani/reversecache/internal/httprange"
	"github.com/arung-agamani/reversecache/internal/reverse"
)

// httpRetryBackoff mirrors the connection handler's own QueryRemoteFile
// schedule: three retries at 1s/2s/4s before giving up.
var httpRetryBackoff = []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second}

// HTTPProvider issues HEAD/GET requests against a configured upstream base
// URL. It sends the Range header when one is given, plus fixed
// "Accept: */*" and "icy-metadata: 0" headers; the client's own Accept,
// Connection and icy-metadata headers are not forwarded.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider constructs an HTTPProvider. client may be nil, in which
// case http.DefaultClient is used.
func NewHTTPProvider(baseURL string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{baseURL: baseURL, client: client}
}

// Creator returns a reverse.Creator bound to one upstream path.
func (p *HTTPProvider) Creator(path string) reverse.Creator {
	return func(ctx context.Context, head bool, r *httprange.Range) (*reverse.UpstreamResponse, error) {
		return p.doWithRetry(ctx, head, r, path)
	}
}

func (p *HTTPProvider) doWithRetry(ctx context.Context, head bool, r *httprange.Range, path string) (*reverse.UpstreamResponse, error) {
	var lastErr error
	for attempt, wait := range httpRetryBackoff {
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := p.do(ctx, head, r, path)
		if err == nil {
			if resp.StatusCode >= 500 {
				if resp.Body != nil {
					resp.Body.Close()
				}
				lastErr = fmt.Errorf("upstream returned status %d", resp.StatusCode)
				continue
			}
			return resp, nil
		}
		lastErr = err
		_ = attempt
	}
	return nil, &reverse.UpstreamError{Attempt: len(httpRetryBackoff), Permanent: true, Err: lastErr}
}

func (p *HTTPProvider) do(ctx context.Context, head bool, r *httprange.Range, path string) (*reverse.UpstreamResponse, error) {
	method := http.MethodGet
	if head {
		method = http.MethodHead
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("icy-metadata", "0")
	if r != nil {
		req.Header.Set("Range", r.String())
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: request failed: %w", err)
	}

	headers := reverse.UpstreamHeaders{
		ContentType:  resp.Header.Get("Content-Type"),
		ContentRange: resp.Header.Get("Content-Range"),
		AcceptRanges: resp.Header.Get("Accept-Ranges"),
	}
	if resp.ContentLength >= 0 {
		headers.ContentLength = uint64(resp.ContentLength)
		headers.HasLength = true
	}

	out := &reverse.UpstreamResponse{StatusCode: resp.StatusCode, Headers: headers, Body: resp.Body}
	if head {
		resp.Body.Close()
		out.Body = nil
	}
	return out, nil
}
