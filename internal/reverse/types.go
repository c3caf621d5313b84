package reverse

import (
	"context"

	"github.com/arung-agamani/reversecache/internal/httprange"
)

// CacheType distinguishes the two kinds of media this engine caches.
type CacheType int

const (
	CacheTypeImage CacheType = iota
	CacheTypeAudio
)

func (t CacheType) String() string {
	if t == CacheTypeAudio {
		return "audio"
	}
	return "image"
}

// RemoteFileInfo is the in-memory description of a remote resource, derived
// from either a cache-table row or an upstream HEAD/GET response.
type RemoteFileInfo struct {
	ContentType   string
	ContentLength uint64
	AcceptRanges  bool
	ContentRange  *httprange.ContentRange
}

// Full returns the total content length of the resource: ContentRange.Full
// when present, else ContentLength.
func (i RemoteFileInfo) Full() uint64 {
	if i.ContentRange != nil {
		return i.ContentRange.Full
	}
	return i.ContentLength
}

// UpstreamResponse is what a Creator closure returns: status, a narrow set
// of headers the engine understands, and a byte-chunk body.
type UpstreamResponse struct {
	StatusCode int
	Headers    UpstreamHeaders
	Body       BodyStream
}

// UpstreamHeaders is the subset of response headers the engine consults.
type UpstreamHeaders struct {
	ContentType   string
	ContentLength uint64
	HasLength     bool
	ContentRange  string
	AcceptRanges  string
}

// BodyStream is a closable byte-chunk source, satisfied directly by
// *http.Response.Body or by an in-memory stream in tests.
type BodyStream interface {
	// Read reads the next chunk of the body into p. io.EOF ends the stream.
	Read(p []byte) (n int, err error)
	Close() error
}

// Creator abstracts a single upstream provider request, exactly as named in
// spec.md §4.A/§6: given a range hint, produce a future response. head=true
// requests metadata only (a HEAD-equivalent call).
type Creator func(ctx context.Context, head bool, r *httprange.Range) (*UpstreamResponse, error)

// Connection is the caller-supplied description of a request, before the
// Coordinator assigns it an id.
type Connection struct {
	Key       string
	Range     *httprange.Range
	CacheType CacheType
	Creator   Creator
}
