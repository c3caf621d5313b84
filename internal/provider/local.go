package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dhowden/tag"

	"github.com/arung-agamani/reversecache/internal/httprange"
	"github.com/arung-agamani/reversecache/internal/reverse"
)

// LocalProvider serves files out of a local directory as if they were
// upstream HTTP responses, honouring Range requests, for local development
// and tests that should not require network access.
type LocalProvider struct {
	root string
}

// NewLocalProvider constructs a LocalProvider rooted at dir.
func NewLocalProvider(dir string) *LocalProvider {
	return &LocalProvider{root: dir}
}

// Creator returns a reverse.Creator that reads relPath under the provider's
// root directory. contentType is used verbatim; if empty, a content type is
// guessed from the file extension (application/octet-stream when unknown).
func (p *LocalProvider) Creator(relPath, contentType string) reverse.Creator {
	return func(ctx context.Context, head bool, r *httprange.Range) (*reverse.UpstreamResponse, error) {
		path := filepath.Join(p.root, filepath.Clean("/"+relPath))
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return &reverse.UpstreamResponse{StatusCode: 404}, nil
			}
			return nil, fmt.Errorf("local provider: open %q: %w", path, err)
		}

		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("local provider: stat %q: %w", path, err)
		}
		full := uint64(info.Size())

		headers := reverse.UpstreamHeaders{
			ContentType: contentType,
			HasLength:   true,
		}
		status := 200
		var body io.ReadCloser = f

		switch {
		case r != nil && r.InFull(full):
			cr, _ := httprange.FromRange(*r, full)
			headers.ContentRange = cr.String()
			headers.ContentLength = cr.End - cr.Start + 1
			status = 206
			if _, err := f.Seek(int64(cr.Start), io.SeekStart); err != nil {
				f.Close()
				return nil, fmt.Errorf("local provider: seek %q: %w", path, err)
			}
			body = &limitedReadCloser{r: io.LimitReader(f, int64(headers.ContentLength)), c: f}
		case r != nil:
			f.Close()
			return &reverse.UpstreamResponse{StatusCode: 416}, nil
		default:
			headers.ContentLength = full
		}

		if contentType == "" {
			headers.ContentType = sniffContentType(path)
		}
		if head {
			f.Close()
			body = nil
		}

		return &reverse.UpstreamResponse{StatusCode: status, Headers: headers, Body: body}, nil
	}
}

// limitedReadCloser adapts io.LimitReader (which drops the Close method) back
// into a ReadCloser that closes the underlying file.
type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

func sniffContentType(path string) string {
	switch filepath.Ext(path) {
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".ogg":
		return "audio/ogg"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// DescribeAudioTags is a best-effort, debug-only ID3/Vorbis metadata read of
// the file at path, logging its title, artist and album. An unreadable file
// or tag is skipped or logged, never returned as an error. Nothing in the
// engine calls it; FinishFile handling does not read tags.
func DescribeAudioTags(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		slog.Debug("provider: no readable tags", "path", path, "error", err)
		return
	}
	slog.Debug("provider: finished audio cache entry", "path", path, "title", m.Title(), "artist", m.Artist(), "album", m.Album())
}
