// Package media exposes the reverse-streaming cache engine over HTTP: the
// two client-facing byte-range routes spec.md §6 names, plus a small admin
// plane for operators.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arung-agamani/reversecache/internal/catalog"
	"github.com/arung-agamani/reversecache/internal/httprange"
	"github.com/arung-agamani/reversecache/internal/provider"
	"github.com/arung-agamani/reversecache/internal/reverse"
)

// Handlers holds the gin route handlers for image and audio streaming.
type Handlers struct {
	engine   *reverse.Engine
	catalog  *catalog.Catalog
	upstream *provider.HTTPProvider
	local    *provider.LocalProvider // nil in production; set for local dev/tests
}

// NewHandlers constructs Handlers. local may be nil.
func NewHandlers(engine *reverse.Engine, cat *catalog.Catalog, upstream *provider.HTTPProvider, local *provider.LocalProvider) *Handlers {
	return &Handlers{engine: engine, catalog: cat, upstream: upstream, local: local}
}

// Image handles GET /image/:itemType/:id/:imageType
func (h *Handlers) Image(c *gin.Context) {
	itemType := catalog.ItemType(c.Param("itemType"))
	id := c.Param("id")
	imageType := c.Param("imageType")

	item, key, err := h.catalog.Resolve(itemType, id, imageType)
	if err != nil {
		writeErr(c, err)
		return
	}

	creator := h.creatorFor(item, fmt.Sprintf("/image/%s/%s/%s", item.Type, item.NativeID, imageType))
	h.stream(c, reverse.Connection{
		Key:       key,
		CacheType: reverse.CacheTypeImage,
		Creator:   creator,
	})
}

// Audio handles GET /audio/song/:id
func (h *Handlers) Audio(c *gin.Context) {
	id := c.Param("id")

	item, key, err := h.catalog.Resolve(catalog.ItemTypeSong, id, "")
	if err != nil {
		writeErr(c, err)
		return
	}

	creator := h.creatorFor(item, fmt.Sprintf("/audio/song/%s", item.NativeID))
	h.stream(c, reverse.Connection{
		Key:       key,
		CacheType: reverse.CacheTypeAudio,
		Creator:   creator,
	})
}

func (h *Handlers) creatorFor(item catalog.Item, path string) reverse.Creator {
	if h.local != nil {
		return h.local.Creator(path, "")
	}
	return h.upstream.Creator(path)
}

// stream parses the client's Range header (if any), resolves it against the
// engine, and streams the response. Response headers are written from
// within the engine's onHeader callback, exactly once, before any body
// bytes reach the wire.
func (h *Handlers) stream(c *gin.Context, conn reverse.Connection) {
	if rh := c.GetHeader("Range"); rh != "" {
		rng, err := httprange.Parse(rh)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestedRangeNotSatisfiable, gin.H{"error": err.Error()})
			return
		}
		conn.Range = &rng
	}

	headerSent := false
	err := h.engine.Serve(c.Request.Context(), conn, c.Writer, func(header reverse.ResponseHeader) {
		headerSent = true
		c.Header("Accept-Ranges", "bytes")
		c.Header("Content-Type", header.ContentType)
		c.Header("Content-Length", fmt.Sprintf("%d", header.ContentLength))
		if header.ContentRange != nil {
			c.Header("Content-Range", header.ContentRange.String())
		}
		c.Status(header.StatusCode)
	})
	if err != nil {
		logStreamError(conn.Key, err)
		if !headerSent {
			writeErr(c, err)
		}
	}
}

func logStreamError(key string, err error) {
	if errors.Is(err, context.Canceled) {
		slog.Debug("media: client disconnected", "key", key)
		return
	}
	slog.Error("media: stream ended with error", "key", key, "error", err)
}

func writeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, reverse.ErrCatalogMiss):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, reverse.ErrUnsupportedRange), errors.Is(err, reverse.ErrRangeNotSatisfiable):
		c.AbortWithStatusJSON(http.StatusRequestedRangeNotSatisfiable, gin.H{"error": err.Error()})
	default:
		var upstreamErr *reverse.UpstreamError
		var protoErr *reverse.UpstreamProtocolError
		if errors.As(err, &upstreamErr) || errors.As(err, &protoErr) {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "upstream error"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
