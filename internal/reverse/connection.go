package reverse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/arung-agamani/reversecache/internal/httprange"
)

// handlerInboxCapacity bounds how many bus-delivered events a single
// Connection Handler can have queued before the Bus starts dropping them
// (spec: bounded channel, capacity 10 per handler).
const handlerInboxCapacity = 10

// ConnectionState is the state machine spec.md §4.B names: Init ->
// QueryingFileInfo -> SendResponse -> {ServingFromDB|WaitingForPiece} ->
// Serving <-> WaitingForPiece -> {QueryRemoteFile -> WaitingForPiece} ->
// Finished|BusClosed|Error.
type ConnectionState int

const (
	csInit ConnectionState = iota
	csQueryingFileInfo
	csSendResponse
	csServing
	csWaitingForPiece
	csFinished
	csError
)

func (s ConnectionState) String() string {
	switch s {
	case csQueryingFileInfo:
		return "querying_file_info"
	case csSendResponse:
		return "send_response"
	case csServing:
		return "serving"
	case csWaitingForPiece:
		return "waiting_for_piece"
	case csFinished:
		return "finished"
	case csError:
		return "error"
	default:
		return "init"
	}
}

// ResponseHeader is what a Connection Handler resolves before it writes a
// single byte of body: the status line and headers the caller's HTTP layer
// must send ahead of the stream.
type ResponseHeader struct {
	StatusCode    int
	ContentType   string
	ContentLength uint64
	ContentRange  *httprange.ContentRange
	AcceptRanges  bool
}

// headRetryBackoff is the 1s/2s/4s schedule spec.md's QueryRemoteFile state
// uses between HEAD attempts against the upstream provider.
var headRetryBackoff = []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second}

// ConnectionHandler drives one client request end to end: resolving the
// remote file's size and type, sending response headers exactly once, then
// alternating between writing bytes to the caller and waiting on the IO
// Engine (via the Bus) for the next piece to arrive.
type ConnectionHandler struct {
	id    uint16
	conn  Connection
	coord *Coordinator
	bus   *Bus
	inbox chan any

	remoteFileCh chan RemoteFileInfo

	state  ConnectionState
	info   RemoteFileInfo
	full   uint64
	cursor uint64
	target uint64
}

func newConnectionHandler(id uint16, conn Connection, coord *Coordinator, bus *Bus, inbox chan any) *ConnectionHandler {
	return &ConnectionHandler{
		id:           id,
		conn:         conn,
		coord:        coord,
		bus:          bus,
		inbox:        inbox,
		remoteFileCh: make(chan RemoteFileInfo, 1),
		state:        csInit,
	}
}

// notifyRemoteFile is called by the Coordinator, from its own goroutine,
// once a fetch task (this one's or one it joined) learns the remote file's
// headers. It never blocks.
func (h *ConnectionHandler) notifyRemoteFile(info RemoteFileInfo) {
	select {
	case h.remoteFileCh <- info:
	default:
	}
}

// Run executes the full state machine. onHeader is invoked exactly once,
// before the first byte is written to w, with the response the caller
// should send. Run returns once the requested range has been fully
// delivered, the client's context is cancelled, or an unrecoverable error
// occurs; in every case it unregisters itself from the Bus and Coordinator
// before returning.
func (h *ConnectionHandler) Run(ctx context.Context, w io.Writer, onHeader func(ResponseHeader)) error {
	defer h.teardown()

	h.state = csQueryingFileInfo
	info, err := h.resolveInfo(ctx)
	if err != nil {
		h.state = csError
		return err
	}
	h.info = info
	h.full = info.Full()

	if h.conn.Range != nil && !h.conn.Range.InFull(h.full) {
		h.state = csError
		return ErrRangeNotSatisfiable
	}

	h.state = csSendResponse
	onHeader(h.buildHeader())

	h.state = csServing
	h.requestRead(true)

	for {
		select {
		case <-ctx.Done():
			h.state = csError
			return ctx.Err()
		case v := <-h.inbox:
			done, err := h.handleBusEvent(v, w)
			if err != nil {
				h.state = csError
				return err
			}
			if done {
				h.state = csFinished
				return nil
			}
		}
	}
}

func (h *ConnectionHandler) handleBusEvent(v any, w io.Writer) (done bool, err error) {
	switch ev := v.(type) {
	case evReadedBuf:
		data := ev.data
		if remaining := h.target - h.cursor; uint64(len(data)) > remaining {
			data = data[:remaining]
		}
		if len(data) > 0 {
			if _, werr := w.Write(data); werr != nil {
				return false, werr
			}
			h.cursor += uint64(len(data))
		}
		if h.cursor >= h.target {
			return true, nil
		}
		switch ev.state {
		case ReadStateEnd:
			h.state = csWaitingForPiece
			h.requestRead(false)
		case ReadStatePaused:
			h.bus.send(evReadContinue{id: h.id})
		}
		return false, nil
	case evNoCache:
		h.state = csWaitingForPiece
		h.coord.send(coordEnsureFetch{key: h.conn.Key, cacheType: h.conn.CacheType, creator: h.conn.Creator})
		return false, nil
	case evConnAborted:
		return false, &IOError{Op: "read", Key: h.conn.Key, Err: errors.New("connection aborted by io engine")}
	default:
		slog.Warn("reverse.connection: unexpected event", "id", h.id, "type", v)
		return false, nil
	}
}

func (h *ConnectionHandler) requestRead(hasCache bool) {
	h.bus.send(evRequestRead{key: h.conn.Key, id: h.id, cursor: h.cursor, hasCache: hasCache})
}

// teardown asks the Coordinator to drop this connection's bookkeeping; the
// Coordinator in turn tells the Bus to release any open reader or pending
// waiter the IO Engine still holds for this id.
func (h *ConnectionHandler) teardown() {
	h.coord.send(coordEndConnection{id: h.id})
}

// buildHeader resolves the response status/headers and sets h.cursor/h.target
// to the byte window the handler will actually serve.
func (h *ConnectionHandler) buildHeader() ResponseHeader {
	if h.conn.Range != nil && h.conn.Range.InFull(h.full) {
		cr, _ := httprange.FromRange(*h.conn.Range, h.full)
		h.cursor = cr.Start
		h.target = cr.End + 1
		return ResponseHeader{
			StatusCode:    206,
			ContentType:   h.info.ContentType,
			ContentLength: cr.End - cr.Start + 1,
			ContentRange:  &cr,
			AcceptRanges:  true,
		}
	}
	h.cursor = 0
	h.target = h.full
	return ResponseHeader{
		StatusCode:    200,
		ContentType:   h.info.ContentType,
		ContentLength: h.full,
		AcceptRanges:  true,
	}
}

// resolveInfo returns the remote file's headers. It prefers, in order: a
// fetch task this connection already joined, a hit in the persisted cache
// row (spec.md §4.B's QueryingFileInfo cache lookup — the header half of
// ServingFromDB, with the IO Engine's own finished-file check serving the
// bytes), and only then its own HEAD-equivalent Creator calls on the
// QueryRemoteFile retry schedule.
func (h *ConnectionHandler) resolveInfo(ctx context.Context) (RemoteFileInfo, error) {
	select {
	case info := <-h.remoteFileCh:
		return info, nil
	default:
	}

	if info, ok := h.lookupCachedInfo(); ok {
		return info, nil
	}

	var lastErr error
	for attempt, wait := range headRetryBackoff {
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return RemoteFileInfo{}, ctx.Err()
			case info := <-h.remoteFileCh:
				return info, nil
			}
		}
		resp, err := h.conn.Creator(ctx, true, h.conn.Range)
		if err != nil {
			lastErr = err
			slog.Warn("reverse.connection: head attempt failed", "id", h.id, "key", h.conn.Key, "attempt", attempt+1, "error", err)
			continue
		}
		info, perr := infoFromResponse(resp)
		if perr != nil {
			return RemoteFileInfo{}, &UpstreamProtocolError{Err: perr}
		}
		return info, nil
	}
	return RemoteFileInfo{}, &UpstreamError{Attempt: len(headRetryBackoff), Permanent: true, Err: lastErr}
}

// lookupCachedInfo consults the CacheStore through the Coordinator. A hit
// means a prior fetch for this key already finished and was persisted; the
// caller still goes through the ordinary csServing/requestRead path to
// fetch bytes, which the IO Engine will serve straight from the finished
// file on disk without ever reaching evNoCache.
func (h *ConnectionHandler) lookupCachedInfo() (RemoteFileInfo, bool) {
	reply := make(chan cacheLookupResult, 1)
	h.coord.send(coordLookupCache{key: h.conn.Key, reply: reply})
	res := <-reply
	return res.info, res.hit
}

func infoFromResponse(resp *UpstreamResponse) (RemoteFileInfo, error) {
	if resp.StatusCode >= 400 {
		return RemoteFileInfo{}, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	info := RemoteFileInfo{
		ContentType:   resp.Headers.ContentType,
		ContentLength: resp.Headers.ContentLength,
		AcceptRanges:  resp.Headers.AcceptRanges == "bytes",
	}
	if resp.Headers.ContentRange != "" {
		if cr, ok := httprange.ParseContentRange(resp.Headers.ContentRange); ok {
			info.ContentRange = &cr
		}
	}
	if !resp.Headers.HasLength && info.ContentRange == nil {
		return RemoteFileInfo{}, errors.New("upstream response carried no Content-Length or Content-Range")
	}
	return info, nil
}
