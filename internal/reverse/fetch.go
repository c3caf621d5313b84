package reverse

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
)

// fetchTaskDeps is the fixed set of collaborators an upstream fetch task
// needs. It never touches the Coordinator's or IO Engine's internal state
// directly; everything crosses through their message inboxes.
type fetchTaskDeps struct {
	key       string
	cacheType CacheType
	creator   Creator
	io        *IOEngine
	coord     *Coordinator
}

const fetchChunkSize = 64 * 1024

// runFetchTask downloads one key's full resource from upstream exactly
// once, regardless of which byte range the connection that triggered it
// asked for, writing chunks into the IO Engine as they arrive so every
// waiting Connection Handler can be served the moment its piece lands.
// It must be safe to cancel at any point: ctx cancellation always still
// retires the writer via EndWrite, so a half-finished download never keeps
// the cache file open forever.
func runFetchTask(ctx context.Context, d fetchTaskDeps) {
	resp, err := d.creator(ctx, false, nil)
	if err != nil {
		slog.Error("reverse.fetch: upstream request failed", "key", d.key, "error", &UpstreamError{Err: err})
		d.coord.send(coordEndRemoteFile{key: d.key})
		return
	}
	defer resp.Body.Close()

	info, err := infoFromResponse(resp)
	if err != nil {
		slog.Error("reverse.fetch: malformed upstream response", "key", d.key, "error", &UpstreamProtocolError{Err: err})
		d.coord.send(coordEndRemoteFile{key: d.key})
		return
	}
	d.coord.send(coordNewRemoteFile{key: d.key, info: info})

	reply := make(chan bool, 1)
	d.io.send(ioNewWrite{key: d.key, length: info.Full(), cacheType: d.cacheType, remoteInfo: info, reply: reply})
	if ok := <-reply; !ok {
		slog.Error("reverse.fetch: could not open cache writer", "key", d.key)
		d.coord.send(coordEndRemoteFile{key: d.key})
		return
	}
	defer d.io.send(ioEndWrite{key: d.key})

	var cursor atomic.Uint64
	buf := make([]byte, fetchChunkSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			offset := cursor.Load()
			d.io.send(ioDoWrite{key: d.key, offset: offset, data: chunk})
			cursor.Add(uint64(n))
		}
		if rerr != nil {
			if rerr != io.EOF {
				slog.Error("reverse.fetch: body read failed", "key", d.key, "error", &UpstreamError{Err: rerr})
			}
			d.coord.send(coordEndRemoteFile{key: d.key})
			return
		}
	}
}
