package reverse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arung-agamani/reversecache/internal/httprange"
)

// memBody is an in-memory BodyStream that hands out as much data as each
// Read's buffer holds, to exercise the engine's chunked read/write path
// without a real network round trip.
type memBody struct {
	data []byte
	pos  int
}

func (b *memBody) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
func (b *memBody) Close() error { return nil }

// fakeCreator returns a reverse.Creator that serves data from memory and
// counts how many times a non-HEAD call was made, so tests can assert
// upstream fetch coalescing.
func fakeCreator(data []byte, calls *atomic.Int64) Creator {
	return func(ctx context.Context, head bool, r *httprange.Range) (*UpstreamResponse, error) {
		if !head {
			calls.Add(1)
		}
		headers := UpstreamHeaders{
			ContentType:   "application/octet-stream",
			ContentLength: uint64(len(data)),
			HasLength:     true,
		}
		var body BodyStream
		if !head {
			body = &memBody{data: data}
		}
		return &UpstreamResponse{StatusCode: 200, Headers: headers, Body: body}, nil
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(t.TempDir(), nil)
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func TestEngineServeFullBody(t *testing.T) {
	e := newTestEngine(t)
	want := bytes.Repeat([]byte("a"), 200*1024) // larger than the 64KiB chunk size

	var calls atomic.Int64
	var buf bytes.Buffer
	var header ResponseHeader

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := e.Serve(ctx, Connection{
		Key:       "key-full",
		CacheType: CacheTypeAudio,
		Creator:   fakeCreator(want, &calls),
	}, &buf, func(h ResponseHeader) { header = h })
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if header.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", header.StatusCode)
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("served %d bytes, want %d bytes, equal=%v", buf.Len(), len(want), bytes.Equal(buf.Bytes(), want))
	}
}

func TestEngineServeRange(t *testing.T) {
	e := newTestEngine(t)
	data := []byte("0123456789")

	var calls atomic.Int64
	var buf bytes.Buffer
	var header ResponseHeader

	r, err := httprange.Parse("bytes=2-5")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = e.Serve(ctx, Connection{
		Key:       "key-range",
		CacheType: CacheTypeImage,
		Range:     &r,
		Creator:   fakeCreator(data, &calls),
	}, &buf, func(h ResponseHeader) { header = h })
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if header.StatusCode != 206 {
		t.Errorf("StatusCode = %d, want 206", header.StatusCode)
	}
	if got, want := buf.String(), "2345"; got != want {
		t.Errorf("served %q, want %q", got, want)
	}
}

// TestEngineCoalescesConcurrentFetches drives many concurrent requests for
// the same key through the engine and asserts exactly one upstream fetch
// happened, and that every caller received the full body.
func TestEngineCoalescesConcurrentFetches(t *testing.T) {
	e := newTestEngine(t)
	want := bytes.Repeat([]byte("x"), 300*1024)

	var calls atomic.Int64
	creator := fakeCreator(want, &calls)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	bufs := make([]bytes.Buffer, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			errs[i] = e.Serve(ctx, Connection{
				Key:       "shared-key",
				CacheType: CacheTypeAudio,
				Creator:   creator,
			}, &bufs[i], func(ResponseHeader) {})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Serve[%d]: %v", i, err)
		}
		if !bytes.Equal(bufs[i].Bytes(), want) {
			t.Errorf("Serve[%d] body mismatch: got %d bytes, want %d", i, bufs[i].Len(), len(want))
		}
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("upstream fetch calls = %d, want exactly 1 (fetch coalescing failed)", got)
	}
}

func TestEngineStats(t *testing.T) {
	e := newTestEngine(t)
	stats := e.Stats()
	if stats.Connections != 0 || stats.ActiveFetchTasks != 0 {
		t.Errorf("Stats on an idle engine = %+v, want all zero", stats)
	}

	var calls atomic.Int64
	data := []byte("hello")
	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Serve(ctx, Connection{
		Key:       "stats-key",
		CacheType: CacheTypeImage,
		Creator:   fakeCreator(data, &calls),
	}, &buf, func(ResponseHeader) {}); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatalf("served %q, want %q", buf.String(), string(data))
	}
}

// TestEngineWarmCacheNoUpstreamOnSecondRequest issues two sequential (not
// concurrent) requests for the same key. The second must be served entirely
// from the finished file the first left on disk, with no second upstream
// call — a Coordinator that still spawned a fetch task for every new
// connection, regardless of whether the key was already fully cached,
// would fail this.
func TestEngineWarmCacheNoUpstreamOnSecondRequest(t *testing.T) {
	e := newTestEngine(t)
	want := bytes.Repeat([]byte("w"), 150*1024)

	var calls atomic.Int64
	creator := fakeCreator(want, &calls)

	for i := 0; i < 2; i++ {
		var buf bytes.Buffer
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := e.Serve(ctx, Connection{
			Key:       "warm-key",
			CacheType: CacheTypeAudio,
			Creator:   creator,
		}, &buf, func(ResponseHeader) {})
		cancel()
		if err != nil {
			t.Fatalf("Serve[%d]: %v", i, err)
		}
		if !bytes.Equal(buf.Bytes(), want) {
			t.Errorf("Serve[%d] body mismatch: got %d bytes, want %d", i, buf.Len(), len(want))
		}
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("upstream fetch calls = %d, want exactly 1 (warm request re-fetched instead of hitting disk)", got)
	}
}

// controlledBody is a BodyStream whose first Read blocks on gate until the
// test releases it, after signaling started. It lets a test pin down the
// exact moment a fetch task is mid-download.
type controlledBody struct {
	data     []byte
	pos      int
	started  chan struct{}
	gate     chan struct{}
	signaled bool
}

func (b *controlledBody) Read(p []byte) (int, error) {
	if !b.signaled {
		b.signaled = true
		close(b.started)
		<-b.gate
	}
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
func (b *controlledBody) Close() error { return nil }

func controlledCreator(data []byte, started, gate chan struct{}, calls *atomic.Int64) Creator {
	return func(ctx context.Context, head bool, r *httprange.Range) (*UpstreamResponse, error) {
		if !head {
			calls.Add(1)
		}
		headers := UpstreamHeaders{
			ContentType:   "application/octet-stream",
			ContentLength: uint64(len(data)),
			HasLength:     true,
		}
		var body BodyStream
		if !head {
			body = &controlledBody{data: data, started: started, gate: gate}
		}
		return &UpstreamResponse{StatusCode: 200, Headers: headers, Body: body}, nil
	}
}

// TestEngineDisconnectDoesNotCancelFetch disconnects the one connection that
// triggered a fetch task while it is still mid-download, and asserts the
// fetch still runs to completion and persists the cache file: a lone
// client going away must never abort a download another client could join.
func TestEngineDisconnectDoesNotCancelFetch(t *testing.T) {
	e := newTestEngine(t)
	data := bytes.Repeat([]byte("y"), 200*1024)

	started := make(chan struct{})
	gate := make(chan struct{})
	var calls atomic.Int64
	creator := controlledCreator(data, started, gate, &calls)

	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- e.Serve(ctx, Connection{
			Key:       "disconnect-key",
			CacheType: CacheTypeAudio,
			Creator:   creator,
		}, &buf, func(ResponseHeader) {})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch task never reached the upstream body read")
	}

	cancel() // simulate the client disconnecting mid-download

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve error = %v, want context.Canceled", err)
	}

	close(gate) // let the orphaned fetch task finish producing bytes

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && e.Stats().ActiveFetchTasks > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := e.Stats().ActiveFetchTasks; got != 0 {
		t.Fatalf("fetch task still active after disconnect, ActiveFetchTasks = %d", got)
	}

	var buf2 bytes.Buffer
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := e.Serve(ctx2, Connection{
		Key:       "disconnect-key",
		CacheType: CacheTypeAudio,
		Creator:   creator,
	}, &buf2, func(ResponseHeader) {}); err != nil {
		t.Fatalf("Serve after disconnect: %v", err)
	}
	if !bytes.Equal(buf2.Bytes(), data) {
		t.Errorf("cached body after disconnect mismatch: got %d bytes, want %d", buf2.Len(), len(data))
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream fetch calls = %d, want exactly 1 (disconnect must not abort or duplicate the fetch)", got)
	}
}
