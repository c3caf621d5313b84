// Package reverse implements the reverse-streaming cache engine: a
// coordinator, a bounded event bus, a single blocking IO worker, and one
// connection handler per in-flight HTTP request, wired together by typed
// message queues rather than shared mutable state.
package reverse

import (
	"context"
	"io"
	"sync"
)

// Engine is the wired-together reverse-streaming cache: one Bus, one IO
// Engine, one Coordinator, each on its own goroutine. Callers only ever
// see Serve and Stats; everything else is internal plumbing.
type Engine struct {
	bus   *Bus
	io    *IOEngine
	coord *Coordinator

	running sync.WaitGroup // IO Engine and Coordinator Run loops
}

// NewEngine wires a new Engine rooted at cacheDir. db may be nil, in which
// case finished downloads are never persisted to the cache-entry table
// (useful in tests). Call Start before the first Serve.
func NewEngine(cacheDir string, db CacheStore) *Engine {
	bus := NewBus()
	ioEngine := NewIOEngine(cacheDir, bus)
	coord := NewCoordinator(bus, ioEngine, db)
	ioEngine.SetCoordinator(coord)
	bus.SetIOEngine(ioEngine)
	return &Engine{bus: bus, io: ioEngine, coord: coord}
}

// Start launches the Bus, IO Engine, and Coordinator goroutines.
func (e *Engine) Start() {
	go e.bus.Run()
	e.running.Add(2)
	go func() { defer e.running.Done(); e.io.Run() }()
	go func() { defer e.running.Done(); e.coord.Run() }()
}

// Stop cancels every in-flight fetch task and shuts down all three
// goroutines. Callers should wait for in-flight Serve calls to return
// (their ctx will observe cancellation) before calling Stop.
func (e *Engine) Stop() {
	e.coord.Stop()
	e.io.Stop()
	// Both loops send on the bus, so it is closed only after they return.
	e.running.Wait()
	e.bus.Stop()
}

// Serve drives one client request through the engine: resolving the
// remote file, sending a single response header via onHeader, then
// streaming body bytes to w until the requested range is fully delivered
// or ctx is cancelled.
func (e *Engine) Serve(ctx context.Context, conn Connection, w io.Writer, onHeader func(ResponseHeader)) error {
	reply := make(chan *ConnectionHandler, 1)
	e.coord.send(coordNewConnection{conn: conn, reply: reply})
	h := <-reply
	return h.Run(ctx, w, onHeader)
}

// EngineStats is a point-in-time snapshot across the IO Engine and
// Coordinator tables, for the admin plane.
type EngineStats struct {
	Writers          int
	Readers          int
	Waiters          int
	ActiveFetchTasks int
	Connections      int
}

// Stats collects a consistent-enough snapshot for operators. Each half is
// read from its own goroutine via a request/reply message, so it never
// touches engine-internal maps directly.
func (e *Engine) Stats() EngineStats {
	ioReply := make(chan IOStats, 1)
	e.io.send(ioStatsRequest{reply: ioReply})
	ioStats := <-ioReply

	coordReply := make(chan CoordinatorStats, 1)
	e.coord.send(coordStatsRequest{reply: coordReply})
	coordStats := <-coordReply

	return EngineStats{
		Writers:          ioStats.Writers,
		Readers:          ioStats.Readers,
		Waiters:          ioStats.Waiters,
		ActiveFetchTasks: coordStats.ActiveFetchTasks,
		Connections:      coordStats.Connections,
	}
}
