package reverse

import (
	"context"
	"log/slog"
	"os"
)

// Coordinator owns the table of in-flight upstream fetches (spec.md §4.A).
// A fetch task is created only once a Connection Handler reports a genuine
// on-disk miss (see coordEnsureFetch); every other connection asking for
// the same key while that fetch is running joins it instead of starting a
// second one. A fetch task is never cancelled because connections came and
// went — only engine shutdown cancels it, since the table-existence check
// in handleEnsureFetch already rules out two tasks ever racing for one key.
type Coordinator struct {
	inbox *unboundedQueue
	bus   *Bus
	io    *IOEngine
	db    CacheStore

	tasks  map[string]*fetchTask // key -> task
	conns  map[uint16]*handlerEntry
	nextID uint16
}

// CacheStore persists and looks up cache-entry metadata. Implemented by
// internal/cachedb.Store; kept as an interface here so the engine package
// never imports the database driver. Lookup backs the QueryingFileInfo
// state's cache-row check (spec.md §4.B): a hit lets a Connection Handler
// learn the remote file's headers without talking to the upstream provider
// at all, leaving the IO Engine's own finished-file check to serve the
// bytes.
type CacheStore interface {
	PutEntry(ctx context.Context, key string, cacheType CacheType, info RemoteFileInfo) error
	Lookup(ctx context.Context, key string) (RemoteFileInfo, error)
}

type fetchTask struct {
	key    string
	info   *RemoteFileInfo
	cancel context.CancelFunc
}

type handlerEntry struct {
	key string
	h   *ConnectionHandler
}

// Coordinator inbox message types.
type coordNewConnection struct {
	conn  Connection
	reply chan *ConnectionHandler
}
type coordNewRemoteFile struct {
	key  string
	info RemoteFileInfo
}
type coordEndRemoteFile struct{ key string }
type coordFinishFile struct {
	key       string
	cacheType CacheType
	info      RemoteFileInfo
}
type coordEndConnection struct{ id uint16 }
type coordHasRemoteFile struct {
	key   string
	reply chan bool
}

// coordEnsureFetch is sent by a Connection Handler the moment the IO Engine
// reports a real miss for key (evNoCache) — never merely because the
// handler is new. It is idempotent: if a fetch task for key is already
// running, the message is a no-op.
type coordEnsureFetch struct {
	key       string
	cacheType CacheType
	creator   Creator
}

// coordLookupCache asks the Coordinator to consult the CacheStore for key on
// the Coordinator's own goroutine, the only place db access is serialized
// against PutEntry and the fetch-task table.
type coordLookupCache struct {
	key   string
	reply chan cacheLookupResult
}
type cacheLookupResult struct {
	info RemoteFileInfo
	hit  bool
}

type coordStop struct{}
type coordStatsRequest struct{ reply chan CoordinatorStats }

// CoordinatorStats is a snapshot of the Coordinator's tables.
type CoordinatorStats struct {
	ActiveFetchTasks int
	Connections      int
}

// NewCoordinator constructs a Coordinator. SetCoordinator on the IOEngine
// must be called with this value before either Run loop starts.
func NewCoordinator(bus *Bus, io *IOEngine, db CacheStore) *Coordinator {
	return &Coordinator{
		inbox: newUnboundedQueue(),
		bus:   bus,
		io:    io,
		db:    db,
		tasks: make(map[string]*fetchTask),
		conns: make(map[uint16]*handlerEntry),
	}
}

func (c *Coordinator) send(v any) { c.inbox.Send(v) }

// Stop enqueues a stop message; Run cancels every fetch task and returns
// once it reaches that message, after everything queued ahead of it.
func (c *Coordinator) Stop() { c.inbox.Send(coordStop{}) }

// Run is the Coordinator's dispatch loop. It must run on its own goroutine.
func (c *Coordinator) Run() {
	for {
		v, ok := c.inbox.Recv()
		if !ok {
			return
		}
		switch ev := v.(type) {
		case coordStop:
			c.shutdown()
			return
		case coordNewConnection:
			c.handleNewConnection(ev)
		case coordNewRemoteFile:
			c.handleNewRemoteFile(ev)
		case coordEndRemoteFile:
			slog.Debug("reverse.coordinator: upstream fetch ended", "key", ev.key)
		case coordFinishFile:
			c.handleFinishFile(ev)
		case coordEndConnection:
			c.handleEndConnection(ev.id)
		case coordEnsureFetch:
			c.handleEnsureFetch(ev)
		case coordLookupCache:
			c.handleLookupCache(ev)
		case coordHasRemoteFile:
			_, ok := c.tasks[ev.key]
			ev.reply <- ok
		case coordStatsRequest:
			ev.reply <- CoordinatorStats{ActiveFetchTasks: len(c.tasks), Connections: len(c.conns)}
		}
	}
}

func (c *Coordinator) shutdown() {
	for _, t := range c.tasks {
		if t.cancel != nil {
			t.cancel()
		}
	}
}

// handleNewConnection only registers the connection with the Bus and
// Coordinator; it never starts a fetch. Whether upstream bytes are needed
// at all is something only the IO Engine's on-disk check can answer, and it
// answers it per read request (see handleEnsureFetch).
func (c *Coordinator) handleNewConnection(ev coordNewConnection) {
	c.nextID++
	id := c.nextID

	inbox := make(chan any, handlerInboxCapacity)
	h := newConnectionHandler(id, ev.conn, c, c.bus, inbox)
	c.conns[id] = &handlerEntry{key: ev.conn.Key, h: h}
	c.bus.send(evNewConnection{id: id, inbox: inbox})

	if task, ok := c.tasks[ev.conn.Key]; ok && task.info != nil {
		h.notifyRemoteFile(*task.info)
	}

	ev.reply <- h
}

// handleEnsureFetch starts exactly one fetch task per key. A connection
// whose own read missed on disk calls this to make sure somebody is
// fetching; if a task is already running (started by this or another
// connection's earlier miss), the call is a no-op and that connection just
// rides the existing task via notifyRemoteFile and the IO Engine's waiter
// table.
func (c *Coordinator) handleEnsureFetch(ev coordEnsureFetch) {
	if _, exists := c.tasks[ev.key]; exists {
		return
	}
	// A miss reported before the writer existed can arrive after
	// handleFinishFile removed the task; the finished file is then already
	// in place and the waiting read is served from it.
	if _, err := os.Stat(c.io.finalPath(ev.key)); err == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.tasks[ev.key] = &fetchTask{key: ev.key, cancel: cancel}
	go runFetchTask(ctx, fetchTaskDeps{
		key:       ev.key,
		cacheType: ev.cacheType,
		creator:   ev.creator,
		io:        c.io,
		coord:     c,
	})
}

func (c *Coordinator) handleLookupCache(ev coordLookupCache) {
	if c.db == nil {
		ev.reply <- cacheLookupResult{}
		return
	}
	info, err := c.db.Lookup(context.Background(), ev.key)
	if err != nil {
		ev.reply <- cacheLookupResult{}
		return
	}
	ev.reply <- cacheLookupResult{info: info, hit: true}
}

func (c *Coordinator) handleNewRemoteFile(ev coordNewRemoteFile) {
	task, ok := c.tasks[ev.key]
	if !ok {
		return
	}
	info := ev.info
	task.info = &info
	slog.Debug("reverse.coordinator: remote file info known", "key", ev.key, "length", info.Full())
	for _, entry := range c.conns {
		if entry.key == ev.key {
			entry.h.notifyRemoteFile(info)
		}
	}
}

func (c *Coordinator) handleFinishFile(ev coordFinishFile) {
	delete(c.tasks, ev.key)
	if c.db == nil {
		return
	}
	if err := c.db.PutEntry(context.Background(), ev.key, ev.cacheType, ev.info); err != nil {
		slog.Error("reverse.coordinator: persist cache entry failed", "key", ev.key, "error", err)
	}
}

// handleEndConnection drops the connection's bookkeeping only. A fetch task
// this connection happened to trigger is never cancelled on its account —
// another client could still join it, and spec.md §8 requires a lone
// disconnect to let the download run to completion so the cache row still
// gets written.
func (c *Coordinator) handleEndConnection(id uint16) {
	if _, ok := c.conns[id]; !ok {
		return
	}
	delete(c.conns, id)
	c.bus.send(evEndConnection{id: id})
}
