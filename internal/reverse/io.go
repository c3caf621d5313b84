package reverse

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// ReadState mirrors the Reader's progress through the piece it is currently
// serving.
type ReadState int

const (
	ReadStateReading ReadState = iota
	ReadStatePaused
	ReadStateEnd
)

func (s ReadState) String() string {
	switch s {
	case ReadStatePaused:
		return "paused"
	case ReadStateEnd:
		return "end"
	default:
		return "reading"
	}
}

// downloadFile is the writer side of one cache key: the open .downloading
// file handle, its piece map, and the refcount of fetch tasks feeding it.
type downloadFile struct {
	meta       FileMeta
	file       *os.File
	cacheType  CacheType
	remoteInfo RemoteFileInfo
	refcount   int64
}

// readerState is the per-connection read cursor into either a writer's
// in-progress file or a finished on-disk file. piece always describes the
// bytes not yet emitted: each successful read shrinks it from the front.
type readerState struct {
	file  *os.File
	key   string
	piece Piece
	state ReadState
}

// waiterState is a connection waiting for bytes at an offset no piece covers
// yet.
type waiterState struct {
	key   string
	start uint64
}

// IO Engine inbox message types. Only the IOEngine goroutine ever touches
// writers/readers/waiters; every mutation arrives as one of these.
type ioRequestRead struct {
	key      string
	id       uint16
	cursor   uint64
	hasCache bool
}
type ioReadContinue struct{ id uint16 }
type ioDoRead struct{}
type ioEndConnection struct{ id uint16 }
type ioEndWrite struct{ key string }
type ioNewWrite struct {
	key        string
	length     uint64
	cacheType  CacheType
	remoteInfo RemoteFileInfo
	reply      chan bool
}
type ioDoWrite struct {
	key    string
	offset uint64
	data   []byte
}

// ioStatsRequest asks the IO Engine goroutine for a point-in-time snapshot
// of its tables, for the admin plane. It must go through the inbox like any
// other message since writers/readers/waiters are only safe to read from
// the Run goroutine.
type ioStatsRequest struct{ reply chan IOStats }

// IOStats is a snapshot of the IO Engine's tables.
type IOStats struct {
	Writers int
	Readers int
	Waiters int
}

const readChunkSize = 64 * 1024

// IOEngine is the blocking, single-goroutine owner of the cache directory
// and the writers/readers/waiters tables (spec.md §4.D). All filesystem
// syscalls and piece-map mutations happen on the goroutine running Run.
type IOEngine struct {
	cacheDir    string
	inbox       *unboundedQueue
	bus         *Bus
	coordinator *Coordinator

	writers map[string]*downloadFile
	readers map[uint16]*readerState
	waiters map[uint16]*waiterState
}

// NewIOEngine constructs an IO Engine rooted at cacheDir. Run must be started
// on a dedicated goroutine. SetCoordinator must be called before Run, once
// the Coordinator exists, to complete the wiring (the two hold references to
// each other).
func NewIOEngine(cacheDir string, bus *Bus) *IOEngine {
	return &IOEngine{
		cacheDir: cacheDir,
		inbox:    newUnboundedQueue(),
		bus:      bus,
		writers:  make(map[string]*downloadFile),
		readers:  make(map[uint16]*readerState),
		waiters:  make(map[uint16]*waiterState),
	}
}

// SetCoordinator completes construction. It must be called exactly once,
// before Run.
func (e *IOEngine) SetCoordinator(c *Coordinator) { e.coordinator = c }

func (e *IOEngine) send(v any) { e.inbox.Send(v) }

// Stop closes the inbox; Run returns once it has drained.
func (e *IOEngine) Stop() { e.inbox.Close() }

// shardDir returns the sharded subdirectory for a key (its first two
// characters), matching spec.md §3/§6.
func (e *IOEngine) shardDir(key string) string {
	prefix := key
	if len(key) > 2 {
		prefix = key[:2]
	}
	if prefix == "" {
		prefix = "00"
	}
	return filepath.Join(e.cacheDir, prefix)
}

func (e *IOEngine) downloadingPath(key string) string {
	return filepath.Join(e.shardDir(key), key+".downloading")
}

func (e *IOEngine) finalPath(key string) string {
	return filepath.Join(e.shardDir(key), key)
}

// Run is the IO Engine's main loop. It must run on its own goroutine; it
// blocks on e.inbox.Recv until Stop is called.
func (e *IOEngine) Run() {
	for {
		v, ok := e.inbox.Recv()
		if !ok {
			return
		}
		switch ev := v.(type) {
		case ioEndConnection:
			e.handleEndConnection(ev.id)
		case ioEndWrite:
			e.handleEndWrite(ev.key)
		case ioRequestRead:
			e.handleRequestRead(ev)
		case ioReadContinue:
			e.handleReadContinue(ev.id)
		case ioDoRead:
			e.handleDoRead()
		case ioNewWrite:
			e.handleNewWrite(ev)
		case ioDoWrite:
			e.handleDoWrite(ev)
		case ioStatsRequest:
			ev.reply <- IOStats{Writers: len(e.writers), Readers: len(e.readers), Waiters: len(e.waiters)}
		}

		// Re-arm one DoRead tick through the bus whenever a reader is still
		// in ReadStateReading, so the bus's bounded capacity (not a tight
		// local loop) paces how fast this worker keeps reading.
		if e.readingCount() > 0 {
			e.bus.send(evDoRead{})
		}
	}
}

func (e *IOEngine) readingCount() uint64 {
	var n uint64
	for _, r := range e.readers {
		if r.state == ReadStateReading {
			n++
		}
	}
	return n
}

func (e *IOEngine) handleNewWrite(ev ioNewWrite) {
	if w, ok := e.writers[ev.key]; ok {
		w.refcount++
		ev.reply <- true
		return
	}

	dir := e.shardDir(ev.key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("reverse.io: create shard dir failed", "key", ev.key, "error", err)
		ev.reply <- false
		return
	}
	path := e.downloadingPath(ev.key)
	f, err := os.Create(path)
	if err != nil {
		slog.Error("reverse.io: create download file failed", "key", ev.key, "error", err)
		ev.reply <- false
		return
	}
	e.writers[ev.key] = &downloadFile{
		meta:       FileMeta{Path: path, TotalLength: ev.length},
		file:       f,
		cacheType:  ev.cacheType,
		remoteInfo: ev.remoteInfo,
		refcount:   1,
	}
	slog.Debug("reverse.io: new write", "key", ev.key, "path", path)
	ev.reply <- true
}

func (e *IOEngine) handleDoWrite(ev ioDoWrite) {
	w, ok := e.writers[ev.key]
	if !ok {
		return
	}
	length := uint64(len(ev.data))
	if w.meta.Combine(Piece{Offset: ev.offset, Length: length}) {
		if _, err := w.file.WriteAt(ev.data, int64(ev.offset)); err != nil {
			slog.Error("reverse.io: write failed", "key", ev.key, "error", &IOError{Op: "write", Key: ev.key, Err: err})
			return
		}
	}

	end := ev.offset + length
	var satisfied []uint16
	for id, wt := range e.waiters {
		if wt.key == ev.key && wt.start >= ev.offset && wt.start < end {
			satisfied = append(satisfied, id)
		}
	}
	for _, id := range satisfied {
		wt := e.waiters[id]
		delete(e.waiters, id)
		e.send(ioRequestRead{key: wt.key, id: id, cursor: wt.start, hasCache: false})
	}

	if w.meta.IsEnd() {
		e.retireWriter(ev.key, w)
	}
}

// retireWriter renames the finished .downloading file to its final path,
// rebuilds every reader of this key against the new path, notifies the
// Coordinator, and drops the writer.
func (e *IOEngine) retireWriter(key string, w *downloadFile) {
	_ = w.file.Sync()
	oldPath := w.meta.Path
	newPath := e.finalPath(key)

	type saved struct {
		piece Piece
		state ReadState
	}
	toRebuild := make(map[uint16]saved)
	for id, r := range e.readers {
		if r.key == key {
			toRebuild[id] = saved{piece: r.piece, state: r.state}
			_ = r.file.Close()
			delete(e.readers, id)
		}
	}

	_ = w.file.Close()
	if err := os.Rename(oldPath, newPath); err != nil {
		slog.Error("reverse.io: rename failed", "key", key, "error", &IOError{Op: "rename", Key: key, Err: err})
	}

	for id, s := range toRebuild {
		f, err := os.Open(newPath)
		if err != nil {
			slog.Error("reverse.io: reopen reader after finish failed", "key", key, "id", id, "error", err)
			continue
		}
		if _, err := f.Seek(int64(s.piece.Offset), io.SeekStart); err != nil {
			slog.Error("reverse.io: seek after finish failed", "key", key, "id", id, "error", err)
			_ = f.Close()
			continue
		}
		e.readers[id] = &readerState{file: f, key: key, piece: s.piece, state: s.state}
	}

	slog.Debug("reverse.io: finish file", "key", key, "path", newPath)
	e.coordinator.send(coordFinishFile{key: key, cacheType: w.cacheType, info: w.remoteInfo})
	delete(e.writers, key)
}

func (e *IOEngine) handleRequestRead(ev ioRequestRead) {
	if ev.hasCache {
		if e.tryServeFromFinishedFile(ev) {
			return
		}
	}
	if e.tryServeFromWriter(ev) {
		return
	}
	// A read queued while the writer was still live (a woken waiter, or the
	// next piece after ReadStateEnd) may arrive after the writer retired;
	// the bytes are then in the finished file.
	if !ev.hasCache && e.tryServeFromFinishedFile(ev) {
		return
	}
	e.waiters[ev.id] = &waiterState{key: ev.key, start: ev.cursor}
	e.bus.send(evNoCache{id: ev.id})
}

func (e *IOEngine) tryServeFromWriter(ev ioRequestRead) bool {
	w, ok := e.writers[ev.key]
	if !ok {
		return false
	}
	p, ok := w.meta.PieceOf(ev.cursor)
	if !ok {
		return false
	}
	_ = w.file.Sync()

	if r, ok := e.readers[ev.id]; ok && r.key == ev.key {
		if _, err := r.file.Seek(int64(ev.cursor), io.SeekStart); err != nil {
			slog.Error("reverse.io: seek failed", "key", ev.key, "id", ev.id, "error", err)
			return false
		}
		r.piece = p
		r.state = ReadStateReading
		return true
	}

	f, err := os.Open(w.meta.Path)
	if err != nil {
		slog.Error("reverse.io: open writer path failed", "key", ev.key, "error", err)
		return false
	}
	if _, err := f.Seek(int64(ev.cursor), io.SeekStart); err != nil {
		_ = f.Close()
		slog.Error("reverse.io: seek failed", "key", ev.key, "id", ev.id, "error", err)
		return false
	}
	e.readers[ev.id] = &readerState{file: f, key: ev.key, piece: p, state: ReadStateReading}
	return true
}

func (e *IOEngine) tryServeFromFinishedFile(ev ioRequestRead) bool {
	if _, stillWriting := e.writers[ev.key]; stillWriting {
		return false
	}
	path := e.finalPath(ev.key)
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	length, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return false
	}
	if ev.cursor > uint64(length) {
		_ = f.Close()
		return false
	}
	if _, err := f.Seek(int64(ev.cursor), io.SeekStart); err != nil {
		_ = f.Close()
		return false
	}
	p := Piece{Offset: ev.cursor, Length: uint64(length) - ev.cursor}
	e.readers[ev.id] = &readerState{file: f, key: ev.key, piece: p, state: ReadStateReading}
	return true
}

// handleReadContinue resumes a reader paused after its last delivered chunk,
// once the connection handler has finished writing that chunk to the wire.
func (e *IOEngine) handleReadContinue(id uint16) {
	if r, ok := e.readers[id]; ok && r.state == ReadStatePaused {
		r.state = ReadStateReading
	}
}

// handleDoRead reads at most one 64 KiB chunk for every reader currently in
// ReadStateReading, then pauses each until its handler sends ReadContinue.
// This is the cooperative multiplexing that keeps one slow HTTP client from
// starving the single IO goroutine's attention to everyone else's reads.
func (e *IOEngine) handleDoRead() {
	buf := make([]byte, readChunkSize)
	for id, r := range e.readers {
		if r.state != ReadStateReading {
			continue
		}
		want := r.piece.Length
		if want > readChunkSize {
			want = readChunkSize
		}
		n, err := r.file.Read(buf[:int(want)])
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				slog.Error("reverse.io: read failed", "id", id, "error", err)
			} else {
				slog.Error("reverse.io: read zero bytes", "id", id, "piece_remaining", r.piece.Length)
			}
			delete(e.readers, id)
			_ = r.file.Close()
			e.bus.send(evConnAborted{id: id})
			continue
		}

		out := make([]byte, n)
		copy(out, buf[:n])

		r.piece.Offset += uint64(n)
		r.piece.Length -= uint64(n)
		if r.piece.Length == 0 {
			r.state = ReadStateEnd
		} else {
			r.state = ReadStatePaused
		}
		e.bus.send(evReadedBuf{id: id, data: out, state: r.state})
	}
}

func (e *IOEngine) handleEndConnection(id uint16) {
	if r, ok := e.readers[id]; ok {
		_ = r.file.Close()
		delete(e.readers, id)
	}
	delete(e.waiters, id)
}

func (e *IOEngine) handleEndWrite(key string) {
	w, ok := e.writers[key]
	if !ok {
		return
	}
	w.refcount--
	if w.refcount <= 0 {
		_ = w.file.Close()
		delete(e.writers, key)
	}
}
