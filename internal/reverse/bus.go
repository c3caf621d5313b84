package reverse

import "log/slog"

// busCapacity is the Bus's inbox depth (spec: bounded channel, capacity 20).
// A full bus applies backpressure to whichever side is producing fastest,
// which is the point: neither connection handlers nor the IO engine should
// be able to run away with unbounded memory.
const busCapacity = 20

// Bus events sent by a Connection Handler, destined for the IO Engine.
type evRequestRead struct {
	key      string
	id       uint16
	cursor   uint64
	hasCache bool
}
type evReadContinue struct{ id uint16 }

// evNewConnection registers a handler's inbox so the Bus can route IO Engine
// replies back to it by id.
type evNewConnection struct {
	id    uint16
	inbox chan any
}

// evEndConnection is a handler's request to tear down its IO Engine state
// (open reader, pending waiter) once the handler itself is finished.
type evEndConnection struct{ id uint16 }

// Bus events sent by the IO Engine, destined for one Connection Handler (by
// id) or back into the Bus itself.
type evReadedBuf struct {
	id    uint16
	data  []byte
	state ReadState
}
type evNoCache struct{ id uint16 }
type evConnAborted struct{ id uint16 }
type evDoRead struct{}

// Bus is the single multiplexer between every Connection Handler and the
// one IO Engine goroutine (spec.md §4.C). It owns no cache state itself; it
// only knows how to route a message to the IO Engine's inbox or to the
// right handler's inbox channel.
type Bus struct {
	ch       chan any
	io       *IOEngine
	handlers map[uint16]chan any
}

// NewBus constructs a Bus. SetIOEngine must be called before Run.
func NewBus() *Bus {
	return &Bus{
		ch:       make(chan any, busCapacity),
		handlers: make(map[uint16]chan any),
	}
}

// SetIOEngine completes construction, once the IO Engine exists.
func (b *Bus) SetIOEngine(io *IOEngine) { b.io = io }

// send enqueues a message onto the bus, blocking if the bus is full. This is
// the sole backpressure point of the whole engine.
func (b *Bus) send(v any) { b.ch <- v }

// Run is the Bus's dispatch loop. It must run on its own goroutine.
func (b *Bus) Run() {
	for v := range b.ch {
		switch ev := v.(type) {
		case evRequestRead:
			b.io.send(ioRequestRead{key: ev.key, id: ev.id, cursor: ev.cursor, hasCache: ev.hasCache})
		case evReadContinue:
			b.io.send(ioReadContinue{id: ev.id})
		case evDoRead:
			b.io.send(ioDoRead{})
		case evEndConnection:
			b.io.send(ioEndConnection{id: ev.id})
			delete(b.handlers, ev.id)
		case evNewConnection:
			b.handlers[ev.id] = ev.inbox
		case evReadedBuf:
			b.deliver(ev.id, ev)
		case evNoCache:
			b.deliver(ev.id, ev)
		case evConnAborted:
			b.deliver(ev.id, ev)
			delete(b.handlers, ev.id)
		default:
			slog.Warn("reverse.bus: unknown event", "type", v)
		}
	}
}

func (b *Bus) deliver(id uint16, v any) {
	inbox, ok := b.handlers[id]
	if !ok {
		return
	}
	select {
	case inbox <- v:
	default:
		slog.Warn("reverse.bus: handler inbox full, dropping event", "id", id)
	}
}

// Stop closes the bus. Run returns once the channel drains.
func (b *Bus) Stop() { close(b.ch) }
