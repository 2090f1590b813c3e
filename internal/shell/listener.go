package shell

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobilessh/sshcore/internal/streamring"
)

// TerminalChunk is the external projection of a streamring.Chunk.
type TerminalChunk struct {
	Seq    uint64
	TMs    float64
	Stream streamring.Stream
	Bytes  []byte
}

// ShellEvent is either a Chunk or a Dropped range, delivered to a Listener
// in strictly increasing seq order with every gap bracketed by exactly one
// Dropped event.
type ShellEvent interface {
	isShellEvent()
}

type ChunkEvent struct{ Chunk TerminalChunk }
type DroppedEvent struct{ FromSeq, ToSeq uint64 }

func (ChunkEvent) isShellEvent()   {}
func (DroppedEvent) isShellEvent() {}

// Listener receives ShellEvents. Implementations must not block for long —
// callbacks are invoked synchronously from the listener's own goroutine,
// never while any ring lock is held.
type Listener interface {
	OnEvent(ev ShellEvent)
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(ShellEvent)

func (f ListenerFunc) OnEvent(ev ShellEvent) { f(ev) }

// AddListenerOptions configures a single add_listener call.
type AddListenerOptions struct {
	Cursor      streamring.Cursor
	CoalesceMs  uint64 // 0 uses streamring.DefaultCoalesceMs
}

type listenerTable struct {
	mu   sync.Mutex
	byID map[string]*listenerHandle
}

func newListenerTable() *listenerTable {
	return &listenerTable{byID: map[string]*listenerHandle{}}
}

func (t *listenerTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.byID {
		h.stop()
	}
	t.byID = map[string]*listenerHandle{}
}

// listenerHandle tracks one listener task so remove_listener can abort it.
type listenerHandle struct {
	id  string
	sub *streamring.Subscription
}

func (h *listenerHandle) stop() { h.sub.Stop() }

// AddListener emits a replay snapshot, then runs the live
// coalescing loop until the listener is removed or the shell closes.
func (s *ShellSession) AddListener(listener Listener, opts AddListenerOptions) string {
	id := uuid.NewString()
	coalesce := time.Duration(opts.CoalesceMs) * time.Millisecond
	if opts.CoalesceMs == 0 {
		coalesce = streamring.DefaultCoalesceMs * time.Millisecond
	}

	snapshot := s.plane.ReadBuffer(opts.Cursor, streamring.Unlimited)
	sub := s.plane.Subscribe()

	s.listeners.mu.Lock()
	s.listeners.byID[id] = &listenerHandle{id: id, sub: sub}
	s.listeners.mu.Unlock()

	go runListenerTask(listener, snapshot, sub, coalesce)

	return id
}

// RemoveListener aborts the listener's task; no further events are
// delivered after this call returns.
func (s *ShellSession) RemoveListener(id string) {
	s.listeners.mu.Lock()
	entry, ok := s.listeners.byID[id]
	if ok {
		delete(s.listeners.byID, id)
	}
	s.listeners.mu.Unlock()
	if ok {
		entry.stop()
	}
}

func toExternal(c streamring.Chunk) TerminalChunk {
	return TerminalChunk{Seq: c.Seq, TMs: c.TMs, Stream: c.Stream, Bytes: c.Bytes}
}

// accumulator buffers same-stream chunks within one coalescing window.
type accumulator struct {
	active   bool
	stream   streamring.Stream
	lastSeq  uint64
	lastTMs  float64
	bytes    []byte
}

func (a *accumulator) seed(c streamring.Chunk) {
	a.active = true
	a.stream = c.Stream
	a.lastSeq = c.Seq
	a.lastTMs = c.TMs
	a.bytes = append([]byte(nil), c.Bytes...)
}

func (a *accumulator) extend(c streamring.Chunk) {
	a.lastSeq = c.Seq
	a.lastTMs = c.TMs
	a.bytes = append(a.bytes, c.Bytes...)
}

func (a *accumulator) flush(listener Listener) {
	if !a.active {
		return
	}
	listener.OnEvent(ChunkEvent{Chunk: TerminalChunk{
		Seq:    a.lastSeq,
		TMs:    a.lastTMs,
		Stream: a.stream,
		Bytes:  a.bytes,
	}})
	a.active = false
	a.bytes = nil
}

// runListenerTask cycles Replaying -> Accumulating -> Flushing -> Accumulating ...
func runListenerTask(listener Listener, snapshot streamring.ReadResult, sub *streamring.Subscription, coalesce time.Duration) {
	if snapshot.Dropped != nil {
		listener.OnEvent(DroppedEvent{FromSeq: snapshot.Dropped.FromSeq, ToSeq: snapshot.Dropped.ToSeq})
	}
	for _, c := range snapshot.Chunks {
		listener.OnEvent(ChunkEvent{Chunk: toExternal(c)})
	}
	lastSeqSeen := snapshot.NextSeq - 1

	var pendingDropFrom uint64
	var pendingDropSet bool
	var acc accumulator

	for {
		first, lag, closed := sub.Next()
		if closed {
			acc.flush(listener)
			return
		}
		if lag {
			pendingDropFrom = lastSeqSeen + 1
			pendingDropSet = true
			continue
		}

		if pendingDropSet && pendingDropFrom <= first.Seq-1 {
			listener.OnEvent(DroppedEvent{FromSeq: pendingDropFrom, ToSeq: first.Seq - 1})
		}
		pendingDropSet = false

		acc.seed(first)
		lastSeqSeen = first.Seq

		deadline := time.Now().Add(coalesce)
	innerLoop:
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break innerLoop
			}
			c, lag2, closed2, timedOut := sub.NextTimeout(remaining)
			switch {
			case timedOut:
				break innerLoop
			case closed2:
				acc.flush(listener)
				return
			case lag2:
				pendingDropFrom = lastSeqSeen + 1
				pendingDropSet = true
				break innerLoop
			case c.Stream == acc.stream:
				acc.extend(c)
				lastSeqSeen = c.Seq
			default:
				acc.flush(listener)
				acc.seed(c)
				lastSeqSeen = c.Seq
				deadline = time.Now().Add(coalesce)
			}
		}
		acc.flush(listener)
	}
}
