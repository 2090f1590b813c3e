package shell

import (
	"sync"
	"testing"
	"time"

	"github.com/mobilessh/sshcore/internal/streamring"
)

type collectingListener struct {
	mu     sync.Mutex
	events []ShellEvent
}

func (c *collectingListener) OnEvent(ev ShellEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collectingListener) snapshot() []ShellEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ShellEvent(nil), c.events...)
}

// TestListenerCoalescesChunksWithinWindow covers the coalescing scenario:
// three 5-byte Stdout chunks appended within 10ms, with coalesce_ms=50, must
// arrive as exactly one Chunk event concatenating all three, seq'd at the
// last chunk.
func TestListenerCoalescesChunksWithinWindow(t *testing.T) {
	fc := newFakeChannel()
	s := newFromChannel(fc, "chan-1", "conn-1", StartShellOptions{}, &fakeClosedCb{}, nil)
	defer s.Close()

	lis := &collectingListener{}
	s.AddListener(lis, AddListenerOptions{Cursor: streamring.LiveCursor(), CoalesceMs: 50})
	time.Sleep(5 * time.Millisecond) // let the listener task subscribe first

	for i := 0; i < 3; i++ {
		if _, err := fc.stdoutW.Write([]byte("abcde")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	time.Sleep(100 * time.Millisecond)

	events := lis.snapshot()
	if len(events) != 1 {
		t.Fatalf("events = %+v, want exactly 1", events)
	}
	ce, ok := events[0].(ChunkEvent)
	if !ok {
		t.Fatalf("event type = %T, want ChunkEvent", events[0])
	}
	if string(ce.Chunk.Bytes) != "abcdeabcdeabcde" {
		t.Fatalf("bytes = %q", ce.Chunk.Bytes)
	}
	if ce.Chunk.Seq != 3 {
		t.Fatalf("seq = %d, want 3", ce.Chunk.Seq)
	}
}

// TestStreamSwitchForcesFlush covers appending Stdout("ab"), Stderr("XY"),
// Stdout("cd") within one coalesce window: the listener must receive three
// Chunk events in order, one per stream switch, never merged across streams.
func TestStreamSwitchForcesFlush(t *testing.T) {
	fc := newFakeChannel()
	s := newFromChannel(fc, "chan-1", "conn-1", StartShellOptions{}, &fakeClosedCb{}, nil)
	defer s.Close()

	lis := &collectingListener{}
	s.AddListener(lis, AddListenerOptions{Cursor: streamring.LiveCursor(), CoalesceMs: 50})
	time.Sleep(5 * time.Millisecond)

	if _, err := fc.stdoutW.Write([]byte("ab")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := fc.stderrW.Write([]byte("XY")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := fc.stdoutW.Write([]byte("cd")); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	events := lis.snapshot()
	if len(events) != 3 {
		t.Fatalf("events = %+v, want exactly 3", events)
	}
	want := []struct {
		stream streamring.Stream
		bytes  string
	}{
		{streamring.Stdout, "ab"},
		{streamring.Stderr, "XY"},
		{streamring.Stdout, "cd"},
	}
	for i, w := range want {
		ce, ok := events[i].(ChunkEvent)
		if !ok {
			t.Fatalf("event[%d] type = %T, want ChunkEvent", i, events[i])
		}
		if ce.Chunk.Stream != w.stream || string(ce.Chunk.Bytes) != w.bytes {
			t.Fatalf("event[%d] = %+v, want stream=%v bytes=%q", i, ce.Chunk, w.stream, w.bytes)
		}
	}
}

func TestListenerReplaysExistingHistoryBeforeLive(t *testing.T) {
	fc := newFakeChannel()
	s := newFromChannel(fc, "chan-1", "conn-1", StartShellOptions{}, &fakeClosedCb{}, nil)
	defer s.Close()

	if _, err := fc.stdoutW.Write([]byte("past")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return s.CurrentSeq() >= 1 })

	lis := &collectingListener{}
	s.AddListener(lis, AddListenerOptions{Cursor: streamring.HeadCursor(), CoalesceMs: 50})

	time.Sleep(100 * time.Millisecond)

	events := lis.snapshot()
	if len(events) != 1 {
		t.Fatalf("events = %+v, want exactly 1 replayed chunk", events)
	}
	ce, ok := events[0].(ChunkEvent)
	if !ok || string(ce.Chunk.Bytes) != "past" {
		t.Fatalf("replayed event = %+v, want Chunk past", events[0])
	}
}

func TestRemoveListenerStopsDelivery(t *testing.T) {
	fc := newFakeChannel()
	s := newFromChannel(fc, "chan-1", "conn-1", StartShellOptions{}, &fakeClosedCb{}, nil)
	defer s.Close()

	lis := &collectingListener{}
	id := s.AddListener(lis, AddListenerOptions{Cursor: streamring.LiveCursor(), CoalesceMs: 10})
	time.Sleep(5 * time.Millisecond)

	s.RemoveListener(id)

	if _, err := fc.stdoutW.Write([]byte("after-remove")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if events := lis.snapshot(); len(events) != 0 {
		t.Fatalf("events after remove = %+v, want none", events)
	}
}
