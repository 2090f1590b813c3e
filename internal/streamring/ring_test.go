package streamring

import (
	"bytes"
	"testing"
)

func TestAppendEvictsUnderByteBudget(t *testing.T) {
	dp := NewDataPlane(100)
	for i := 0; i < 10; i++ {
		dp.Append(bytes.Repeat([]byte{'a'}, 20), Stdout)
	}

	stats := dp.Stats()
	if stats.UsedBytes != 100 {
		t.Fatalf("UsedBytes = %d, want 100", stats.UsedBytes)
	}
	if stats.HeadSeq != 6 {
		t.Fatalf("HeadSeq = %d, want 6", stats.HeadSeq)
	}
	if stats.TailSeq != 10 {
		t.Fatalf("TailSeq = %d, want 10", stats.TailSeq)
	}
	if stats.DroppedBytesTotal != 100 {
		t.Fatalf("DroppedBytesTotal = %d, want 100", stats.DroppedBytesTotal)
	}

	res := dp.ReadBuffer(HeadCursor(), Unlimited)
	if len(res.Chunks) != 5 {
		t.Fatalf("len(chunks) = %d, want 5", len(res.Chunks))
	}
	for i, c := range res.Chunks {
		wantSeq := uint64(6 + i)
		if c.Seq != wantSeq {
			t.Fatalf("chunk[%d].Seq = %d, want %d", i, c.Seq, wantSeq)
		}
	}
}

func TestReadBufferSeqCursorBelowHeadReportsDropped(t *testing.T) {
	dp := NewDataPlane(100)
	for i := 0; i < 10; i++ {
		dp.Append(bytes.Repeat([]byte{'a'}, 20), Stdout)
	}

	res := dp.ReadBuffer(SeqCursor(3), Unlimited)
	if res.Dropped == nil {
		t.Fatal("expected a Dropped range")
	}
	if res.Dropped.FromSeq != 3 || res.Dropped.ToSeq != 5 {
		t.Fatalf("Dropped = %+v, want {3 5}", *res.Dropped)
	}
	if len(res.Chunks) != 5 || res.Chunks[0].Seq != 6 || res.Chunks[4].Seq != 10 {
		t.Fatalf("unexpected chunks: %+v", res.Chunks)
	}
}

func TestRoundTripNoEviction(t *testing.T) {
	dp := NewDataPlane(DefaultRingCapacity)
	want := []byte("hello world, this is a terminal stream")
	dp.Append(want, Stdout)

	res := dp.ReadBuffer(HeadCursor(), Unlimited)
	var got []byte
	for _, c := range res.Chunks {
		got = append(got, c.Bytes...)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

func TestAppendSplitsOversizeChunks(t *testing.T) {
	dp := NewDataPlane(DefaultRingCapacity)
	data := bytes.Repeat([]byte{'x'}, MaxChunkSize+10)
	dp.Append(data, Stdout)

	res := dp.ReadBuffer(HeadCursor(), Unlimited)
	if len(res.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(res.Chunks))
	}
	if len(res.Chunks[0].Bytes) != MaxChunkSize {
		t.Fatalf("first chunk len = %d, want %d", len(res.Chunks[0].Bytes), MaxChunkSize)
	}
	if len(res.Chunks[1].Bytes) != 10 {
		t.Fatalf("second chunk len = %d, want 10", len(res.Chunks[1].Bytes))
	}
}

func TestBroadcastSubscriberSeesLiveAppend(t *testing.T) {
	dp := NewDataPlane(DefaultRingCapacity)
	sub := dp.Subscribe()

	dp.Append([]byte("abc"), Stdout)

	c, lag, closed := sub.Next()
	if lag || closed {
		t.Fatalf("unexpected lag=%v closed=%v", lag, closed)
	}
	if string(c.Bytes) != "abc" {
		t.Fatalf("got %q, want abc", c.Bytes)
	}
}

func TestBroadcastLagBeyondCapacity(t *testing.T) {
	dp := NewDataPlane(DefaultRingCapacity)
	sub := dp.Subscribe()

	for i := 0; i < BroadcastCapacity+50; i++ {
		dp.Append([]byte{byte(i)}, Stdout)
	}

	_, lag, closed := sub.Next()
	if closed {
		t.Fatal("unexpected close")
	}
	if !lag {
		t.Fatal("expected lag after exceeding broadcast capacity")
	}
}

func TestCloseWakesSubscriber(t *testing.T) {
	dp := NewDataPlane(DefaultRingCapacity)
	sub := dp.Subscribe()
	done := make(chan struct{})
	go func() {
		_, _, closed := sub.Next()
		if !closed {
			t.Error("expected closed=true")
		}
		close(done)
	}()
	dp.Close()
	<-done
}
