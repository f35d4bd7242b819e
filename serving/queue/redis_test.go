package queue

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

type testItem struct {
	ReqID    string `json:"req_id"`
	InputIDs []int  `json:"input_ids"`
}

func newTestRedisQueue(t *testing.T, mpNum, maxGetNum int) *RedisBroadcast[testItem] {
	t.Helper()
	srv := miniredis.RunT(t)
	q := NewRedisBroadcast[testItem](srv.Addr(), "test", mpNum, maxGetNum)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRedisBroadcast_RoundTripsItems(t *testing.T) {
	// GIVEN two pending items on the broker
	q := newTestRedisQueue(t, 1, 0)
	want := []testItem{
		{ReqID: "r1", InputIDs: []int{1, 2, 3}},
		{ReqID: "r2", InputIDs: []int{4}},
	}
	for i := range want {
		if err := q.Put(want[i]); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if empty, err := q.Empty(); err != nil || empty {
		t.Fatalf("expected pending items, empty=%v err=%v", empty, err)
	}

	// WHEN the single rank reads
	items, drained, err := q.Get(0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// THEN the items survive the codec intact and the batch drains
	if !drained {
		t.Errorf("expected drained batch")
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	for i, item := range items {
		if item.ReqID != want[i].ReqID || len(item.InputIDs) != len(want[i].InputIDs) {
			t.Errorf("item %d mangled: %+v", i, item)
		}
	}
	if empty, _ := q.Empty(); !empty {
		t.Errorf("expected empty broker list")
	}
}

func TestRedisBroadcast_EveryRankSeesTheSameBatch(t *testing.T) {
	q := newTestRedisQueue(t, 3, 0)
	if err := q.Put(testItem{ReqID: "r1"}); err != nil {
		t.Fatal(err)
	}

	for rank := 0; rank < 3; rank++ {
		items, drained, err := q.Get(rank)
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
		if len(items) != 1 || items[0].ReqID != "r1" {
			t.Errorf("rank %d: expected [r1], got %v", rank, items)
		}
		if wantDrained := rank == 2; drained != wantDrained {
			t.Errorf("rank %d: drained = %v", rank, drained)
		}
	}
}

func TestRedisBroadcast_ARankReadsEachBatchOnce(t *testing.T) {
	q := newTestRedisQueue(t, 2, 0)
	q.Put(testItem{ReqID: "r1"})

	if items, _, _ := q.Get(0); len(items) != 1 {
		t.Fatalf("expected one item, got %v", items)
	}
	if items, _, _ := q.Get(0); len(items) != 0 {
		t.Errorf("expected nothing on re-read, got %v", items)
	}
	if items, drained, _ := q.Get(1); len(items) != 1 || !drained {
		t.Errorf("expected rank 1 to drain, got %v drained=%v", items, drained)
	}
}

func TestRedisBroadcast_PutWaitsForPartiallyConsumedBatch(t *testing.T) {
	// GIVEN a batch rank 0 has read but rank 1 has not
	q := newTestRedisQueue(t, 2, 0)
	q.Put(testItem{ReqID: "r1"})
	q.Get(0)

	// WHEN a producer offers the next item
	done := make(chan error, 1)
	go func() { done <- q.Put(testItem{ReqID: "r2"}) }()

	// THEN it blocks until the straggler reads
	select {
	case <-done:
		t.Fatal("put must not complete while the batch is partially consumed")
	case <-time.After(20 * time.Millisecond):
	}
	if _, drained, err := q.Get(1); err != nil || !drained {
		t.Fatalf("expected rank 1 to drain, err=%v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("put did not complete after the barrier cleared")
	}
}

func TestRedisBroadcast_MaxGetNumBoundsEachRead(t *testing.T) {
	q := newTestRedisQueue(t, 1, 2)
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Put(testItem{ReqID: id}); err != nil {
			t.Fatal(err)
		}
	}

	items, _, err := q.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ReqID != "a" || items[1].ReqID != "b" {
		t.Fatalf("expected [a b], got %v", items)
	}
	items, _, _ = q.Get(0)
	if len(items) != 1 || items[0].ReqID != "c" {
		t.Errorf("expected [c], got %v", items)
	}
}
