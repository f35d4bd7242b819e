package cmd

import (
	"testing"

	"github.com/llmserve/llmserve/serving"
	"github.com/llmserve/llmserve/serving/queue"
)

func TestBuildTaskQueue_SingleRankUsesInProcessTransport(t *testing.T) {
	cfg := &serving.Config{MPNum: 1}
	q, probeAddr, err := buildTaskQueue("", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := q.(*queue.Broadcast[*serving.Task]); !ok {
		t.Errorf("expected the in-process transport, got %T", q)
	}
	if probeAddr != "" {
		t.Errorf("no endpoint to probe for the in-process transport, got %q", probeAddr)
	}
}

func TestBuildTaskQueue_MultiRankRequiresBroker(t *testing.T) {
	// GIVEN mp_num > 1 and no broker address
	cfg := &serving.Config{MPNum: 2}

	// WHEN the local transport would be selected
	_, _, err := buildTaskQueue("", cfg)

	// THEN startup fails instead of wedging the first put
	if err == nil {
		t.Fatal("expected an error for mp_num > 1 without a broker")
	}

	// AND the broker transport accepts the same shape
	q, probeAddr, err := buildTaskQueue("127.0.0.1:6379", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := q.(*queue.RedisBroadcast[*serving.Task]); !ok {
		t.Errorf("expected the broker transport, got %T", q)
	}
	if probeAddr != "127.0.0.1:6379" {
		t.Errorf("expected the broker address as probe endpoint, got %q", probeAddr)
	}
}
