package serving

import (
	"sync/atomic"
	"testing"
)

// captureSink records delivered results in order.
type captureSink struct {
	results []*Result
}

func (s *captureSink) Deliver(res *Result) error {
	s.results = append(s.results, res)
	return nil
}

func newTestProcessor(t *testing.T, cfg *Config, rm *ResourceManager) (*TokenProcessor, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	var heartbeat atomic.Int64
	tp := NewTokenProcessor(cfg, nil, sink, nil, 0, &heartbeat, nil)
	tp.SetResourceManager(rm)
	return tp, sink
}

func stepTensor(cfg *Config, batch int, tokens ...int64) []int64 {
	tensor := make([]int64, cfg.MaxBatchSize+2)
	tensor[1] = int64(batch)
	for i := range tensor[2:] {
		tensor[2+i] = SlotIdle
	}
	copy(tensor[2:], tokens)
	return tensor
}

func TestProcessStep_StreamsTokensAndRetiresOnEOS(t *testing.T) {
	// GIVEN one admitted task with eos 7 and the step sequence 1, 2, 3, 7
	cfg := testConfig()
	rm := NewResourceManager(cfg)
	task := newTask("r1", 4)
	task.InferSeed = i64ptr(11)
	if got := rm.AllocateResourcesForNewTasks([]*Task{task}); len(got) != 1 {
		t.Fatalf("setup: admission failed")
	}
	tp, sink := newTestProcessor(t, cfg, rm)

	// WHEN the four steps are processed
	for _, tok := range []int64{1, 2, 3, 7} {
		tp.ProcessStep(stepTensor(cfg, 1, tok))
	}

	// THEN four events were emitted with send_idx counting from 0
	if len(sink.results) != 4 {
		t.Fatalf("expected 4 events, got %d", len(sink.results))
	}
	for i, res := range sink.results {
		if res.ReqID != "r1" {
			t.Errorf("event %d: wrong req_id %s", i, res.ReqID)
		}
		if res.SendIdx != i {
			t.Errorf("event %d: expected send_idx %d, got %d", i, i, res.SendIdx)
		}
		if res.InferSeed != 11 {
			t.Errorf("event %d: expected seed 11, got %d", i, res.InferSeed)
		}
	}
	for i, res := range sink.results[:3] {
		if res.IsEnd != 0 {
			t.Errorf("event %d must not be terminal", i)
		}
		if len(res.TokenIDs) != 1 || res.TokenIDs[0] != i+1 {
			t.Errorf("event %d: expected token_ids [%d], got %v", i, i+1, res.TokenIDs)
		}
	}

	// AND the terminal event carries the totals but not the eos token
	last := sink.results[3]
	if last.IsEnd != 1 {
		t.Fatalf("expected terminal event")
	}
	if len(last.TokenIDs) != 0 {
		t.Errorf("terminal token_ids must be empty, got %v", last.TokenIDs)
	}
	if last.TokensAllNum != 4 {
		t.Errorf("expected tokens_all_num 4, got %d", last.TokensAllNum)
	}
	if len(last.TokensAllIDs) != 3 || last.TokensAllIDs[0] != 1 || last.TokensAllIDs[2] != 3 {
		t.Errorf("expected tokens_all_ids [1 2 3], got %v", last.TokensAllIDs)
	}
	if last.InferenceTimeCost < 0 {
		t.Errorf("expected a measured time cost, got %v", last.InferenceTimeCost)
	}

	// AND the slot and blocks were recycled
	if got := rm.RealBsz(); got != 0 {
		t.Errorf("expected real_bsz 0 after retirement, got %d", got)
	}
	if got := rm.AvailableBlockNum(); got != cfg.MaxBlockNum {
		t.Errorf("expected full pool after retirement, got %d", got)
	}
}

func TestProcessStep_SkipsControlAndIdleSlots(t *testing.T) {
	cfg := testConfig()
	rm := NewResourceManager(cfg)
	task := newTask("r1", 4)
	rm.AllocateResourcesForNewTasks([]*Task{task})
	tp, sink := newTestProcessor(t, cfg, rm)

	// control word -2 means the whole tensor is skipped
	tensor := stepTensor(cfg, 1, 5)
	tensor[0] = ControlNoOutput
	tp.ProcessStep(tensor)
	if len(sink.results) != 0 {
		t.Errorf("control tensor must produce no events, got %d", len(sink.results))
	}

	// a negative token means the slot sampled nothing this step
	tp.ProcessStep(stepTensor(cfg, 1, SlotIdle))
	if len(sink.results) != 0 {
		t.Errorf("idle slot must produce no events, got %d", len(sink.results))
	}

	// tokens for free slots are ignored
	wide := stepTensor(cfg, 2, SlotIdle, 9)
	tp.ProcessStep(wide)
	if len(sink.results) != 0 {
		t.Errorf("free slot must produce no events, got %d", len(sink.results))
	}
}

func TestProcessStep_InterleavedSlotsKeepIndependentCounters(t *testing.T) {
	// GIVEN two admitted tasks
	cfg := testConfig()
	rm := NewResourceManager(cfg)
	a, b := newTask("a", 4), newTask("b", 4)
	rm.AllocateResourcesForNewTasks([]*Task{a, b})
	tp, sink := newTestProcessor(t, cfg, rm)

	// WHEN both slots emit across two steps and b finishes first
	tp.ProcessStep(stepTensor(cfg, 2, 10, 20))
	tp.ProcessStep(stepTensor(cfg, 2, 11, 7)) // b hits eos
	tp.ProcessStep(stepTensor(cfg, 2, 7, SlotIdle))

	// THEN each request has its own send_idx sequence
	idx := map[string][]int{}
	for _, res := range sink.results {
		idx[res.ReqID] = append(idx[res.ReqID], res.SendIdx)
	}
	for req, seq := range idx {
		for i, v := range seq {
			if v != i {
				t.Errorf("req %s: expected send_idx %d, got %d", req, i, v)
			}
		}
	}
	if len(idx["a"]) != 3 || len(idx["b"]) != 2 {
		t.Errorf("expected 3 events for a and 2 for b, got %v", idx)
	}
	if got := rm.RealBsz(); got != 0 {
		t.Errorf("expected both slots retired, got real_bsz %d", got)
	}
}

func TestProcessStep_BatchWidthIsClampedToMaxBatchSize(t *testing.T) {
	cfg := testConfig()
	rm := NewResourceManager(cfg)
	rm.AllocateResourcesForNewTasks([]*Task{newTask("r1", 4)})
	tp, sink := newTestProcessor(t, cfg, rm)

	// a width beyond max_batch_size must not walk off the tensor
	tensor := stepTensor(cfg, cfg.MaxBatchSize+10, 5)
	tp.ProcessStep(tensor)
	if len(sink.results) != 1 {
		t.Errorf("expected one event, got %d", len(sink.results))
	}
}
