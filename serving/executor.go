package serving

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Step tensor layout, shared with the executor: position 0 is a control word,
// position 1 the active batch width B, positions 2..B+1 one sampled token per
// slot.
const (
	// ControlNoOutput in position 0 means the executor produced nothing this
	// step; the reader skips the tensor.
	ControlNoOutput = -2
	// SlotIdle in a token position means the slot sampled nothing this step.
	SlotIdle = -1
)

// Executor is the native inference engine as seen by the control plane: it
// accepts scheduled task descriptors and produces one step tensor per decode
// iteration. The engine itself (model loading, tensor math) is out of scope.
type Executor interface {
	// Infer hands the newly admitted tasks plus the current slot snapshot to
	// the engine for the next prefill+decode step.
	Infer(tasks []*Task, running []*Task) error
	// GetOutput blocks until the next step tensor for the given rank is
	// available.
	GetOutput(ctx context.Context, rank int) ([]int64, error)
}

// SimExecutor is a model-free stand-in that honors the step tensor contract:
// each admitted task emits a deterministic, seed-derived number of tokens and
// then its EOS. Used for warmup, local development and tests; it enforces the
// max_dec_len bound the way the real engine does.
type SimExecutor struct {
	mu           sync.Mutex
	slots        map[int]*simSlot
	out          chan []int64
	maxBatchSize int
	defaultDec   int
	stepInterval time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

type simSlot struct {
	task    *Task
	emitted int
	target  int
	rng     *rand.Rand
}

// NewSimExecutor creates a simulated engine producing one step every
// stepInterval. defaultDecLen bounds generation for tasks that set no
// max_dec_len.
func NewSimExecutor(maxBatchSize, defaultDecLen int, stepInterval time.Duration) *SimExecutor {
	e := &SimExecutor{
		slots:        make(map[int]*simSlot),
		out:          make(chan []int64, 16),
		maxBatchSize: maxBatchSize,
		defaultDec:   defaultDecLen,
		stepInterval: stepInterval,
		stop:         make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *SimExecutor) Infer(tasks []*Task, _ []*Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, task := range tasks {
		maxDec := task.MaxDecLen
		if maxDec <= 0 {
			maxDec = e.defaultDec
		}
		minDec := task.MinDecLen
		if minDec < 1 {
			minDec = 1
		}
		if minDec > maxDec {
			minDec = maxDec
		}
		var seed int64
		if task.InferSeed != nil {
			seed = *task.InferSeed
		}
		rng := rand.New(rand.NewSource(seed))
		target := minDec
		if maxDec > minDec {
			target = minDec + rng.Intn(maxDec-minDec+1)
		}
		e.slots[task.Idx] = &simSlot{task: task, target: target, rng: rng}
		logrus.Debugf("sim executor: req_id %s slot %d will emit %d tokens", task.ReqID, task.Idx, target)
	}
	return nil
}

// run emits one step tensor per interval while any slot is active.
func (e *SimExecutor) run() {
	ticker := time.NewTicker(e.stepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}
		tensor := e.step()
		if tensor == nil {
			continue
		}
		select {
		case e.out <- tensor:
		case <-e.stop:
			return
		}
	}
}

func (e *SimExecutor) step() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.slots) == 0 {
		return nil
	}
	width := 0
	for idx := range e.slots {
		if idx+1 > width {
			width = idx + 1
		}
	}
	tensor := make([]int64, e.maxBatchSize+2)
	tensor[0] = 0
	tensor[1] = int64(width)
	for i := 0; i < width; i++ {
		tensor[2+i] = SlotIdle
		slot, ok := e.slots[i]
		if !ok {
			continue
		}
		slot.emitted++
		if slot.emitted >= slot.target {
			tensor[2+i] = int64(slot.task.EosTokenIDs[0])
			delete(e.slots, i)
			continue
		}
		// Sample from a small printable vocabulary so decoded text is tame.
		tensor[2+i] = int64(300 + slot.rng.Intn(5000))
	}
	return tensor
}

func (e *SimExecutor) GetOutput(ctx context.Context, _ int) ([]int64, error) {
	select {
	case tensor := <-e.out:
		return tensor, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "executor output")
	}
}

// Close stops the step loop.
func (e *SimExecutor) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
}
