package serving

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/llmserve/llmserve/serving/data"
)

// TaskQueue is the fan-in between the submission path and the worker ranks.
// Both the in-process and the Redis-backed broadcast queues satisfy it.
type TaskQueue interface {
	Put(task *Task) error
	Get(rank int) ([]*Task, bool, error)
	Empty() (bool, error)
}

// schedulerIdleSleep paces the scheduler loop when there is nothing to admit.
const schedulerIdleSleep = 2 * time.Millisecond

// Engine ties one worker rank together: it drains the task queue, admits
// tasks through the ResourceManager, hands batches to the executor and runs
// the TokenProcessor that pumps results back out.
type Engine struct {
	cfg     *Config
	rm      *ResourceManager
	queue   TaskQueue
	exec    Executor
	tp      *TokenProcessor
	proc    *data.Processor
	streams *StreamRegistry
	metrics *Metrics
	rank    int

	heartbeat atomic.Int64
	ready     atomic.Bool
}

// NewEngine assembles an engine for one rank. streams may be nil when the
// deployment delivers results through a file sink only; Submit then refuses
// streaming submissions. proc and metrics may be nil.
func NewEngine(cfg *Config, q TaskQueue, exec Executor, sink ResultSink, proc *data.Processor, streams *StreamRegistry, metrics *Metrics, rank int) *Engine {
	e := &Engine{
		cfg:     cfg,
		rm:      NewResourceManager(cfg),
		queue:   q,
		exec:    exec,
		proc:    proc,
		streams: streams,
		metrics: metrics,
		rank:    rank,
	}
	e.tp = NewTokenProcessor(cfg, exec, sink, proc, rank, &e.heartbeat, metrics)
	e.tp.SetResourceManager(e.rm)
	return e
}

// ResourceManager exposes the engine's pool for probes and tests.
func (e *Engine) ResourceManager() *ResourceManager { return e.rm }

// Abandon detaches the result stream for req_id, e.g. when the client's
// deadline expires. The task itself runs to completion.
func (e *Engine) Abandon(reqID string) {
	if e.streams != nil {
		e.streams.Abandon(reqID)
	}
}

// Heartbeat returns the liveness timestamp shared with the health checker.
func (e *Engine) Heartbeat() *atomic.Int64 { return &e.heartbeat }

// Ready returns the engine-ready flag shared with the health checker.
func (e *Engine) Ready() *atomic.Bool { return &e.ready }

// Start launches the scheduler and token-processor goroutines. When warmup is
// configured it runs before the engine is marked ready.
func (e *Engine) Start(ctx context.Context) error {
	e.heartbeat.Store(time.Now().UnixNano())
	go e.tp.Run(ctx)
	if e.cfg.UseWarmup {
		if err := e.warmup(ctx); err != nil {
			return errors.Wrap(err, "warmup")
		}
	}
	go e.scheduleLoop(ctx)
	e.ready.Store(true)
	logrus.Infof("engine rank %d started, %s", e.rank, e.rm.Info())
	return nil
}

// Submit validates a request, resolves its input IDs and enqueues the task.
// The returned channel is the per-request result stream; it is closed after
// the terminal event. Validation failures are reported synchronously and the
// task is never enqueued.
func (e *Engine) Submit(req *GenerateRequest) (<-chan *Result, error) {
	if e.metrics != nil {
		e.metrics.RequestsTotal.Inc()
	}
	if req.ReqID == "" {
		req.ReqID = uuid.New().String()
	}
	errs := CheckBasicParams(req)
	if req.MaxDecLen != nil && *req.MaxDecLen > e.cfg.DecLenLimit {
		errs = append(errs, fmt.Sprintf("The `max_dec_len` must not exceed %d", e.cfg.DecLenLimit))
	}
	if len(errs) > 0 {
		if e.metrics != nil {
			e.metrics.ValidationErrors.Inc()
		}
		return nil, errors.New(strings.Join(errs, "; "))
	}
	AddDefaultParams(req)

	if err := e.resolveInputIDs(req); err != nil {
		return nil, err
	}
	task := req.ToTask()
	task.EosTokenIDs = e.extendEosTokenIDs(task.EosTokenIDs)

	if e.streams == nil {
		return nil, errors.New("no result stream transport configured")
	}
	stream, err := e.streams.Open(task.ReqID)
	if err != nil {
		return nil, err
	}
	if err := e.queue.Put(task); err != nil {
		e.streams.Abandon(task.ReqID)
		return nil, errors.Wrap(err, "enqueue task")
	}
	logrus.Infof("enqueued req_id: %s, input_len: %d", task.ReqID, len(task.InputIDs))
	return stream, nil
}

// resolveInputIDs fills req.InputIDs from whichever of input_ids, messages or
// text the client sent. Direct input_ids skip tokenization but are still
// clamped to the model bound.
func (e *Engine) resolveInputIDs(req *GenerateRequest) error {
	if req.InputIDs != nil {
		if len(req.InputIDs) > e.cfg.MaxSeqLen-1 {
			req.InputIDs = req.InputIDs[:e.cfg.MaxSeqLen-1]
		}
		return nil
	}
	if e.proc == nil {
		return errors.New("no tokenizer configured; submit input_ids directly")
	}
	if req.Messages != nil {
		msgs := make([]data.ChatMessage, 0, len(req.Messages))
		for _, m := range req.Messages {
			msgs = append(msgs, data.ChatMessage{Role: m.Role, Content: *m.Content})
		}
		req.InputIDs = e.proc.MessagesToIDs(msgs)
		return nil
	}
	if req.Text == nil {
		return errors.New("no input provided")
	}
	req.InputIDs = e.proc.TextToIDs(*req.Text)
	return nil
}

// extendEosTokenIDs appends the tokenizer's canonical EOS set to whatever the
// client supplied.
func (e *Engine) extendEosTokenIDs(ids []int) []int {
	if e.proc == nil {
		return ids
	}
	for _, eos := range e.proc.EosTokenIDs() {
		if !containsToken(ids, eos) {
			ids = append(ids, eos)
		}
	}
	return ids
}

// scheduleLoop is the per-rank scheduler: drain the queue, admit what fits,
// hand the batch to the executor. Capacity rejections are not errors; the
// tasks are re-offered on a later round.
func (e *Engine) scheduleLoop(ctx context.Context) {
	for ctx.Err() == nil {
		e.heartbeat.Store(time.Now().UnixNano())

		empty, err := e.queue.Empty()
		if err != nil {
			logrus.Errorf("queue empty check: %v", err)
			time.Sleep(schedulerIdleSleep)
			continue
		}
		if empty || e.rm.AvailableBatch() < 1 {
			time.Sleep(schedulerIdleSleep)
			continue
		}
		items, _, err := e.queue.Get(e.rank)
		if err != nil {
			logrus.Errorf("queue get: %v", err)
			time.Sleep(schedulerIdleSleep)
			continue
		}
		if len(items) == 0 {
			time.Sleep(schedulerIdleSleep)
			continue
		}
		admitted := e.rm.AllocateResourcesForNewTasks(items)
		if e.metrics != nil {
			e.metrics.TasksAdmitted.Add(float64(len(admitted)))
		}
		e.requeueLeftovers(items, admitted)
		if len(admitted) > 0 {
			if err := e.exec.Infer(admitted, e.rm.TasksSnapshot()); err != nil {
				logrus.Errorf("executor infer: %v", err)
			}
		}
		if len(admitted) == 0 {
			time.Sleep(schedulerIdleSleep)
		}
	}
}

// requeueLeftovers puts capacity-rejected tasks back for the next round.
// Every rank computes the same leftover set from the same batch, so only
// rank 0 re-queues; oversize tasks are dropped for good.
func (e *Engine) requeueLeftovers(items, admitted []*Task) {
	if e.rank != 0 {
		return
	}
	admittedSet := make(map[*Task]struct{}, len(admitted))
	for _, t := range admitted {
		admittedSet[t] = struct{}{}
	}
	for _, t := range items {
		if _, ok := admittedSet[t]; ok {
			continue
		}
		if len(t.InputIDs) > e.cfg.MaxSeqLen {
			if e.metrics != nil {
				e.metrics.TasksRejected.Inc()
			}
			continue
		}
		if err := e.queue.Put(t); err != nil {
			logrus.Errorf("requeue req_id %s: %v", t.ReqID, err)
		}
	}
}

// warmup pushes fabricated max-shape tasks through the executor and waits for
// them to retire, so the first real request does not pay one-time costs.
// Results are discarded.
func (e *Engine) warmup(ctx context.Context) error {
	logrus.Info("warmup start")
	n := e.cfg.MaxBatchSize
	if n > 4 {
		n = 4
	}
	eos := e.extendEosTokenIDs(nil)
	if len(eos) == 0 {
		eos = []int{0}
	}
	tasks := make([]*Task, 0, n)
	for i := 0; i < n; i++ {
		seed := int64(i + 1)
		tasks = append(tasks, &Task{
			ReqID:       fmt.Sprintf("warmup-%d", i),
			InputIDs:    make([]int, e.cfg.BlockSize),
			MaxDecLen:   2,
			MinDecLen:   1,
			EosTokenIDs: eos,
			InferSeed:   &seed,
		})
	}
	admitted := e.rm.AllocateResourcesForNewTasks(tasks)
	if len(admitted) == 0 {
		return errors.New("no warmup task admitted")
	}
	if err := e.exec.Infer(admitted, e.rm.TasksSnapshot()); err != nil {
		return err
	}
	deadline := time.Now().Add(30 * time.Second)
	for e.rm.RealBsz() > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return errors.New("warmup timed out")
		}
		time.Sleep(10 * time.Millisecond)
	}
	logrus.Info("warmup complete")
	return nil
}
