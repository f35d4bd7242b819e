package serving

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/llmserve/llmserve/serving/data"
)

// TokenProcessor drains the executor's step tensors, splits them per slot,
// detokenizes incrementally and emits one Result per sampled token on the
// per-request stream. On EOS it retires the task and recycles its slot and
// blocks. One processor runs per worker rank; it is the single writer for
// its slots' token state.
type TokenProcessor struct {
	cfg  *Config
	rm   *ResourceManager
	exec Executor
	sink ResultSink
	proc *data.Processor // nil disables detokenization
	rank int

	allTokens     [][]int
	tokensCounter map[string]int

	// heartbeat is bumped once per loop iteration; the health checker reads
	// it to detect a hung engine.
	heartbeat *atomic.Int64
	metrics   *Metrics
}

// NewTokenProcessor wires the post-processing side of one worker rank.
// proc and metrics may be nil.
func NewTokenProcessor(cfg *Config, exec Executor, sink ResultSink, proc *data.Processor, rank int, heartbeat *atomic.Int64, metrics *Metrics) *TokenProcessor {
	return &TokenProcessor{
		cfg:           cfg,
		exec:          exec,
		sink:          sink,
		proc:          proc,
		rank:          rank,
		allTokens:     make([][]int, cfg.MaxBatchSize),
		tokensCounter: make(map[string]int),
		heartbeat:     heartbeat,
		metrics:       metrics,
	}
}

// SetResourceManager must be called once before Run.
func (tp *TokenProcessor) SetResourceManager(rm *ResourceManager) {
	if tp.rm != nil {
		panic("resource manager already set")
	}
	tp.rm = rm
}

// Run blocks on the executor output and processes step tensors until ctx is
// cancelled. Intended to run on its own goroutine.
func (tp *TokenProcessor) Run(ctx context.Context) {
	if tp.rm == nil {
		panic("resource manager not set")
	}
	for {
		tensor, err := tp.exec.GetOutput(ctx, tp.rank)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.Errorf("get output error: %v", err)
			continue
		}
		if tp.heartbeat != nil {
			tp.heartbeat.Store(time.Now().UnixNano())
		}
		if len(tensor) < 2 || tensor[0] == ControlNoOutput {
			continue
		}
		tp.processBatchOutput(tensor)
	}
}

// ProcessStep handles a single step tensor. Exposed for the warmup pass and
// tests; Run is the production entry point.
func (tp *TokenProcessor) ProcessStep(tensor []int64) {
	if len(tensor) < 2 || tensor[0] == ControlNoOutput {
		return
	}
	tp.processBatchOutput(tensor)
}

func (tp *TokenProcessor) processBatchOutput(tensor []int64) {
	batch := int(tensor[1])
	if batch > tp.cfg.MaxBatchSize {
		batch = tp.cfg.MaxBatchSize
	}
	for i := 0; i < batch; i++ {
		if tp.rm.StopFlagAt(i) {
			continue
		}
		tokenID := int(tensor[2+i])
		if tokenID < 0 {
			continue
		}
		task := tp.rm.TaskAt(i)
		if task == nil {
			continue
		}
		result := tp.getSingleResult(i, task, tokenID)
		tp.tokensCounter[task.ReqID]++
		isEOS := containsToken(task.EosTokenIDs, tokenID)
		if !isEOS {
			tp.allTokens[i] = append(tp.allTokens[i], tokenID)
			task.TokensAllNum = len(tp.allTokens[i])
			if tp.metrics != nil {
				tp.metrics.TokensGenerated.Inc()
			}
		}
		if isEOS {
			if tp.proc != nil {
				result.Result = tp.proc.ClearRequestStatus(task.ReqID)
			}
			tp.recycleResources(task.ReqID, i)
			logrus.Infof("req_id: %s finished", task.ReqID)
			logrus.Info(tp.rm.Info())
		}
		if err := tp.sink.Deliver(result); err != nil {
			logrus.Errorf("deliver result for req_id %s: %v", result.ReqID, err)
		}
	}
	tp.updateGauges()
}

// getSingleResult builds the event for one sampled token. send_idx is the
// number of events already emitted for this request, so streams start at 0.
func (tp *TokenProcessor) getSingleResult(i int, task *Task, tokenID int) *Result {
	cost := time.Since(task.InferenceStartTime).Seconds()
	task.InferenceTimeCost = cost
	result := &Result{
		ReqID:             task.ReqID,
		IsEnd:             0,
		TokenIDs:          []int{tokenID},
		SendIdx:           tp.tokensCounter[task.ReqID],
		InferenceTimeCost: cost,
		ReturnAllTokens:   task.ReturnAllTokens,
	}
	if task.InferSeed != nil {
		result.InferSeed = *task.InferSeed
	}
	if containsToken(task.EosTokenIDs, tokenID) {
		result.IsEnd = 1
		result.TokenIDs = []int{}
		result.TokensAllNum = len(tp.allTokens[i]) + 1
		result.TokensAllIDs = append([]int(nil), tp.allTokens[i]...)
		// Completion record for platform monitoring.
		logrus.WithFields(logrus.Fields{
			"req_id":              task.ReqID,
			"input_token_num":     len(task.InputIDs),
			"output_token_num":    len(tp.allTokens[i]),
			"inference_time_cost": cost,
		}).Info("request completed")
		if tp.metrics != nil {
			tp.metrics.RequestsFinished.Inc()
			tp.metrics.InferenceDuration.Observe(cost)
		}
	} else if tp.proc != nil {
		result.Token = tp.proc.IDsToTokens([]int{tokenID}, task.ReqID)
	}
	return result
}

// recycleResources frees the slot, the blocks and the per-task token state.
func (tp *TokenProcessor) recycleResources(reqID string, i int) {
	tp.rm.Recycle(i)
	delete(tp.tokensCounter, reqID)
	tp.allTokens[i] = nil
}

func (tp *TokenProcessor) updateGauges() {
	if tp.metrics == nil {
		return
	}
	tp.metrics.AvailableBatch.Set(float64(tp.rm.AvailableBatch()))
	tp.metrics.AvailableBlocks.Set(float64(tp.rm.AvailableBlockNum()))
	tp.metrics.RealBatchSize.Set(float64(tp.rm.RealBsz()))
}

func containsToken(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
