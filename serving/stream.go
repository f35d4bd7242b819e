package serving

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Result is one event on a per-request stream. send_idx is strictly
// increasing per req_id starting at 0; the last event carries is_end = 1 and
// the terminal fields.
type Result struct {
	ReqID             string  `json:"req_id"`
	IsEnd             int     `json:"is_end"`
	Token             string  `json:"token"`
	TokenIDs          []int   `json:"token_ids"`
	SendIdx           int     `json:"send_idx"`
	InferenceTimeCost float64 `json:"inference_time_cost"`
	InferSeed         int64   `json:"infer_seed"`
	ReturnAllTokens   bool    `json:"return_all_tokens,omitempty"`

	// Terminal fields, set when IsEnd == 1.
	TokensAllNum int    `json:"tokens_all_num,omitempty"`
	TokensAllIDs []int  `json:"tokens_all_ids,omitempty"`
	Result       string `json:"result,omitempty"`

	ErrorMsg  string `json:"error_msg"`
	ErrorCode int    `json:"error_code"`
}

// ResultSink receives the per-step events for all requests. Implementations
// must preserve FIFO order per req_id; the TokenProcessor is the only writer
// for a given slot, so no further synchronization is required of callers.
type ResultSink interface {
	Deliver(res *Result) error
}

// streamBuffer bounds a per-request channel. A well-behaved client drains
// continuously; the bound only matters when the client stalls, in which case
// delivery fails rather than wedging the token processor.
const streamBuffer = 1024

// StreamRegistry is the in-memory transport: one FIFO channel per req_id,
// opened by the submission path before the task is enqueued and closed by the
// terminal event.
type StreamRegistry struct {
	mu      sync.Mutex
	streams map[string]chan *Result
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[string]chan *Result)}
}

// Open registers a stream for req_id. Fails on duplicate in-flight IDs, which
// enforces req_id uniqueness across admitted tasks.
func (r *StreamRegistry) Open(reqID string) (<-chan *Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[reqID]; exists {
		return nil, errors.Errorf("req_id %s already in flight", reqID)
	}
	ch := make(chan *Result, streamBuffer)
	r.streams[reqID] = ch
	return ch, nil
}

// Deliver appends the event to its request's stream and closes the stream on
// the terminal event. Events for unknown (abandoned) requests are dropped.
func (r *StreamRegistry) Deliver(res *Result) error {
	r.mu.Lock()
	ch, ok := r.streams[res.ReqID]
	if ok && res.IsEnd == 1 {
		delete(r.streams, res.ReqID)
	}
	r.mu.Unlock()
	if !ok {
		logrus.Debugf("drop result for detached req_id: %s", res.ReqID)
		return nil
	}
	select {
	case ch <- res:
	default:
		return errors.Errorf("result stream for req_id %s is full", res.ReqID)
	}
	if res.IsEnd == 1 {
		close(ch)
	}
	return nil
}

// Abandon detaches a request's stream, e.g. on client timeout. The task keeps
// running to completion; its remaining events are dropped.
func (r *StreamRegistry) Abandon(reqID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, reqID)
}

// MultiSink fans each event out to several sinks, e.g. the in-memory stream
// registry plus a file drop for auditing.
type MultiSink []ResultSink

func (m MultiSink) Deliver(res *Result) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.Deliver(res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FileSink appends each event as a JSON line to a file named by req_id,
// for offline runs and debugging.
type FileSink struct {
	mu  sync.Mutex
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create result dir")
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Deliver(res *Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return errors.Wrap(err, "marshal result")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.dir, res.ReqID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open result file")
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return errors.Wrap(err, "append result")
	}
	return nil
}
