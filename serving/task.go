package serving

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is one turn of a multi-turn conversation. Content is a pointer so
// the validator can distinguish a missing field from an empty string.
type Message struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

// IntList accepts either a JSON integer or a JSON array of integers and
// normalizes both to a list. Clients routinely send eos_token_ids as a scalar.
type IntList []int

func (l *IntList) UnmarshalJSON(data []byte) error {
	var single int
	if err := json.Unmarshal(data, &single); err == nil {
		*l = IntList{single}
		return nil
	}
	var many []int
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = IntList(many)
	return nil
}

// GenerateRequest is the submission record. Optional fields are pointers so
// validation can tell "absent" from "zero"; the validator normalizes aliases
// (seq_len/max_tokens -> max_dec_len, top_p -> topp, seed -> infer_seed) in
// place before defaults are applied.
type GenerateRequest struct {
	ReqID    string    `json:"req_id"`
	Text     *string   `json:"text,omitempty"`
	InputIDs []int     `json:"input_ids,omitempty"`
	Messages []Message `json:"messages,omitempty"`

	MaxDecLen *int `json:"max_dec_len,omitempty"`
	SeqLen    *int `json:"seq_len,omitempty"` // legacy alias for max_dec_len
	MaxTokens *int `json:"max_tokens,omitempty"`
	MinDecLen *int `json:"min_dec_len,omitempty"`

	Temperature    *float64 `json:"temperature,omitempty"`
	Topp           *float64 `json:"topp,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	PenaltyScore   *float64 `json:"penalty_score,omitempty"`
	FrequencyScore *float64 `json:"frequency_score,omitempty"`
	PresenceScore  *float64 `json:"presence_score,omitempty"`

	EosTokenIDs IntList `json:"eos_token_ids,omitempty"`
	InferSeed   *int64  `json:"infer_seed,omitempty"`
	Seed        *int64  `json:"seed,omitempty"`

	ReturnAllTokens bool   `json:"return_all_tokens,omitempty"`
	Stream          bool   `json:"stream,omitempty"`
	ResponseType    string `json:"response_type,omitempty"`
	Timeout         int    `json:"timeout,omitempty"` // seconds; client-side stream deadline
}

// Task is the unit of work flowing from submission through the queue into a
// batch slot. It is created by the submission path after validation and
// tokenization, admitted by the ResourceManager (which fills Idx and
// BlockTables) and retired by the TokenProcessor on EOS.
type Task struct {
	ReqID    string `json:"req_id"`
	InputIDs []int  `json:"input_ids"`

	MinDecLen      int     `json:"min_dec_len"`
	MaxDecLen      int     `json:"max_dec_len"`
	Topp           float64 `json:"topp"`
	Temperature    float64 `json:"temperature"`
	PenaltyScore   float64 `json:"penalty_score"`
	FrequencyScore float64 `json:"frequency_score"`
	PresenceScore  float64 `json:"presence_score"`
	// InferSeed stays a pointer so an unset seed (drawn at admission) is
	// distinguishable from a client's explicit seed, including 0.
	InferSeed   *int64 `json:"infer_seed,omitempty"`
	EosTokenIDs []int  `json:"eos_token_ids"`

	ReturnAllTokens bool `json:"return_all_tokens,omitempty"`

	// Filled at admission. Idx is the batch slot; BlockTables is the ordered
	// list of KV block indices reserved for this task.
	Idx         int   `json:"idx"`
	BlockTables []int `json:"block_tables,omitempty"`

	// Timing, maintained by the admission path and the TokenProcessor.
	InferenceStartTime time.Time `json:"-"`
	InferenceTimeCost  float64   `json:"inference_time_cost"`
	TokensAllNum       int       `json:"tokens_all_num"`
}

// ToTask builds a Task from a validated, defaulted request. Sampling
// parameters must already be filled (AddDefaultParams) and InputIDs resolved
// by the data processor.
func (r *GenerateRequest) ToTask() *Task {
	t := &Task{
		ReqID:           r.ReqID,
		InputIDs:        r.InputIDs,
		EosTokenIDs:     []int(r.EosTokenIDs),
		ReturnAllTokens: r.ReturnAllTokens,
		Idx:             -1,
	}
	if r.MinDecLen != nil {
		t.MinDecLen = *r.MinDecLen
	}
	if r.MaxDecLen != nil {
		t.MaxDecLen = *r.MaxDecLen
	}
	if r.Topp != nil {
		t.Topp = *r.Topp
	}
	if r.Temperature != nil {
		t.Temperature = *r.Temperature
	}
	if r.PenaltyScore != nil {
		t.PenaltyScore = *r.PenaltyScore
	}
	if r.FrequencyScore != nil {
		t.FrequencyScore = *r.FrequencyScore
	}
	if r.PresenceScore != nil {
		t.PresenceScore = *r.PresenceScore
	}
	if r.InferSeed != nil {
		v := *r.InferSeed
		t.InferSeed = &v
	}
	return t
}

func (t *Task) String() string {
	return fmt.Sprintf("Task(req_id: %s, idx: %d, input_len: %d, blocks: %d)",
		t.ReqID, t.Idx, len(t.InputIDs), len(t.BlockTables))
}
