package serving

import (
	"fmt"
	"strings"
)

// CheckBasicParams validates a submission record and normalizes alias fields
// in place. Every field is checked independently and all errors are returned
// together, in a stable order, so the client sees the full list at once.
// An empty return value means the request is accepted.
func CheckBasicParams(req *GenerateRequest) []string {
	var errs []string

	hasText := req.Text != nil
	hasIDs := req.InputIDs != nil
	hasMsgs := req.Messages != nil
	if !hasText && !hasIDs && !hasMsgs {
		errs = append(errs, "The input parameters should contain either `text`, `input_ids` or `messages`")
	} else {
		if hasText && *req.Text == "" {
			errs = append(errs, "The `text` in input parameters cannot be empty")
		}
		if hasMsgs {
			if len(req.Messages)%2 == 0 {
				errs = append(errs, fmt.Sprintf("The number of the message %d must be odd", len(req.Messages)))
			}
			for i, m := range req.Messages {
				if m.Content == nil {
					errs = append(errs, "The item in messages must include `content`")
					break
				}
				want := "user"
				if i%2 == 1 {
					want = "assistant"
				}
				if m.Role != want {
					errs = append(errs, "The roles in messages must alternate between `user` and `assistant`, beginning and ending with `user`")
					break
				}
			}
		}
	}

	if req.ReqID == "" {
		errs = append(errs, "The input parameters should contain `req_id`.")
	}

	if req.MinDecLen != nil && *req.MinDecLen < 1 {
		errs = append(errs, "The `min_dec_len` must be an integer and greater than 0")
	}

	// seq_len and max_tokens are legacy aliases; all three land in max_dec_len.
	for _, f := range []struct {
		name string
		val  *int
	}{
		{"max_dec_len", req.MaxDecLen},
		{"seq_len", req.SeqLen},
		{"max_tokens", req.MaxTokens},
	} {
		if f.val != nil && *f.val < 1 {
			errs = append(errs, fmt.Sprintf("The `%s` must be an integer and greater than 0", f.name))
		}
	}
	if req.SeqLen != nil && req.MaxDecLen == nil {
		req.MaxDecLen = req.SeqLen
	}
	if req.MaxTokens != nil && req.MaxDecLen == nil {
		req.MaxDecLen = req.MaxTokens
	}

	// topp and top_p are mutually exclusive; top_p lands in topp.
	if req.Topp != nil && req.TopP != nil {
		errs = append(errs, "Only one of `topp` and `top_p` should be set")
	} else {
		for _, f := range []struct {
			name string
			val  *float64
		}{
			{"topp", req.Topp},
			{"top_p", req.TopP},
		} {
			if f.val != nil && (*f.val < 0 || *f.val > 1) {
				errs = append(errs, fmt.Sprintf("The `%s` must be in [0, 1]", f.name))
			}
		}
		if req.TopP != nil && req.Topp == nil {
			req.Topp = req.TopP
		}
	}

	if req.Temperature != nil && *req.Temperature < 0 {
		errs = append(errs, "The `temperature` must be >= 0")
	}

	if req.EosTokenIDs != nil && len(req.EosTokenIDs) != 1 {
		errs = append(errs, "The length of `eos_token_ids` must be 1 if you set it")
	}

	// infer_seed and seed are mutually exclusive; seed lands in infer_seed.
	if req.InferSeed != nil && req.Seed != nil {
		errs = append(errs, "Only one of `infer_seed` and `seed` should be set")
	} else if req.Seed != nil && req.InferSeed == nil {
		req.InferSeed = req.Seed
	}

	if req.ResponseType != "" {
		switch strings.ToLower(req.ResponseType) {
		case "fastdeploy", "openai":
		default:
			errs = append(errs, "The `response_type` must be either `fastdeploy` or `openai`.")
		}
	}

	return errs
}

// AddDefaultParams fills sampling defaults for fields the client left unset.
// Kept in sync with the inference-side defaults.
func AddDefaultParams(req *GenerateRequest) {
	if req.MinDecLen == nil {
		v := 1
		req.MinDecLen = &v
	}
	if req.Topp == nil {
		v := 0.7
		req.Topp = &v
	}
	if req.Temperature == nil {
		v := 0.95
		req.Temperature = &v
	}
	if req.PenaltyScore == nil {
		v := 1.0
		req.PenaltyScore = &v
	}
	if req.FrequencyScore == nil {
		v := 0.0
		req.FrequencyScore = &v
	}
	if req.PresenceScore == nil {
		v := 0.0
		req.PresenceScore = &v
	}
}
