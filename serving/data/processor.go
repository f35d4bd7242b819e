// Package data bridges text and token IDs for the serving layer: prompt
// tokenization on the way in, incremental detokenization on the way out.
package data

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/cespare/xxhash"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/sirupsen/logrus"
)

const (
	encodingName = "cl100k_base"
	eosToken     = "<|endoftext|>"

	// promptCacheSize bounds the tokenization LRU. Prompts repeat heavily in
	// chat workloads; caching the encode avoids re-running BPE.
	promptCacheSize = 1024
)

// decodeState carries the incremental detokenization cursor for one task:
// the offsets into the accumulated token history that delimit the already
// emitted text and the text pending a complete rune.
type decodeState struct {
	prefixOffset int
	readOffset   int
	ids          []int
	pieces       []string
}

// Processor tokenizes prompts and incrementally detokenizes sampled IDs.
// Decode state is per task, keyed by req_id, and freed by
// ClearRequestStatus once the task retires.
type Processor struct {
	enc       *tiktoken.Tiktoken
	srcLength int
	eosID     int

	mu          sync.Mutex
	decodeState map[string]*decodeState
	promptCache *lru.Cache[uint64, []int]
}

// NewProcessor loads the offline BPE encoding. srcLength is the prompt
// truncation budget (0 disables truncation).
func NewProcessor(srcLength int) (*Processor, error) {
	tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, errors.Wrap(err, "load tokenizer encoding")
	}
	cache, err := lru.New[uint64, []int](promptCacheSize)
	if err != nil {
		return nil, err
	}
	eosIDs := enc.Encode(eosToken, []string{eosToken}, nil)
	if len(eosIDs) != 1 {
		return nil, errors.Errorf("cannot resolve eos token id for %s", encodingName)
	}
	p := &Processor{
		enc:         enc,
		srcLength:   srcLength,
		eosID:       eosIDs[0],
		decodeState: make(map[string]*decodeState),
		promptCache: cache,
	}
	logrus.Infof("tokenizer information: encoding is %s, eos_token is %s, %d", encodingName, eosToken, p.eosID)
	return p, nil
}

// EosTokenIDs returns the tokenizer's canonical EOS set.
func (p *Processor) EosTokenIDs() []int {
	return []int{p.eosID}
}

// TextToIDs tokenizes a prompt, truncating to the src_length budget. Repeated
// prompts hit the LRU cache.
func (p *Processor) TextToIDs(text string) []int {
	key := xxhash.Sum64String(text)
	if ids, ok := p.promptCache.Get(key); ok {
		return append([]int(nil), ids...)
	}
	ids := p.enc.Encode(text, nil, nil)
	if p.srcLength > 0 && len(ids) > p.srcLength {
		ids = ids[:p.srcLength]
	}
	p.promptCache.Add(key, append([]int(nil), ids...))
	return ids
}

// MessagesToIDs renders a multi-turn conversation through the chat template
// and tokenizes the result. The validator guarantees alternating user and
// assistant turns ending on user.
func (p *Processor) MessagesToIDs(messages []ChatMessage) []int {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString("<|")
		sb.WriteString(m.Role)
		sb.WriteString("|>\n")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("<|assistant|>\n")
	return p.TextToIDs(sb.String())
}

// ChatMessage is one turn handed to MessagesToIDs.
type ChatMessage struct {
	Role    string
	Content string
}

// IDsToTokens appends newly sampled IDs to the task's decode history and
// returns the text delta that became decodable. BPE pieces can split
// multi-byte runes, so the delta is withheld (empty string) while the decoded
// bytes still end mid-rune.
func (p *Processor) IDsToTokens(tokenIDs []int, taskID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.decodeState[taskID]
	if !ok {
		st = &decodeState{}
		p.decodeState[taskID] = st
	}
	st.ids = append(st.ids, tokenIDs...)

	prefixText := p.enc.Decode(st.ids[st.prefixOffset:st.readOffset])
	newText := p.enc.Decode(st.ids[st.prefixOffset:])

	var delta string
	if len(newText) > len(prefixText) && !endsMidRune(newText) {
		delta = newText[len(prefixText):]
		st.prefixOffset = st.readOffset
		st.readOffset = len(st.ids)
	}
	st.pieces = append(st.pieces, delta)
	return delta
}

// endsMidRune reports whether s ends in an incomplete UTF-8 sequence. Decode
// returns raw bytes, so a token boundary inside a multi-byte rune leaves a
// partial sequence at the tail until the next token completes it.
func endsMidRune(s string) bool {
	if s == "" {
		return false
	}
	r, size := utf8.DecodeLastRuneInString(s)
	return r == utf8.RuneError && size <= 1
}

// Decode is the plain (non-incremental) ids -> text conversion.
func (p *Processor) Decode(tokenIDs []int) string {
	return p.enc.Decode(tokenIDs)
}

// ClearRequestStatus drops the task's decode state and returns the full
// accumulated string for the terminal result and the completion record.
func (p *Processor) ClearRequestStatus(taskID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.decodeState[taskID]
	if !ok {
		return ""
	}
	delete(p.decodeState, taskID)
	return strings.Join(st.pieces, "")
}
