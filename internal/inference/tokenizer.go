package inference

import (
	"strings"
	"sync"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer 精确 token 计数与截断，BPE 不可用时回退到启发式
// Tokenizer counts and truncates tokens, falling back to a heuristic
// when the BPE ranks cannot be loaded (offline hosts).
type Tokenizer struct {
	encoder      *tiktoken.Tiktoken
	encodingName string
	fallback     bool
	mu           sync.Mutex
}

// NewTokenizer creates a tokenizer for the given encoding.
func NewTokenizer(encodingName string) *Tokenizer {
	t := &Tokenizer{encodingName: encodingName}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		t.fallback = true
		return t
	}
	t.encoder = enc
	return t
}

// NewTokenizerForModel picks the encoding used by model.
func NewTokenizerForModel(model string) *Tokenizer {
	return NewTokenizer(modelToEncoding(model))
}

func (t *Tokenizer) IsPrecise() bool { return !t.fallback }

// CountText returns the number of tokens in text.
func (t *Tokenizer) CountText(text string) int {
	if text == "" {
		return 0
	}
	if t.fallback {
		return heuristicTokenCount(text)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.encoder.Encode(text, nil, nil))
}

// Truncate cuts text to at most limit tokens. The second result reports
// whether anything was removed.
func (t *Tokenizer) Truncate(text string, limit int) (string, bool) {
	if limit <= 0 || text == "" {
		return text, false
	}
	if t.fallback {
		// ~4 bytes per token keeps the estimate conservative for ASCII.
		maxBytes := limit * 4
		if heuristicTokenCount(text) <= limit || len(text) <= maxBytes {
			return text, false
		}
		cut := text[:maxBytes]
		for !utf8.ValidString(cut) && len(cut) > 0 {
			cut = cut[:len(cut)-1]
		}
		return cut, true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tokens := t.encoder.Encode(text, nil, nil)
	if len(tokens) <= limit {
		return text, false
	}
	return t.encoder.Decode(tokens[:limit]), true
}

func heuristicTokenCount(text string) int {
	if text == "" {
		return 0
	}
	wide, narrow := 0, 0
	for _, r := range text {
		if r > 0x2E80 {
			wide++
		} else {
			narrow++
		}
	}
	estimate := int(float64(wide)*1.5 + float64(narrow)*0.25)
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

// modelToEncoding maps a model name to its BPE encoding.
func modelToEncoding(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return "o200k_base"
	default:
		// text-embedding-3-*, ada-002, gpt-4 and gpt-3.5 all use cl100k.
		return "cl100k_base"
	}
}
