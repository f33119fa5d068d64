package impl

import (
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tas-knowledge-base/services"
)

// DefaultTokenizerName labels the built-in heuristic estimator. The name
// mirrors the tokenizer the budget is calibrated against; the counts are an
// approximation, not a faithful BPE encode.
const DefaultTokenizerName = "tiktoken-cl100k_base"

// heuristicEstimator approximates token counts from character classes:
// roughly 4 ASCII characters, 1.5 CJK characters, or 2 other characters per
// token. Counts are monotone in the text prefix.
type heuristicEstimator struct {
	name string
}

func (e *heuristicEstimator) Name() string {
	return e.name
}

func (e *heuristicEstimator) Count(text string) int {
	if text == "" {
		return 0
	}

	var ascii, cjk, other int
	for _, r := range text {
		switch {
		case r < 128:
			ascii++
		case isCJK(r):
			cjk++
		default:
			other++
		}
	}

	tokens := ceilDiv(ascii, 4) + ceilDiv(cjk*2, 3) + ceilDiv(other, 2)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

func ceilDiv(a, b int) int {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// tiktokenEstimator counts tokens with a real BPE encoding. Available for
// deployments that need exact budgets and can afford the encode cost.
//
// BPE counts are only approximately monotone in the rune prefix: extending
// the text can merge tokens across the old boundary and lower the count.
// Binary-search truncation still returns a prefix within budget, but it may
// stop short of the longest one.
type tiktokenEstimator struct {
	name     string
	encoding *tiktoken.Tiktoken
}

func (e *tiktokenEstimator) Name() string {
	return e.name
}

func (e *tiktokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(e.encoding.Encode(text, nil, nil))
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

var (
	// Cache encodings to avoid repeated initialization
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

// NewTokenEstimator resolves an estimator by configured name. Known BPE
// encoding names (for example "cl100k_base") load the exact tokenizer; any
// other name labels the heuristic estimator. The empty name falls back to
// the default label.
func NewTokenEstimator(name string) services.TokenEstimator {
	if name == "" {
		name = DefaultTokenizerName
	}

	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if enc, ok := encodingCache[name]; ok {
		return &tiktokenEstimator{name: name, encoding: enc}
	}

	if enc, err := tiktoken.GetEncoding(name); err == nil {
		encodingCache[name] = enc
		return &tiktokenEstimator{name: name, encoding: enc}
	}

	return &heuristicEstimator{name: name}
}
