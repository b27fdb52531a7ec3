//go:build cgo

package embed

// SimpleTokenizer is a deterministic, dependency-free word-hash tokenizer
// for the local ONNX path: words map to a hashed id mod a fixed vocab size,
// bracketed by [CLS]/[SEP] markers, padded/truncated to maxTokens. It trades
// vocabulary fidelity (a real model's own WordPiece/BPE table) for zero
// external tokenizer files — adequate for a deterministic local fallback
// embedder, not a drop-in replacement for the model's native tokenizer.
type SimpleTokenizer struct{}

// NewSimpleTokenizer returns the word-hash tokenizer as a Tokenizer.
func NewSimpleTokenizer() Tokenizer { return SimpleTokenizer{} }

const (
	tokenCLS     = 101
	tokenSEP     = 102
	tokenVocab   = 30000
)

func (SimpleTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)

	inputIDs[0] = tokenCLS
	attentionMask[0] = 1

	pos := 1
	for _, word := range splitWords(text) {
		if pos >= maxTokens-1 {
			break
		}
		inputIDs[pos] = int64(hashWord(word) % tokenVocab)
		attentionMask[pos] = 1
		pos++
	}
	if pos < maxTokens {
		inputIDs[pos] = tokenSEP
		attentionMask[pos] = 1
	}
	return inputIDs, attentionMask, tokenTypeIDs
}

func splitWords(text string) []string {
	var words []string
	word := ""
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			if word != "" {
				words = append(words, word)
				word = ""
			}
			continue
		}
		word += string(r)
	}
	if word != "" {
		words = append(words, word)
	}
	return words
}

func hashWord(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}
