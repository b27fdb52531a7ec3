package chunk

import (
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// HeuristicCounter approximates token count without needing a specific
// model's vocabulary: roughly one token per word plus one per run of
// punctuation, which tracks BPE tokenizers closely enough for packing
// decisions on providers that don't expose their own tokenizer.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	count := 0
	inWord := false
	inPunct := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			inWord = false
			inPunct = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			inPunct = false
			if !inWord {
				count++
				inWord = true
			}
		default:
			// Punctuation/symbols: each run counts as roughly one token,
			// matching how BPE tokenizers usually isolate them.
			if !inPunct {
				count++
				inPunct = true
			}
			inWord = false
		}
	}
	return count
}

// TiktokenCounter wraps pkoukk/tiktoken-go's cl100k_base encoding, the BPE
// vocabulary OpenAI's chat models use. cmd/ragmux installs it whichever LLM
// provider a request uses; it is not swapped out per provider.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the cl100k_base encoding. If the encoding fails
// to load it returns a nil counter and the error; the fallback to
// HeuristicCounter is left to the caller (cmd/ragmux does it).
func NewTiktokenCounter() (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (t *TiktokenCounter) Count(text string) int {
	if t.enc == nil {
		return HeuristicCounter{}.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

var _ TokenCounter = HeuristicCounter{}
var _ TokenCounter = (*TiktokenCounter)(nil)
