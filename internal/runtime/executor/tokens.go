package executor

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

// CountTokens estimates the token count of text with the cl100k_base BPE.
// The upstream does not report per-side token usage, so this feeds the
// usage block of non-streaming responses. Falls back to a bytes/4 heuristic
// if the encoder cannot be loaded.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if codecErr != nil || codec == nil {
		return len(text) / 4
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}
