// Package tokenizer provides text tokenization for the PocketTTS engine.
// The primary implementation uses SentencePiece unigram tokenization
// (Viterbi search over the piece scores), matching the reference
// Python/Rust implementations exactly.
package tokenizer

// Tokenizer encodes text into SentencePiece token IDs.
type Tokenizer interface {
	// Encode tokenizes text and returns SentencePiece token IDs.
	Encode(text string) ([]int64, error)
	// Decode converts token IDs back into text, stitching SentencePiece's
	// "▁" word-start marker into spaces.
	Decode(ids []int64) (string, error)
}
