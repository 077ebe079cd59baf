package asr

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// loadVocab reads a newline-delimited vocabulary file, one token per line,
// ordered by token id.
func loadVocab(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab %q: %w", path, err)
	}
	defer f.Close()

	var vocab []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		vocab = append(vocab, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocab %q: %w", path, err)
	}

	if len(vocab) == 0 {
		return nil, fmt.Errorf("vocab %q is empty", path)
	}

	return vocab, nil
}

// tokensToText joins decoded SentencePiece tokens into a string, dropping
// special bracketed tokens (e.g. "<blk>", "<unk>") and converting the
// SentencePiece word-start marker "▁" (U+2581) into a leading space.
func tokensToText(tokens []string) string {
	var sb strings.Builder

	for _, tok := range tokens {
		if strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">") {
			continue
		}

		sb.WriteString(strings.ReplaceAll(tok, "▁", " "))
	}

	return strings.TrimSpace(sb.String())
}
