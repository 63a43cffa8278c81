package decoding

import (
	"fmt"
	"slices"
)

// WordsList is a set of token phrases, used for bad words and stop words.
type WordsList [][]int

// MaxPhraseLen returns the length of the longest phrase.
func (w WordsList) MaxPhraseLen() int {
	n := 0
	for _, p := range w {
		n = max(n, len(p))
	}
	return n
}

// Validate rejects empty phrases and, when vocabSize is positive, tokens
// outside the vocabulary.
func (w WordsList) Validate(vocabSize int) error {
	if msg := w.check(vocabSize); msg != "" {
		return configErrorf("%s", msg)
	}
	return nil
}

func (w WordsList) check(vocabSize int) string {
	for i, phrase := range w {
		if len(phrase) == 0 {
			return fmt.Sprintf("phrase %d is empty", i)
		}
		for _, id := range phrase {
			if vocabSize > 0 && (id < 0 || id >= vocabSize) {
				return fmt.Sprintf("phrase %d: token %d outside vocabulary", i, id)
			}
		}
	}
	return ""
}

// PackWords encodes phrases into the two-row layout used by batch kernels:
// row 0 holds the concatenated tokens and row 1 the cumulative end offset of
// each phrase, both padded with -1 to a common width. When every phrase has a
// single token the width grows by one so the offset row keeps a terminator.
func PackWords(w WordsList) [2][]int {
	total := 0
	for _, p := range w {
		total += len(p)
	}
	width := total
	if total == len(w) {
		width++
	}
	var out [2][]int
	out[0] = make([]int, width)
	out[1] = make([]int, width)
	for i := range width {
		out[0][i] = -1
		out[1][i] = -1
	}
	off := 0
	for i, p := range w {
		copy(out[0][off:], p)
		off += len(p)
		if off > 0 {
			out[1][i] = off
		}
	}
	return out
}

// UnpackWords reverses PackWords. Offsets must be strictly increasing and
// within the token row.
func UnpackWords(packed [2][]int) (WordsList, error) {
	tokens, offsets := packed[0], packed[1]
	if len(tokens) != len(offsets) {
		return nil, configErrorf("packed words rows differ in width: %d vs %d", len(tokens), len(offsets))
	}
	var out WordsList
	start := 0
	for _, end := range offsets {
		if end < 0 {
			break
		}
		if end <= start || end > len(tokens) {
			return nil, configErrorf("packed words offset %d after %d out of range", end, start)
		}
		out = append(out, slices.Clone(tokens[start:end]))
		start = end
	}
	return out, nil
}

// hasSuffix reports whether seq ends with phrase. The empty phrase matches.
func hasSuffix(seq, phrase []int) bool {
	if len(phrase) > len(seq) {
		return false
	}
	return slices.Equal(seq[len(seq)-len(phrase):], phrase)
}
