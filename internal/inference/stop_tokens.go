package inference

import (
	"slices"

	"github.com/yatoooon/dyndecode/internal/decoding"
)

// BuildStopWords turns caller stop sequences into a words list. Empty and
// repeated phrases are dropped, as is the bare end token, which the decoder
// already stops on.
func BuildStopWords(endID int, stop [][]int) decoding.WordsList {
	out := make(decoding.WordsList, 0, len(stop))
	for _, phrase := range stop {
		if len(phrase) == 0 {
			continue
		}
		if len(phrase) == 1 && phrase[0] == endID {
			continue
		}
		dup := slices.ContainsFunc(out, func(p []int) bool { return slices.Equal(p, phrase) })
		if dup {
			continue
		}
		out = append(out, slices.Clone(phrase))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
