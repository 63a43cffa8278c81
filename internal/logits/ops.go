package logits

import (
	"cmp"
	"math"
	"slices"
)

// NegInf is the masked-out logit value.
var NegInf = float32(math.Inf(-1))

// IsMasked reports whether v has been banned from selection.
func IsMasked(v float32) bool {
	return math.IsInf(float64(v), -1) || math.IsNaN(float64(v))
}

// Argmax returns the index of the largest finite value in x, preferring the
// lowest index on ties. It returns -1 when every entry is masked and panics on
// an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := -1
	var bestV float32
	for i, v := range x {
		if IsMasked(v) {
			continue
		}
		if bestI < 0 || v > bestV {
			bestV = v
			bestI = i
		}
	}
	return bestI
}

// Softmax writes the probabilities of row into dst (resized as needed) and
// returns it. Masked entries get probability zero. When every entry is masked
// dst is all zeros.
func Softmax(dst []float64, row []float32) []float64 {
	if cap(dst) < len(row) {
		dst = make([]float64, len(row))
	}
	dst = dst[:len(row)]
	maxv := math.Inf(-1)
	for _, v := range row {
		if !IsMasked(v) && float64(v) > maxv {
			maxv = float64(v)
		}
	}
	if math.IsInf(maxv, -1) {
		clear(dst)
		return dst
	}
	var sum float64
	for i, v := range row {
		if IsMasked(v) {
			dst[i] = 0
			continue
		}
		e := math.Exp(float64(v) - maxv)
		dst[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range dst {
		dst[i] *= inv
	}
	return dst
}

// LogSoftmax writes log-probabilities of row into dst and returns it. Masked
// entries map to -Inf.
func LogSoftmax(dst []float32, row []float32) []float32 {
	if cap(dst) < len(row) {
		dst = make([]float32, len(row))
	}
	dst = dst[:len(row)]
	maxv := math.Inf(-1)
	for _, v := range row {
		if !IsMasked(v) && float64(v) > maxv {
			maxv = float64(v)
		}
	}
	if math.IsInf(maxv, -1) {
		for i := range dst {
			dst[i] = NegInf
		}
		return dst
	}
	var sum float64
	for _, v := range row {
		if !IsMasked(v) {
			sum += math.Exp(float64(v) - maxv)
		}
	}
	lse := maxv + math.Log(sum)
	for i, v := range row {
		if IsMasked(v) {
			dst[i] = NegInf
			continue
		}
		dst[i] = float32(float64(v) - lse)
	}
	return dst
}

// LogProb returns the log-probability of token under the softmax of row
// without allocating.
func LogProb(row []float32, token int) float32 {
	if token < 0 || token >= len(row) || IsMasked(row[token]) {
		return NegInf
	}
	maxv := math.Inf(-1)
	for _, v := range row {
		if !IsMasked(v) && float64(v) > maxv {
			maxv = float64(v)
		}
	}
	var sum float64
	for _, v := range row {
		if !IsMasked(v) {
			sum += math.Exp(float64(v) - maxv)
		}
	}
	return float32(float64(row[token]) - maxv - math.Log(sum))
}

// SortDescending appends to dst the indices of every finite entry of row,
// ordered by descending value with ties broken by ascending index.
func SortDescending(dst []int, row []float32) []int {
	for i, v := range row {
		if !IsMasked(v) {
			dst = append(dst, i)
		}
	}
	slices.SortStableFunc(dst, func(a, b int) int {
		if c := cmp.Compare(row[b], row[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return dst
}

// TopK returns the indices of the k largest finite entries of row in
// descending order, ties toward the lower index.
func TopK(row []float32, k int) []int {
	idx := SortDescending(make([]int, 0, len(row)), row)
	if len(idx) > k {
		idx = idx[:k]
	}
	return idx
}
