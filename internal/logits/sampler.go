package logits

import (
	"math"
	"math/rand/v2"
)

// Sampler draws tokens from one row of logits at a time. It owns the random
// source of a single batch slot plus scratch space reused across steps, so a
// Sampler must never be shared between slots that are processed concurrently.
type Sampler struct {
	rng    *rand.Rand
	seed   uint64
	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampler returns a sampler whose random stream is fully determined by seed.
func NewSampler(seed uint64) *Sampler {
	s := &Sampler{}
	s.Reseed(seed)
	return s
}

// Reseed restarts the random stream from seed.
func (s *Sampler) Reseed(seed uint64) {
	s.seed = seed
	s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Seed returns the seed of the current random stream.
func (s *Sampler) Seed() uint64 { return s.seed }

// Float64 returns the next uniform draw in [0, 1).
func (s *Sampler) Float64() float64 { return s.rng.Float64() }

// Sample draws a single token index from row. The candidate set is built as
// follows:
//
//  1. topK == 0 and topP == 0 selects greedily (arg-max).
//  2. topK > 0 keeps the k highest logits, ties broken toward the lower index.
//  3. topK == 0 keeps every finite logit, ordered by descending probability.
//  4. 0 < topP < 1 then truncates the ordered candidates to the smallest
//     prefix whose probability mass, relative to the candidate set, reaches
//     topP.
//
// Entries equal to -Inf are never candidates. The second result is false when
// row holds no finite entry or the candidate mass collapses to zero; callers
// pick their own fallback in that case.
func (s *Sampler) Sample(row []float32, topK int, topP float32) (int, bool) {
	if topK == 0 && topP <= 0 {
		topK = 1
	}
	if topK == 1 {
		idx := Argmax(row)
		return idx, idx >= 0
	}

	var idx []int
	var val []float32
	if topK > 0 {
		idx, val = s.topK(row, min(topK, len(row)))
	} else {
		idx, val = s.sorted(row)
	}
	if len(idx) == 0 {
		return -1, false
	}

	if cap(s.prob) < len(val) {
		s.prob = make([]float64, len(val))
	}
	prob := s.prob[:len(val)]
	maxv := float64(val[0])
	var sum float64
	for i, v := range val {
		e := math.Exp(float64(v) - maxv)
		prob[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return -1, false
	}

	cut := len(prob)
	mass := sum
	if topP > 0 && topP < 1 {
		target := float64(topP) * sum
		var c float64
		for i := range prob {
			c += prob[i]
			if c >= target {
				cut = i + 1
				mass = c
				break
			}
		}
	}

	r := s.rng.Float64() * mass
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r < c {
			return idx[i], true
		}
	}
	return idx[cut-1], true
}

// topK returns the indices and values of the k largest finite entries of row,
// ordered from largest to smallest. Equal values keep their index order.
// This is an O(V*K) insertion pass suitable for small K.
func (s *Sampler) topK(row []float32, k int) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if k > insertionLimit {
		idx, val := s.sorted(row)
		if len(idx) > k {
			idx, val = idx[:k], val[:k]
		}
		return idx, val
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, v := range row {
		if math.IsInf(float64(v), -1) || math.IsNaN(float64(v)) {
			continue
		}
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}

// sorted orders every finite entry of row by descending value with ties broken
// by ascending index.
func (s *Sampler) sorted(row []float32) ([]int, []float32) {
	s.topIdx = SortDescending(s.topIdx[:0], row)
	if cap(s.topVal) < len(s.topIdx) {
		s.topVal = make([]float32, len(s.topIdx))
	}
	s.topVal = s.topVal[:len(s.topIdx)]
	for i, id := range s.topIdx {
		s.topVal[i] = row[id]
	}
	return s.topIdx, s.topVal
}

const insertionLimit = 64
