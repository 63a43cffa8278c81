package inference

import (
	"cmp"
	"fmt"
	"slices"
)

// Tree is a static Medusa draft tree. Each choice names a node by the
// candidate rank taken from every head on the way down: {0} is the best
// candidate of head 0, {0, 1} the second best of head 1 under it.
type Tree struct {
	Choices [][]int
	// Paths lists tree positions from the root to every leaf, padded with -1
	// to Heads()+1 entries.
	Paths [][]int
	// TreeIDs maps draft position t-1 to an index into the concatenated
	// per-head candidates.
	TreeIDs []int
	// TopK is the number of candidates each head contributes.
	TopK []int
	// Parents maps every position to the position it extends. The root has
	// parent -1.
	Parents []int
}

// ChainTree is a single path that takes the best candidate of each head.
func ChainTree(heads int) (*Tree, error) {
	choices := make([][]int, heads)
	for i := range choices {
		choices[i] = make([]int, i+1)
	}
	return NewTree(choices)
}

// NewTree lays out choices breadth first. Every proper prefix of a choice
// must itself be a choice.
func NewTree(choices [][]int) (*Tree, error) {
	if len(choices) == 0 {
		return nil, fmt.Errorf("medusa tree needs at least one choice")
	}
	sorted := make([][]int, len(choices))
	for i, c := range choices {
		if len(c) == 0 {
			return nil, fmt.Errorf("medusa choice %d is empty", i)
		}
		for _, rank := range c {
			if rank < 0 {
				return nil, fmt.Errorf("medusa choice %v has a negative rank", c)
			}
		}
		sorted[i] = slices.Clone(c)
	}
	slices.SortFunc(sorted, func(a, b []int) int {
		if n := cmp.Compare(len(a), len(b)); n != 0 {
			return n
		}
		return slices.Compare(a, b)
	})

	position := func(c []int) int {
		for i, s := range sorted {
			if slices.Equal(s, c) {
				return i + 1
			}
		}
		return -1
	}

	heads := len(sorted[len(sorted)-1])
	t := &Tree{
		Choices: sorted,
		TopK:    make([]int, heads),
		TreeIDs: make([]int, len(sorted)),
		Parents: make([]int, len(sorted)+1),
	}
	t.Parents[0] = -1
	for i, c := range sorted {
		if i > 0 && slices.Equal(c, sorted[i-1]) {
			return nil, fmt.Errorf("medusa choice %v is repeated", c)
		}
		parent := 0
		if len(c) > 1 {
			parent = position(c[:len(c)-1])
			if parent < 0 {
				return nil, fmt.Errorf("medusa choice %v has no parent %v", c, c[:len(c)-1])
			}
		}
		t.Parents[i+1] = parent
		h := len(c) - 1
		t.TopK[h] = max(t.TopK[h], c[h]+1)
	}

	offset := make([]int, heads)
	for h := 1; h < heads; h++ {
		offset[h] = offset[h-1] + t.TopK[h-1]
	}
	for i, c := range sorted {
		h := len(c) - 1
		t.TreeIDs[i] = offset[h] + c[h]
	}

	leaf := make([]bool, len(t.Parents))
	for i := range leaf {
		leaf[i] = i > 0
	}
	for _, p := range t.Parents[1:] {
		leaf[p] = false
	}
	for pos, isLeaf := range leaf {
		if !isLeaf {
			continue
		}
		path := slices.Repeat([]int{-1}, heads+1)
		depth := len(sorted[pos-1])
		for n := pos; n > 0; n = t.Parents[n] {
			path[depth] = n
			depth--
		}
		path[0] = 0
		t.Paths = append(t.Paths, path)
	}
	return t, nil
}

func (t *Tree) TokensPerStep() int { return len(t.Parents) }
func (t *Tree) Heads() int         { return len(t.TopK) }
