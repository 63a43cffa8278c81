package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainTree(t *testing.T) {
	tree, err := ChainTree(3)
	require.NoError(t, err)
	assert.Equal(t, 4, tree.TokensPerStep())
	assert.Equal(t, 3, tree.Heads())
	assert.Equal(t, [][]int{{0, 1, 2, 3}}, tree.Paths)
	assert.Equal(t, []int{0, 1, 2}, tree.TreeIDs)
	assert.Equal(t, []int{1, 1, 1}, tree.TopK)
	assert.Equal(t, []int{-1, 0, 1, 2}, tree.Parents)
}

func TestNewTreeBranches(t *testing.T) {
	tree, err := NewTree([][]int{{0, 0}, {1}, {0}, {0, 1}})
	require.NoError(t, err)

	// Breadth first: {0}=1 {1}=2 {0,0}=3 {0,1}=4.
	assert.Equal(t, [][]int{{0}, {1}, {0, 0}, {0, 1}}, tree.Choices)
	assert.Equal(t, []int{-1, 0, 0, 1, 1}, tree.Parents)
	assert.Equal(t, []int{2, 2}, tree.TopK)
	assert.Equal(t, []int{0, 1, 2, 3}, tree.TreeIDs)
	assert.Equal(t, [][]int{{0, 2, -1}, {0, 1, 3}, {0, 1, 4}}, tree.Paths)
}

func TestNewTreeRejects(t *testing.T) {
	cases := map[string][][]int{
		"empty":     nil,
		"empty-row": {{}},
		"negative":  {{-1}},
		"orphan":    {{0}, {1, 0}},
		"repeated":  {{0}, {0}},
	}
	for name, choices := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewTree(choices)
			assert.Error(t, err)
		})
	}
}
