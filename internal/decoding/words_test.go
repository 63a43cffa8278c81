package decoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackWords(t *testing.T) {
	packed := PackWords(WordsList{{4, 0}, {2}})
	assert.Equal(t, []int{4, 0, 2}, packed[0])
	assert.Equal(t, []int{2, 3, -1}, packed[1])

	words, err := UnpackWords(packed)
	require.NoError(t, err)
	assert.Equal(t, WordsList{{4, 0}, {2}}, words)
}

func TestPackSingleTokenWordsKeepsTerminator(t *testing.T) {
	packed := PackWords(WordsList{{1}, {2}})
	assert.Equal(t, []int{1, 2, -1}, packed[0])
	assert.Equal(t, []int{1, 2, -1}, packed[1])

	words, err := UnpackWords(packed)
	require.NoError(t, err)
	assert.Equal(t, WordsList{{1}, {2}}, words)
}

func TestUnpackWordsRejectsBadOffsets(t *testing.T) {
	_, err := UnpackWords([2][]int{{1, 2, 3}, {2, 1, -1}})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = UnpackWords([2][]int{{1, 2}, {3, -1}})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = UnpackWords([2][]int{{1, 2}, {1}})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestHasSuffix(t *testing.T) {
	assert.True(t, hasSuffix([]int{1, 13, 14, 15}, []int{13, 14, 15}))
	assert.False(t, hasSuffix([]int{13, 14}, []int{13, 14, 15}))
	assert.False(t, hasSuffix([]int{13, 15, 14}, []int{14, 15}))
	assert.True(t, hasSuffix([]int{3}, nil))
	assert.Equal(t, 2, WordsList{{1}, {2, 3}}.MaxPhraseLen())
}

func TestWordsListValidate(t *testing.T) {
	require.NoError(t, WordsList{{1, 2}, {3}}.Validate(4))
	require.NoError(t, WordsList(nil).Validate(4))

	err := WordsList{{1}, {}}.Validate(4)
	require.ErrorIs(t, err, ErrConfiguration)

	err = WordsList{{1, 4}}.Validate(4)
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "4")

	require.NoError(t, WordsList{{99}}.Validate(0), "zero vocab skips the range check")
}
