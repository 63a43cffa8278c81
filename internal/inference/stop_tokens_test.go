package inference

import (
	"reflect"
	"testing"

	"github.com/yatoooon/dyndecode/internal/decoding"
)

func TestBuildStopWords(t *testing.T) {
	cases := []struct {
		name  string
		endID int
		stop  [][]int
		want  decoding.WordsList
	}{
		{
			name:  "drops-bare-end-token",
			endID: 2,
			stop:  [][]int{{2}, {5, 6}},
			want:  decoding.WordsList{{5, 6}},
		},
		{
			name:  "keeps-end-token-inside-phrase",
			endID: 2,
			stop:  [][]int{{1, 2}},
			want:  decoding.WordsList{{1, 2}},
		},
		{
			name:  "drops-empty-and-duplicate",
			endID: 0,
			stop:  [][]int{{}, {3}, {3}, {4, 3}},
			want:  decoding.WordsList{{3}, {4, 3}},
		},
		{
			name:  "nothing-left",
			endID: 7,
			stop:  [][]int{{7}, {}},
			want:  nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := BuildStopWords(tc.endID, tc.stop)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("BuildStopWords() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBuildStopWordsCopiesPhrases(t *testing.T) {
	stop := [][]int{{1, 2}}
	got := BuildStopWords(0, stop)
	stop[0][0] = 9
	if got[0][0] != 1 {
		t.Fatalf("phrase aliases the caller's slice")
	}
}
