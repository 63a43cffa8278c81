package version

import (
	"runtime/debug"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedNow() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestResolveUsesBuildInfo(t *testing.T) {
	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			GoVersion: "go1.25.0",
			Main:      debug.Module{Version: "v0.3.1"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef0123"},
				{Key: "vcs.time", Value: "2024-02-29T10:00:00Z"},
			},
		}, true
	}
	info := resolve(read, fixedNow)
	assert.Equal(t, "v0.3.1", info.Version)
	assert.Equal(t, "0123456789abcdef0123", info.Commit)
	assert.Equal(t, "2024-02-29T10:00:00Z", info.BuildTime)
	assert.Equal(t, "go1.25.0", info.GoVersion)
}

func TestResolveDevelFallsBackToBuildTime(t *testing.T) {
	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main:     debug.Module{Version: "(devel)"},
			Settings: []debug.BuildSetting{{Key: "vcs.time", Value: "2024-02-29T10:00:00Z"}},
		}, true
	}
	info := resolve(read, fixedNow)
	assert.Equal(t, "2024-02-29T10:00:00Z", info.Version)
	assert.Empty(t, info.Commit)
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	read := func() (*debug.BuildInfo, bool) { return nil, false }
	info := resolve(read, fixedNow)
	assert.Equal(t, "20240301T120000Z", info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestLdflagsWin(t *testing.T) {
	oldV, oldC := Version, Commit
	t.Cleanup(func() { Version, Commit = oldV, oldC })
	Version, Commit = "v1.0.0", "feedface"

	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main:     debug.Module{Version: "v0.0.1"},
			Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "deadbeef"}},
		}, true
	}
	info := resolve(read, fixedNow)
	assert.Equal(t, "v1.0.0", info.Version)
	assert.Equal(t, "feedface", info.Commit)
}

func TestShortCommit(t *testing.T) {
	assert.Equal(t, "abc", shortCommit("abc"))
	assert.Equal(t, "0123456789ab", shortCommit("0123456789abcdef"))
}
