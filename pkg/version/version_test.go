package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestGetVersionInfo(t *testing.T) {
	is := is.New(t)
	info := GetVersionInfo()

	is.True(strings.HasPrefix(info, "voicedesk version dev"))
	is.True(strings.Contains(info, "commit: unknown"))
	is.True(strings.Contains(info, runtime.Version()))
}

func TestGet_CustomValues(t *testing.T) {
	is := is.New(t)

	originalVersion, originalCommit, originalBuildTime := Version, GitCommit, BuildTime
	Version, GitCommit, BuildTime = "v1.0.0", "abc123", "2024-01-01T00:00:00Z"
	defer func() {
		Version, GitCommit, BuildTime = originalVersion, originalCommit, originalBuildTime
	}()

	is.Equal(Get(), Info{
		Version:   "v1.0.0",
		GitCommit: "abc123",
		BuildTime: "2024-01-01T00:00:00Z",
		GoVersion: runtime.Version(),
	})
	is.True(strings.Contains(GetVersionInfo(), "(commit: abc123, built: 2024-01-01T00:00:00Z"))
}
