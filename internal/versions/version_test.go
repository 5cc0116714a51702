package versions

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionInfo(t *testing.T) {
	t.Parallel()

	noVCS := func() (string, string) { return "", "" }
	vcs := func() (string, string) { return "0123456789abcdef", "2025-05-01T09:30:00Z" }

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
		vcs       func() (string, string)
		want      VersionInfo
	}{
		{
			name:      "release build",
			version:   "v1.2.0",
			commit:    "abc123",
			buildDate: "2025-05-01T09:30:00Z",
			vcs:       vcs,
			want:      VersionInfo{Version: "v1.2.0", Commit: "abc123", BuildDate: "2025-05-01 09:30:00 UTC"},
		},
		{
			name:      "dev build reads vcs stamp",
			version:   "dev",
			commit:    unknownStr,
			buildDate: unknownStr,
			vcs:       vcs,
			want:      VersionInfo{Version: "build-01234567", Commit: "0123456789abcdef", BuildDate: "2025-05-01 09:30:00 UTC"},
		},
		{
			name:      "dev build without vcs stamp",
			version:   "dev",
			commit:    unknownStr,
			buildDate: unknownStr,
			vcs:       noVCS,
			want:      VersionInfo{Version: "build-unknown", Commit: unknownStr, BuildDate: unknownStr},
		},
		{
			name:      "unparsable build date kept as is",
			version:   "v1.0.0",
			commit:    "abc",
			buildDate: "yesterday",
			vcs:       noVCS,
			want:      VersionInfo{Version: "v1.0.0", Commit: "abc", BuildDate: "yesterday"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := versionInfo(tt.version, tt.commit, tt.buildDate, tt.vcs)
			tt.want.GoVersion = runtime.Version()
			tt.want.Platform = runtime.GOOS + "/" + runtime.GOARCH
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVersionInfoString(t *testing.T) {
	t.Parallel()

	s := VersionInfo{Version: "v1.2.0", Commit: "abc", BuildDate: "today", GoVersion: "go1.25.2", Platform: "linux/amd64"}.String()
	assert.Equal(t, "misp-forwarder v1.2.0 (commit abc, built today, go1.25.2 linux/amd64)", s)
}
