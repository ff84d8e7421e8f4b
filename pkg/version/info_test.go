package version

import (
	"strings"
	"testing"
)

func TestCurrent_UsesOverrides(t *testing.T) {
	origVersion, origCommit, origBuild := AppVersion, GitCommit, BuildTime
	t.Cleanup(func() { AppVersion, GitCommit, BuildTime = origVersion, origCommit, origBuild })

	AppVersion, GitCommit, BuildTime = " v1.4.0 ", "abc123", "2026-01-02T03:04:05Z"
	info := Current("txbound")

	if info.Service != "txbound" || info.Version != "v1.4.0" || info.Commit != "abc123" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if got := info.String(); !strings.HasPrefix(got, "txbound@v1.4.0") {
		t.Errorf("String() = %q", got)
	}
}

func TestCurrent_Defaults(t *testing.T) {
	origVersion := AppVersion
	t.Cleanup(func() { AppVersion = origVersion })

	AppVersion = ""
	info := Current("  ")
	if info.Service != Unknown {
		t.Errorf("Service = %q, want %q", info.Service, Unknown)
	}
	if info.Version != DevelopmentVersion {
		t.Errorf("Version = %q, want %q", info.Version, DevelopmentVersion)
	}
	if info.Commit == "" || info.BuildTime == "" {
		t.Errorf("empty metadata: %+v", info)
	}
}
