// Package version carries build metadata injected with -ldflags.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const (
	Unknown            = "unknown"
	DevelopmentVersion = "dev"
)

// Overridden at build time:
//
//	go build -ldflags="-X github.com/nimburion/txbound/pkg/version.AppVersion=v1.2.3"
var (
	AppVersion = DevelopmentVersion
	GitCommit  = Unknown
	BuildTime  = Unknown
)

// Info is the build metadata reported by the version command and logged at
// startup.
type Info struct {
	Service   string `json:"service" yaml:"service"`
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildTime string `json:"build_time" yaml:"build_time"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

// Current returns the build metadata for serviceName. Without ldflags the
// commit falls back to the VCS revision stamped by the toolchain.
func Current(serviceName string) Info {
	info := Info{
		Service:   orDefault(serviceName, Unknown),
		Version:   orDefault(AppVersion, DevelopmentVersion),
		Commit:    orDefault(GitCommit, Unknown),
		BuildTime: orDefault(BuildTime, Unknown),
		GoVersion: Unknown,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		if info.Commit == Unknown {
			info.Commit = orDefault(setting(bi, "vcs.revision"), Unknown)
		}
		if info.BuildTime == Unknown {
			info.BuildTime = orDefault(setting(bi, "vcs.time"), Unknown)
		}
	}
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("%s@%s (commit=%s, build_time=%s)", i.Service, i.Version, i.Commit, i.BuildTime)
}

func setting(bi *debug.BuildInfo, key string) string {
	for _, s := range bi.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}

func orDefault(v, fallback string) string {
	if norm := strings.TrimSpace(v); norm != "" {
		return norm
	}
	return fallback
}
