package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Set with -ldflags "-X hub-api/internal/version.AppVersion=...".
var (
	AppVersion = "dev"
	GitCommit  = ""
	BuildTime  = ""
)

// Info is the build metadata printed by `hubapi version`.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
}

// Current returns the linker-provided metadata. Missing commit or time fall back
// to the VCS stamp the go toolchain embeds, then to "unknown".
func Current() Info {
	info := Info{
		Version:   orDefault(AppVersion, "dev"),
		Commit:    strings.TrimSpace(GitCommit),
		BuildTime: strings.TrimSpace(BuildTime),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && info.Commit == "":
				info.Commit = s.Value
			case s.Key == "vcs.time" && info.BuildTime == "":
				info.BuildTime = s.Value
			}
		}
	}
	info.Commit = orDefault(info.Commit, "unknown")
	info.BuildTime = orDefault(info.BuildTime, "unknown")
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("hub-api %s (commit %s, built %s)", i.Version, i.Commit, i.BuildTime)
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
