package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// Set at build time with -ldflags:
	// -X github.com/kaus98/aigateway/pkg/version.Version=vX.Y.Z
	// -X github.com/kaus98/aigateway/pkg/version.Commit=<sha>
	Version = "dev"
	Commit  = ""
)

func String() string {
	v := strings.TrimSpace(Version)
	if v == "" {
		v = "dev"
	}
	commit := strings.TrimSpace(Commit)
	if commit == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					commit = strings.TrimSpace(s.Value)
				}
			}
		}
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		return fmt.Sprintf("%s+%s", v, commit)
	}
	return v
}
