// Package buildinfo reports the version of the running binary.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/debug"
)

// ServiceName identifies this service in logs, metrics and /version.
const ServiceName = "penf-transcripts"

// Set at build time:
//
//	-X github.com/otherjamesbrown/penf-transcripts/pkg/buildinfo.Version=v0.3.0
//	-X github.com/otherjamesbrown/penf-transcripts/pkg/buildinfo.Commit=1f2e3d4
//	-X github.com/otherjamesbrown/penf-transcripts/pkg/buildinfo.BuildTime=2026-02-07T10:30:00Z
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info holds build information for a service.
type Info struct {
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	BuildTime   string `json:"build_time"`
	GoVersion   string `json:"go_version"`
}

// Get returns build info. Without ldflags, module and VCS data embedded by
// the Go toolchain fill the gaps.
func Get() Info {
	info := Info{
		ServiceName: ServiceName,
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && info.Commit == "unknown" && len(s.Value) >= 7:
			info.Commit = s.Value[:7]
		case s.Key == "vcs.time" && info.BuildTime == "unknown":
			info.BuildTime = s.Value
		}
	}
	return info
}

// String returns a one-liner like "v0.3.0 (1f2e3d4, 2026-02-07T10:30:00Z)".
func String() string {
	info := Get()
	return info.Version + " (" + info.Commit + ", " + info.BuildTime + ")"
}

// Handler serves build info as JSON.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Get())
	}
}
