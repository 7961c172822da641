// Package buildinfo reports the version the scribe binary was built from.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
)

// Name identifies the CLI in build info and metrics.
const Name = "scribe-cli"

// These vars are set at build time via ldflags:
// -X github.com/otherjamesbrown/scribe-cli/pkg/buildinfo.Version=v0.3.0
// -X github.com/otherjamesbrown/scribe-cli/pkg/buildinfo.Commit=4f1c2ab
// -X github.com/otherjamesbrown/scribe-cli/pkg/buildinfo.BuildTime=2026-10-01T09:00:00Z
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info holds build information.
type Info struct {
	ServiceName string `json:"service_name" yaml:"service_name"`
	Version     string `json:"version" yaml:"version"`
	Commit      string `json:"commit" yaml:"commit"`
	BuildTime   string `json:"build_time" yaml:"build_time"`
	GoVersion   string `json:"go_version" yaml:"go_version"`
}

// Get returns build info under serviceName.
func Get(serviceName string) Info {
	return Info{
		ServiceName: serviceName,
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
	}
}

// String returns a one-liner like "v0.3.0 (4f1c2ab, 2026-10-01T09:00:00Z)".
func String() string {
	return Version + " (" + Commit + ", " + BuildTime + ")"
}

// Handler responds with the build info as JSON.
func Handler(serviceName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Get(serviceName))
	}
}
