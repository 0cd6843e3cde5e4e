package meta

import (
	"fmt"
	"runtime"
)

// DevVersion is reported by binaries built without linker flags.
const DevVersion = "dev"

// Info describes the build a respmux binary came from. The connection
// handshake reports Version as the library version.
type Info struct {
	Version   string `json:"version"`
	Build     string `json:"build,omitempty"`
	Branch    string `json:"branch,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
	Platform  string `json:"platform"`
	GoVersion string `json:"goVersion"`
	GoTag     string `json:"goTag,omitempty"`
}

// Set with -ldflags "-X github.com/luma/respmux/internal/meta.Version=..."
var (
	Version string

	// Build is the git sha the binary was built from
	Build string

	Branch string

	// BuildTimeUTC is formatted year/month/day hour:min:sec
	BuildTimeUTC string

	GoTag string

	platform = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
)

func GetInfo() Info {
	version := Version
	if version == "" {
		version = DevVersion
	}

	return Info{
		GoVersion: runtime.Version(),
		Version:   version,
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		GoTag:     GoTag,
		Platform:  platform,
	}
}

func (i Info) String() string {
	s := "respmux " + i.Version
	if i.Build != "" {
		s += fmt.Sprintf(" (%s %s)", i.Branch, i.Build)
	}

	return fmt.Sprintf("%s %s %s", s, i.GoVersion, i.Platform)
}
