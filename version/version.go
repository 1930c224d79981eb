// Package version provides build version information for the gateway.
// Variables can be overridden at build time using ldflags:
//
//	go build -ldflags "-X github.com/VladPil/llm-gateway/version.version=1.0.0"
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const (
	devVersion     = "dev"
	shortCommitLen = 7
)

// Build-time variables, overridden with -ldflags.
var (
	version   = devVersion
	gitCommit = ""
	buildDate = ""
)

// Version returns the current version string, falling back to module build
// info when no ldflags version was set.
func Version() string {
	if version != devVersion {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return devVersion
}

// Commit returns the short git commit hash, from ldflags or VCS build info.
func Commit() string {
	if gitCommit != "" {
		return gitCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && setting.Value != "" {
			return setting.Value[:min(shortCommitLen, len(setting.Value))]
		}
	}
	return ""
}

// String returns a human-readable version line.
func String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "llm-gateway %s", Version())
	if commit := Commit(); commit != "" {
		fmt.Fprintf(&b, " (%s)", commit)
	}
	if buildDate != "" {
		fmt.Fprintf(&b, " built %s", buildDate)
	}
	return b.String()
}

// Attrs returns version details as structured log attributes.
func Attrs() []any {
	attrs := []any{"version", Version()}
	if commit := Commit(); commit != "" {
		attrs = append(attrs, "commit", commit)
	}
	if buildDate != "" {
		attrs = append(attrs, "built", buildDate)
	}
	return attrs
}
