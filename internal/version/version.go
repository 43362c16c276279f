// Package version resolves the build's version string.
package version

import (
	"runtime/debug"
	"strings"
)

const defaultModule = "pkt.systems/cellbook"

// buildVersion is set via -ldflags "-X pkt.systems/cellbook/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the best available version string: the ldflags value,
// then the module version from build info, then a vcs pseudo version.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := vcsVersion(info); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

func vcsVersion(info *debug.BuildInfo) string {
	var revision string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision == "" {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + revision
	if modified {
		v += "+dirty"
	}
	return v
}
