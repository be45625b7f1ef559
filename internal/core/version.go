package core

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var Version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		Version = "devel"
		return
	}

	// Use module version for tagged releases (set by go install or goreleaser).
	// Skip pseudo-versions (local builds in Go 1.24+) — we use VCS info instead.
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		Version = v
		return
	}

	// Fall back to VCS info for local builds
	var revision string
	var dirty bool

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}

	if revision == "" {
		Version = "devel"
		return
	}

	short := revision
	if len(short) > 7 {
		short = short[:7]
	}

	Version = fmt.Sprintf("devel-%s", short)
	if dirty {
		Version += "-dirty"
	}
}

// isPseudoVersion reports whether v looks like a Go module pseudo-version,
// e.g. v0.0.0-20240101120000-abcdef123456.
func isPseudoVersion(v string) bool {
	parts := strings.Split(v, "-")
	if len(parts) < 3 {
		return false
	}
	ts := parts[len(parts)-2]
	rev := parts[len(parts)-1]
	return len(ts) == 14 && len(rev) == 12
}

// FormatVersion renders a version string for display.
func FormatVersion(v string) string {
	if v == "" {
		return "devel"
	}
	return strings.TrimPrefix(v, "v")
}
