package broker

import (
	"os"
	"path/filepath"
)

// Resolver maps the raw pipe name announced by the broker on stdout to a
// connectable endpoint address.
type Resolver func(raw string) string

// DefaultResolver places the socket for a raw pipe name under the user
// runtime directory, falling back to the system temp directory. Names that
// are already absolute paths are returned unchanged.
func DefaultResolver(raw string) string {
	if filepath.IsAbs(raw) {
		return raw
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, raw+".sock")
}
