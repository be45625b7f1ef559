package broker

// Viewer is a passive, read-only surface that displays captured log lines.
// The surface is owned by its host and may be closed underneath the recorder
// at any time, so Valid must be checked before every write.
type Viewer interface {
	// Name identifies the viewer instance, e.g. for display to the user.
	Name() string

	// WriteLine pushes one log line to the surface.
	WriteLine(line string) error

	// Valid reports whether the surface is still open.
	Valid() bool

	// Close releases the surface. It must be safe to call more than once.
	Close() error
}
