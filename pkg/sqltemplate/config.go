package sqltemplate

// Options controls how templates are rendered.
type Options struct {
	// PreserveAdjacency emits a space between two tokens only when the source
	// had whitespace or a comment between them. By default every token is
	// separated from the next by exactly one space.
	PreserveAdjacency bool
}

// DefaultOptions returns the canonical single-space-separated layout.
func DefaultOptions() Options {
	return Options{}
}
