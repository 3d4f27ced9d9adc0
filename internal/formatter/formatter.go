// Package formatter reshapes generated replies into chat-sized message chunks.
package formatter

// Formatter turns reply text into an ordered list of chunks.
type Formatter struct {
	rng RandomSource
}

// New creates a Formatter. A nil rng uses math/rand.
func New(rng RandomSource) *Formatter {
	if rng == nil {
		rng = defaultSource{}
	}
	return &Formatter{rng: rng}
}

// Format normalizes tone and units, adds emoji, then splits the result into
// chunks of at most MaxChunk characters. Empty input yields no chunks.
func (f *Formatter) Format(text string) []string {
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}
	return chunk(annotate(normalized, f.rng))
}
