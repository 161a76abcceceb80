// Package chunker splits oversized context bodies into bounded, overlapping
// segments. Splitting is deterministic and restartable: the same input always
// yields the same chunk sequence, and Join reverses Split exactly.
package chunker

const (
	// DefaultChunkSize is the chunk length in characters.
	DefaultChunkSize = 3500
	// DefaultOverlapRatio is the fraction of each chunk repeated at the
	// start of the next one.
	DefaultOverlapRatio = 0.15
)

// OverlapChars returns the number of characters shared between consecutive
// chunks for a given size and ratio.
func OverlapChars(size int, ratio float64) int {
	if size <= 0 || ratio <= 0 {
		return 0
	}
	overlap := int(float64(size) * ratio)
	if overlap >= size {
		overlap = size - 1
	}
	return overlap
}

// Split cuts text into chunks of at most size characters, each chunk after
// the first starting OverlapChars before the end of its predecessor. Empty
// input yields no chunks. Character counts are rune-based.
func Split(text string, size int, ratio float64) []string {
	if text == "" || size <= 0 {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	overlap := OverlapChars(size, ratio)
	step := size - overlap

	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// Join reconstructs the original text from an ordered chunk sequence produced
// by Split with the same size and ratio. Each chunk after the first drops its
// leading overlap before concatenation.
func Join(chunks []string, size int, ratio float64) string {
	if len(chunks) == 0 {
		return ""
	}
	overlap := OverlapChars(size, ratio)
	out := []rune(chunks[0])
	for _, c := range chunks[1:] {
		runes := []rune(c)
		if len(runes) <= overlap {
			continue
		}
		out = append(out, runes[overlap:]...)
	}
	return string(out)
}
