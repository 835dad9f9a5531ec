package textlayer

import "fmt"

// Boundaries tried in order when choosing where a chunk ends. A boundary is
// only used if it falls in the back half of the chunk window.
var separators = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(". "),
	[]rune("? "),
	[]rune("! "),
	[]rune(" "),
}

// Splitter cuts text into overlapping chunks measured in characters (runes).
//
// Consecutive chunks always share exactly Overlap characters, so dropping the
// first Overlap characters of every chunk but the first and concatenating
// reconstructs the input.
type Splitter struct {
	size    int
	overlap int
}

func NewSplitter(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Splitter{size: size, overlap: overlap}, nil
}

func (s *Splitter) Size() int    { return s.size }
func (s *Splitter) Overlap() int { return s.overlap }

// Split returns the chunks of text. Empty input yields no chunks.
func (s *Splitter) Split(text string) []string {
	r := []rune(text)
	if len(r) == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for {
		if len(r)-start <= s.size {
			chunks = append(chunks, string(r[start:]))
			return chunks
		}
		end := s.cut(r, start)
		chunks = append(chunks, string(r[start:end]))
		start = end - s.overlap
	}
}

// cut picks the end (exclusive) of the chunk starting at start. The result is
// always in (start+overlap, start+size], which guarantees forward progress.
func (s *Splitter) cut(r []rune, start int) int {
	hi := start + s.size
	lo := start + max(s.overlap+1, s.size/2)
	if lo > hi {
		lo = hi
	}
	for _, sep := range separators {
		for end := hi; end >= lo; end-- {
			if hasSuffixAt(r, end, sep) {
				return end
			}
		}
	}
	return hi
}

// hasSuffixAt reports whether r[:end] ends with sep.
func hasSuffixAt(r []rune, end int, sep []rune) bool {
	if end < len(sep) {
		return false
	}
	for i := range sep {
		if r[end-len(sep)+i] != sep[i] {
			return false
		}
	}
	return true
}
