package text

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Chunk is one embeddable slice of a document. Header is the text of the
// nearest preceding markdown header, or "" when the chunk has none.
type Chunk struct {
	Index  int
	Text   string
	Header string
}

// HasHeader reports whether the chunk inherited a markdown header.
func (c Chunk) HasHeader() bool {
	return c.Header != ""
}

// ChunkConfig sizes are measured in characters (runes).
type ChunkConfig struct {
	MaxChunkSize    int
	TargetChunkSize int
	OverlapSize     int
	MinChunkSize    int
}

func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxChunkSize:    1500,
		TargetChunkSize: 1000,
		OverlapSize:     100,
		MinChunkSize:    50,
	}
}

var (
	headerRe    = regexp.MustCompile(`(?m)^(#{1,6})[ \t]+(.+?)[ \t#]*$`)
	paragraphRe = regexp.MustCompile(`\n[ \t]*\n`)
)

// ChunkMarkdown splits markdown into ordered chunks: header sections, then
// paragraphs for oversized sections, then overlapping fixed windows for
// oversized paragraphs, then a two-pass tiny-chunk merge. The output is
// deterministic for a given input and config.
func ChunkMarkdown(text string, cfg ChunkConfig) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var pieces []Chunk
	for _, section := range splitSections(text) {
		if runeLen(section.Text) <= cfg.MaxChunkSize {
			pieces = append(pieces, section)
			continue
		}
		for _, para := range splitParagraphs(section.Text) {
			if runeLen(para) <= cfg.MaxChunkSize {
				pieces = append(pieces, Chunk{Text: para, Header: section.Header})
				continue
			}
			for _, w := range splitWindows(para, cfg.TargetChunkSize, cfg.OverlapSize) {
				pieces = append(pieces, Chunk{Text: w, Header: section.Header})
			}
		}
	}

	pieces = mergeForward(mergeBackward(pieces, cfg.MinChunkSize), cfg.MinChunkSize)

	for i := range pieces {
		pieces[i].Index = i
	}
	return pieces
}

// splitSections cuts text at each header line. The header line stays at the
// top of its section's text so every chunk reads on its own.
func splitSections(text string) []Chunk {
	locs := headerRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return []Chunk{{Text: text}}
	}

	var sections []Chunk
	if pre := strings.TrimSpace(text[:locs[0][0]]); pre != "" {
		sections = append(sections, Chunk{Text: pre})
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(text[loc[0]:end])
		if body == "" {
			continue
		}
		sections = append(sections, Chunk{
			Text:   body,
			Header: strings.TrimSpace(text[loc[4]:loc[5]]),
		})
	}
	return sections
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphRe.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitWindows produces size-rune windows where consecutive windows share
// overlap runes. The last window may be shorter.
func splitWindows(text string, size, overlap int) []string {
	runes := []rune(text)
	if size <= 0 {
		return []string{text}
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if w := strings.TrimSpace(string(runes[start:end])); w != "" {
			out = append(out, w)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// mergeBackward folds a tiny chunk into its predecessor when both share a header.
func mergeBackward(chunks []Chunk, minSize int) []Chunk {
	out := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if n := len(out); n > 0 && runeLen(c.Text) < minSize && out[n-1].Header == c.Header {
			out[n-1].Text += "\n\n" + c.Text
			continue
		}
		out = append(out, c)
	}
	return out
}

// mergeForward prepends a still-tiny chunk to its successor, but only when the
// successor is itself at least minSize.
func mergeForward(chunks []Chunk, minSize int) []Chunk {
	out := make([]Chunk, 0, len(chunks))
	for i := 0; i < len(chunks); i++ {
		c := chunks[i]
		if runeLen(c.Text) < minSize && i+1 < len(chunks) && runeLen(chunks[i+1].Text) >= minSize {
			chunks[i+1].Text = c.Text + "\n\n" + chunks[i+1].Text
			continue
		}
		out = append(out, c)
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
