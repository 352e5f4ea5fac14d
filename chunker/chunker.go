// Package chunker splits parsed document sections into the hierarchical,
// character-budgeted chunks the Ingestion Pipeline (C7) persists and the
// Retriever (C9) searches over.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/docqa/ragserve/parser"
	"github.com/docqa/ragserve/store"
)

// Level names, in the order chunks are produced for a file.
const (
	LevelLarge  = "large"
	LevelMedium = "medium"
	LevelSmall  = "small"
)

// separatorPriority is tried in order when a fragment exceeds its
// level's character budget: prefer paragraph breaks, then lines, then
// sentence-ending punctuation, then clause punctuation, then whitespace,
// and finally a hard character cut.
var separatorPriority = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ", ", " ", ""}

// Config controls the hierarchical chunking behaviour (§4.1 step 4).
type Config struct {
	// Sizes holds the character budget for [large, medium, small], in
	// that order. Zero defaults to [2000, 1000, 500].
	Sizes [3]int
	// Overlap is the number of trailing characters from one fragment
	// carried into the start of the next fragment at the same level.
	// Zero defaults to 200.
	Overlap int
}

// Chunker converts parsed document sections into store-ready chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration; zero fields fall
// back to the spec defaults.
func New(cfg Config) *Chunker {
	if cfg.Sizes == ([3]int{}) {
		cfg.Sizes = [3]int{2000, 1000, 500}
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 200
	}
	return &Chunker{cfg: cfg}
}

// Chunk flattens sections into one text body, then produces three
// hierarchical passes (large, medium, small) over that body. chunk_index
// is assigned sequentially across all three levels so each chunk keeps
// a unique position within the file.
func (c *Chunker) Chunk(fileID string, sections []parser.Section) []store.Chunk {
	text, sectionMeta := flatten(sections)
	return c.chunkText(fileID, text, sectionMeta)
}

// sectionBoundary records where a top-level section's content starts
// within the flattened body, so chunks can inherit the originating
// heading/page/section-type metadata.
type sectionBoundary struct {
	start       int
	heading     string
	page        int
	sectionType string
}

func flatten(sections []parser.Section) (string, []sectionBoundary) {
	var b strings.Builder
	var bounds []sectionBoundary
	for _, sec := range sections {
		bounds = append(bounds, sectionBoundary{start: b.Len(), heading: sec.Heading, page: sec.PageNumber, sectionType: sec.Type})
		if sec.Heading != "" {
			b.WriteString(sec.Heading)
			b.WriteString("\n\n")
		}
		b.WriteString(sec.Content)
		b.WriteString("\n\n")
		for _, child := range sec.Children {
			bounds = append(bounds, sectionBoundary{start: b.Len(), heading: child.Heading, page: child.PageNumber, sectionType: child.Type})
			if child.Heading != "" {
				b.WriteString(child.Heading)
				b.WriteString("\n\n")
			}
			b.WriteString(child.Content)
			b.WriteString("\n\n")
		}
	}
	return b.String(), bounds
}

func (c *Chunker) chunkText(fileID, text string, bounds []sectionBoundary) []store.Chunk {
	total := len(text)
	if total == 0 {
		return nil
	}

	var chunks []store.Chunk
	idx := 0
	for i, level := range []string{LevelLarge, LevelMedium, LevelSmall} {
		budget := c.cfg.Sizes[i]
		fragments := splitBudgeted(text, budget, c.cfg.Overlap)
		for _, frag := range fragments {
			content := strings.TrimSpace(text[frag.start:frag.end])
			if content == "" {
				continue
			}
			heading, page, sectionType := boundaryFor(bounds, frag.start)
			meta := marshalMeta(map[string]string{"heading": heading, "page": strconv.Itoa(page), "section_type": sectionType})
			chunks = append(chunks, store.Chunk{
				FileID:        fileID,
				ChunkIndex:    idx,
				Level:         level,
				Content:       content,
				CharStart:     frag.start,
				CharEnd:       frag.end,
				ContentHash:   contentHash(content),
				WordCount:     len(strings.Fields(content)),
				PositionRatio: float64(frag.start) / float64(total),
				Metadata:      meta,
			})
			idx++
		}
	}
	return chunks
}

func boundaryFor(bounds []sectionBoundary, pos int) (heading string, page int, sectionType string) {
	for _, b := range bounds {
		if b.start > pos {
			break
		}
		heading, page, sectionType = b.heading, b.page, b.sectionType
	}
	return heading, page, sectionType
}

// fragment is a [start, end) byte range within the flattened text.
type fragment struct {
	start, end int
}

// splitBudgeted splits text into fragments that each fit within budget
// characters, carrying overlap characters from the end of one fragment
// into the start of the next, per §4.1 step 4's recursive separator
// splitter.
func splitBudgeted(text string, budget, overlap int) []fragment {
	if budget <= 0 {
		budget = 1000
	}
	if overlap >= budget {
		overlap = budget / 2
	}
	if len(text) <= budget {
		return []fragment{{0, len(text)}}
	}

	frags := splitRange(text, 0, len(text), budget, separatorPriority)
	for i := 1; i < len(frags); i++ {
		start := frags[i].start - overlap
		if start < frags[i-1].start {
			start = frags[i-1].start
		}
		frags[i].start = start
	}
	return frags
}

// splitRange implements the recursive half of §4.1 step 4: try
// separators[0] against the whole [start,end) span; if every resulting
// piece already fits budget, that split wins outright. Otherwise each
// piece that still exceeds budget is recursed into with the remaining,
// lower-priority separators. An empty separator (the last entry in
// separatorPriority) falls through to a hard character cut.
func splitRange(text string, start, end, budget int, separators []string) []fragment {
	if end-start <= budget {
		return []fragment{{start, end}}
	}
	if len(separators) == 0 || separators[0] == "" {
		return hardSplit(start, end, budget)
	}

	pieces := splitKeepSeparator(text[start:end], separators[0])
	allFit := true
	for _, p := range pieces {
		if len(p) > budget {
			allFit = false
			break
		}
	}

	var frags []fragment
	pos := start
	if allFit {
		for _, p := range pieces {
			frags = append(frags, fragment{pos, pos + len(p)})
			pos += len(p)
		}
		return frags
	}
	for _, p := range pieces {
		pieceEnd := pos + len(p)
		if len(p) > budget {
			frags = append(frags, splitRange(text, pos, pieceEnd, budget, separators[1:])...)
		} else {
			frags = append(frags, fragment{pos, pieceEnd})
		}
		pos = pieceEnd
	}
	return frags
}

// splitKeepSeparator splits s on sep, reattaching sep to the end of
// every piece but the last so no text is lost from the split.
func splitKeepSeparator(s, sep string) []string {
	parts := strings.Split(s, sep)
	if len(parts) == 1 {
		return parts
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		if i < len(parts)-1 {
			out[i] = p + sep
		} else {
			out[i] = p
		}
	}
	return out
}

// hardSplit is the separator-priority list's last resort: a straight
// budget-sized cut with no regard for word or sentence boundaries.
func hardSplit(start, end, budget int) []fragment {
	var frags []fragment
	pos := start
	for pos < end {
		next := pos + budget
		if next > end {
			next = end
		}
		frags = append(frags, fragment{pos, next})
		pos = next
	}
	return frags
}

// contentHash returns the SHA-256 hex digest of text.
func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// marshalMeta serialises a metadata map to a JSON string, "{}" for nil
// or empty maps.
func marshalMeta(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
