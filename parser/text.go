package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"
)

// TextParser handles plain text (.txt) and Markdown (.md) files, which
// §4.1 treats identically: decode as UTF-8, replacing invalid byte
// sequences, and wrap the whole file as one section.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt", "md"} }

func (p *TextParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	content := toValidUTF8(data)
	if content == "" {
		return &ParseResult{Method: "native"}, nil
	}

	return &ParseResult{
		Sections: []Section{
			{
				Heading: filepath.Base(path),
				Content: content,
				Level:   1,
				Type:    "paragraph",
			},
		},
		Method: "native",
	}, nil
}

// toValidUTF8 decodes bytes as UTF-8, replacing any invalid sequence
// with the Unicode replacement character rather than rejecting the file.
func toValidUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	var out []rune
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		out = append(out, r)
		data = data[size:]
	}
	return string(out)
}
