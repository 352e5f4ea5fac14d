package parser

import "fmt"

// Registry maps a file extension to the Parser responsible for it. Only
// pdf, docx, txt, and md are registered, matching §4.1's validated
// format allowlist; legacy-format conversion services (LlamaParse) and
// spreadsheet/slide formats are out of scope.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry registers the built-in parsers.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}

	text := &TextParser{}
	for _, p := range []Parser{&PDFParser{}, &DOCXParser{}, text} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

// Get returns the parser registered for format, or an error if none is
// registered (callers should have already validated the format against
// §4.1's allowlist before reaching here).
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("no parser for format: %s", format)
	}
	return p, nil
}

// Register adds or overrides the parser for a format.
func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}
