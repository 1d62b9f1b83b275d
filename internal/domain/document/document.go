// Package document provides an immutable, versioned snapshot of a source file
// with a line index, position/offset conversion and edit application.
package document

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/DEVSENSE/phpy/internal/domain/lsp"
)

// Document is a snapshot of one file's text. It is never mutated;
// every edit produces a new Document with the next version.
type Document struct {
	uri        string
	languageID string
	version    int
	content    string
	lineBreaks []int // offset after each '\n'
}

// New creates a Document from in-memory content.
func New(uri, languageID, content string, version int) *Document {
	return &Document{
		uri:        uri,
		languageID: languageID,
		version:    version,
		content:    content,
		lineBreaks: lineBreaks(content),
	}
}

// Open reads the file addressed by uri and returns it as version 0.
func Open(uri, languageID string) (*Document, error) {
	path, err := PathFromURI(uri)
	if err != nil {
		return nil, &FileIOError{Op: "read", Path: uri, Err: err}
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the caller's file list
	if err != nil {
		return nil, &FileIOError{Op: "read", Path: path, Err: err}
	}
	return New(uri, languageID, string(data), 0), nil
}

// Save writes the content back to the file addressed by the document URI.
func (d *Document) Save() error {
	path, err := PathFromURI(d.uri)
	if err != nil {
		return &FileIOError{Op: "write", Path: d.uri, Err: err}
	}
	if err := os.WriteFile(path, []byte(d.content), 0o644); err != nil { //nolint:gosec // G306: source files keep conventional permissions
		return &FileIOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// URI returns the document URI.
func (d *Document) URI() string { return d.uri }

// LanguageID returns the language tag.
func (d *Document) LanguageID() string { return d.languageID }

// Version returns the edit counter.
func (d *Document) Version() int { return d.version }

// Text returns the full content.
func (d *Document) Text() string { return d.content }

// LineCount returns the number of lines; an empty document has one line.
func (d *Document) LineCount() int { return len(d.lineBreaks) + 1 }

// LineBreaks returns a copy of the line index.
func (d *Document) LineBreaks() []int { return slices.Clone(d.lineBreaks) }

// Item returns the didOpen/didClose snapshot of the document.
func (d *Document) Item() lsp.TextDocumentItem {
	return lsp.TextDocumentItem{
		URI:        d.uri,
		LanguageID: d.languageID,
		Version:    d.version,
		Text:       d.content,
	}
}

// FullRange spans the whole document. The end character is unbounded and
// clamps to the length of the last line.
func (d *Document) FullRange() lsp.Range {
	return lsp.Range{
		Start: lsp.Position{Line: 0, Character: 0},
		End:   lsp.Position{Line: d.LineCount() - 1, Character: math.MaxInt32},
	}
}

// lineSpan returns the start offset and length of a line, including its '\n'.
func (d *Document) lineSpan(line int) (start, length int, ok bool) {
	if line < 0 || line >= d.LineCount() {
		return 0, 0, false
	}
	if line > 0 {
		start = d.lineBreaks[line-1]
	}
	end := len(d.content)
	if line < len(d.lineBreaks) {
		end = d.lineBreaks[line]
	}
	return start, end - start, true
}

// Offset converts a position to an absolute offset in the content.
// Characters past the end of the line clamp to the line length.
func (d *Document) Offset(pos lsp.Position) (int, error) {
	start, length, ok := d.lineSpan(pos.Line)
	if !ok {
		return 0, fmt.Errorf("%w: line %d not in [0, %d)", ErrInvalidPosition, pos.Line, d.LineCount())
	}
	return start + min(max(pos.Character, 0), length), nil
}

// WithEdits applies an unordered batch of edits. Overlapping edits are
// resolved by position: see ApplyEdits.
func (d *Document) WithEdits(edits []lsp.TextEdit) (*Document, error) {
	doc, _, err := d.ApplyEdits(edits)
	return doc, err
}

// ApplyEdits applies edits and reports how many were dropped as overlapping.
//
// Edits are processed from the end of the text towards the start, so offsets
// computed on the original content stay valid for every edit still to come.
// An edit whose end lies after the start of the previously applied edit
// overlaps it and is skipped. An empty batch returns d itself.
func (d *Document) ApplyEdits(edits []lsp.TextEdit) (*Document, int, error) {
	if len(edits) == 0 {
		return d, 0, nil
	}

	sorted := slices.Clone(edits)
	slices.SortStableFunc(sorted, func(a, b lsp.TextEdit) int {
		return b.Range.Start.Compare(a.Range.Start)
	})

	content := d.content
	dropped := 0
	var prev *lsp.TextEdit
	for i := range sorted {
		edit := &sorted[i]
		if prev != nil && edit.Range.End.Compare(prev.Range.Start) > 0 {
			dropped++
			continue
		}

		start, err := d.Offset(edit.Range.Start)
		if err != nil {
			return nil, dropped, err
		}
		end, err := d.Offset(edit.Range.End)
		if err != nil {
			return nil, dropped, err
		}
		end = max(end, start)

		var b strings.Builder
		b.Grow(len(content) - (end - start) + len(edit.NewText))
		b.WriteString(content[:start])
		b.WriteString(edit.NewText)
		b.WriteString(content[end:])
		content = b.String()

		prev = edit
	}

	return New(d.uri, d.languageID, content, d.version+1), dropped, nil
}

// lineBreaks returns the offset after every '\n' in content.
func lineBreaks(content string) []int {
	var eols []int
	from := 0
	for from < len(content) {
		i := strings.IndexByte(content[from:], '\n')
		if i < 0 {
			break
		}
		from += i + 1
		eols = append(eols, from)
	}
	return eols
}

// URIFromPath converts a filesystem path to a file:// URI.
func URIFromPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String(), nil
}

// PathFromURI converts a file:// URI to a filesystem path.
func PathFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidURI, uri, err)
	}
	if u.Scheme != "file" || u.Path == "" {
		return "", fmt.Errorf("%w %q: expected file:// scheme", ErrInvalidURI, uri)
	}
	return filepath.FromSlash(u.Path), nil
}

// Path returns the filesystem path of the document, or the raw URI when it
// is not a file URI.
func (d *Document) Path() string {
	if p, err := PathFromURI(d.uri); err == nil {
		return p
	}
	return d.uri
}
