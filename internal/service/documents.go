package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	cfotel "github.com/DEVSENSE/phpy/internal/adapter/otel"
	"github.com/DEVSENSE/phpy/internal/domain"
	"github.com/DEVSENSE/phpy/internal/domain/document"
	lspDomain "github.com/DEVSENSE/phpy/internal/domain/lsp"
	"github.com/DEVSENSE/phpy/internal/port/cache"
)

// OpenDocument reads uri, announces it to the engine with its full text and
// tracks it.
func (s *AnalysisService) OpenDocument(ctx context.Context, uri string) (*document.Document, error) {
	engine, err := s.requireEngine()
	if err != nil {
		return nil, err
	}
	doc, err := s.readDocument(ctx, uri)
	if err != nil {
		return nil, err
	}
	if err := engine.Notify(lspDomain.MethodDidOpen, lspDomain.DidOpenTextDocumentParams{TextDocument: doc.Item()}); err != nil {
		return nil, fmt.Errorf("open %s: %w", uri, err)
	}
	s.track(doc)
	return doc, nil
}

// readDocument loads the file behind uri, going through the source cache
// when one is configured.
func (s *AnalysisService) readDocument(ctx context.Context, uri string) (*document.Document, error) {
	if s.cache == nil {
		return document.Open(uri, lspDomain.LanguagePHP)
	}

	path, err := document.PathFromURI(uri)
	if err != nil {
		return nil, &document.FileIOError{Op: "read", Path: uri, Err: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, &document.FileIOError{Op: "read", Path: path, Err: err}
	}
	key := cache.SourceKey(path, info.ModTime(), info.Size())

	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Debug("source cache get failed", "path", path, "error", err)
	}
	s.metrics.RecordCache(ctx, ok)
	if ok {
		return document.New(uri, lspDomain.LanguagePHP, string(data), 0), nil
	}

	doc, err := document.Open(uri, lspDomain.LanguagePHP)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, []byte(doc.Text()), s.cfg.Cache.TTL); err != nil {
		s.logger.Debug("source cache set failed", "path", path, "error", err)
	}
	return doc, nil
}

// CloseDocument tells the engine the document is closed and forgets it.
// Unknown URIs are ignored.
func (s *AnalysisService) CloseDocument(ctx context.Context, uri string) error {
	s.docMu.Lock()
	doc, ok := s.docs[uri]
	delete(s.docs, uri)
	s.docMu.Unlock()
	if !ok {
		return nil
	}

	engine, err := s.requireEngine()
	if err != nil {
		return err
	}
	if err := engine.Notify(lspDomain.MethodDidClose, lspDomain.DidCloseTextDocumentParams{TextDocument: doc.Item()}); err != nil {
		return fmt.Errorf("close %s: %w", uri, err)
	}
	s.logger.DebugContext(ctx, "document closed", "uri", uri)
	return nil
}

// Document returns the tracked document for uri, or nil.
func (s *AnalysisService) Document(uri string) *document.Document {
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	return s.docs[uri]
}

// OpenDocuments returns the number of tracked documents.
func (s *AnalysisService) OpenDocuments() int {
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	return len(s.docs)
}

func (s *AnalysisService) track(doc *document.Document) {
	s.docMu.Lock()
	s.docs[doc.URI()] = doc
	s.docMu.Unlock()
}

// RangeFormat asks the engine for formatting edits over rng, or over the
// whole document when rng is nil, applies them and tracks the result. A
// changed document is reopened in the engine with its new text.
func (s *AnalysisService) RangeFormat(ctx context.Context, doc *document.Document, rng *lspDomain.Range) (_ *document.Document, err error) {
	engine, err := s.requireEngine()
	if err != nil {
		return nil, err
	}
	ctx, span := cfotel.StartFormatSpan(ctx, doc.URI())
	defer func() { cfotel.EndSpan(span, err) }()

	r := doc.FullRange()
	if rng != nil {
		r = *rng
	}
	params := lspDomain.RangeFormattingParams{
		TextDocument: lspDomain.TextDocumentIdentifier{URI: doc.URI()},
		Range:        r,
		HTMLEdits:    []lspDomain.TextEdit{},
	}

	reqCtx, cancel := s.requestContext(ctx)
	defer cancel()
	var edits []lspDomain.TextEdit
	if err := engine.Request(reqCtx, lspDomain.MethodRangeFormatting, params, &edits); err != nil {
		return nil, fmt.Errorf("format %s: %w", doc.URI(), err)
	}

	formatted, dropped, err := doc.ApplyEdits(edits)
	if err != nil {
		return nil, fmt.Errorf("format %s: %w", doc.URI(), err)
	}
	if dropped > 0 {
		s.logger.DebugContext(ctx, "overlapping formatting edits dropped", "uri", doc.URI(), "edits", len(edits), "dropped", dropped)
	}
	if formatted != doc {
		if err := s.resync(engine, doc, formatted); err != nil {
			return nil, fmt.Errorf("format %s: %w", doc.URI(), err)
		}
	}
	s.track(formatted)
	return formatted, nil
}

// resync replaces the engine's copy of old with cur by closing and reopening
// it, so later requests see the current text.
func (s *AnalysisService) resync(engine Engine, old, cur *document.Document) error {
	if err := engine.Notify(lspDomain.MethodDidClose, lspDomain.DidCloseTextDocumentParams{TextDocument: old.Item()}); err != nil {
		return err
	}
	return engine.Notify(lspDomain.MethodDidOpen, lspDomain.DidOpenTextDocumentParams{TextDocument: cur.Item()})
}

// SaveDocument writes the tracked document back to disk.
func (s *AnalysisService) SaveDocument(uri string) error {
	doc := s.Document(uri)
	if doc == nil {
		return fmt.Errorf("save %s: document %w", uri, domain.ErrNotFound)
	}
	return doc.Save()
}

// FormatFile formats uri, opening it first when it is not tracked, and
// saves it when save is set and the text changed.
func (s *AnalysisService) FormatFile(ctx context.Context, uri string, save bool) (formatted *document.Document, changed bool, err error) {
	doc := s.Document(uri)
	if doc == nil {
		if doc, err = s.OpenDocument(ctx, uri); err != nil {
			return nil, false, err
		}
	}

	formatted, err = s.RangeFormat(ctx, doc, nil)
	if err != nil {
		return nil, false, err
	}
	changed = formatted.Text() != doc.Text()
	if save && changed {
		if err := formatted.Save(); err != nil {
			return formatted, changed, err
		}
	}
	return formatted, changed, nil
}

// FormatFiles formats every uri. A failing file is logged and the rest are
// still formatted; all failures are joined into the returned error.
func (s *AnalysisService) FormatFiles(ctx context.Context, uris []string, save bool) (changed int, err error) {
	var errs []error
	for _, uri := range uris {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, ok, err := s.FormatFile(ctx, uri, save)
		if err != nil {
			s.logger.WarnContext(ctx, "format failed", "uri", uri, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}
