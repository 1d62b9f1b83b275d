package service

import (
	"context"

	cfotel "github.com/DEVSENSE/phpy/internal/adapter/otel"
	"github.com/DEVSENSE/phpy/internal/domain/document"
	"github.com/DEVSENSE/phpy/internal/pipeline"
	"github.com/DEVSENSE/phpy/internal/progress"
)

// IndexFiles opens every path with the engine through the task pipeline.
// A file that cannot be read or sent is recorded in the report and the rest
// of the batch carries on. Once the engine channel keeps failing, the
// breaker fails the remaining files fast.
func (s *AnalysisService) IndexFiles(ctx context.Context, paths []string) pipeline.Report {
	concurrency := pipeline.Normalize(s.cfg.Index.Concurrency)
	ctx, span := cfotel.StartIndexSpan(ctx, len(paths), concurrency)

	opts := []pipeline.Option{pipeline.WithLogger(s.logger), pipeline.WithMetrics(s.metrics)}
	var bar *progress.Bar
	if s.progressOut != nil && s.cfg.Index.Progress {
		bar = progress.Start(s.progressOut, progress.WithInterval(s.cfg.Index.ProgressInterval))
		opts = append(opts, pipeline.WithObserver(bar.Update))
	}

	tasks := make([]pipeline.Task, len(paths))
	for i, path := range paths {
		tasks[i] = pipeline.Task{
			Name: path,
			Run:  func(ctx context.Context) error { return s.indexFile(ctx, path) },
		}
	}

	report := pipeline.New(concurrency, opts...).Run(ctx, tasks)
	if bar != nil {
		bar.Done()
	}
	cfotel.EndSpan(span, report.Err())

	s.logger.InfoContext(ctx, "indexing finished",
		"files", report.Total, "failed", len(report.Failed), "concurrency", concurrency, "duration", report.Duration)
	return report
}

func (s *AnalysisService) indexFile(ctx context.Context, path string) error {
	uri, err := document.URIFromPath(path)
	if err != nil {
		return &document.FileIOError{Op: "read", Path: path, Err: err}
	}
	return s.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		_, err := s.OpenDocument(ctx, uri)
		return err
	})
}
