// Package service orchestrates the analysis engine: it tracks indexing
// progress until the engine is ready, collects diagnostics and drives the
// document open/format/close sequences.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	lspAdapter "github.com/DEVSENSE/phpy/internal/adapter/lsp"
	cfotel "github.com/DEVSENSE/phpy/internal/adapter/otel"
	"github.com/DEVSENSE/phpy/internal/config"
	"github.com/DEVSENSE/phpy/internal/domain"
	"github.com/DEVSENSE/phpy/internal/domain/document"
	lspDomain "github.com/DEVSENSE/phpy/internal/domain/lsp"
	"github.com/DEVSENSE/phpy/internal/port/cache"
	"github.com/DEVSENSE/phpy/internal/progress"
	"github.com/DEVSENSE/phpy/internal/resilience"
)

// Engine is the RPC surface of the analysis engine. *lsp.Session implements it.
type Engine interface {
	Request(ctx context.Context, method string, params, result any) error
	Notify(method string, params any) error
	OnNotification(method string, fn lspAdapter.Handler) (unsubscribe func())
	Initialize(ctx context.Context, params, result any) error
	Shutdown(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// Option configures an AnalysisService.
type Option func(*AnalysisService)

// WithEngine uses e instead of spawning the configured engine binary.
func WithEngine(e Engine) Option {
	return func(s *AnalysisService) { s.engine = e }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *AnalysisService) { s.logger = l }
}

// WithMetrics records service, session and pipeline metrics.
func WithMetrics(m *cfotel.Metrics) Option {
	return func(s *AnalysisService) { s.metrics = m }
}

// WithCache serves document reads through c.
func WithCache(c cache.Cache) Option {
	return func(s *AnalysisService) { s.cache = c }
}

// WithProgress renders indexing and load progress to w.
func WithProgress(w io.Writer) Option {
	return func(s *AnalysisService) { s.progressOut = w }
}

// WithRoot sets the workspace root sent on initialize. Defaults to the
// current directory.
func WithRoot(dir string) Option {
	return func(s *AnalysisService) { s.root = dir }
}

// AnalysisService owns one engine session for the lifetime of a run.
type AnalysisService struct {
	cfg         *config.Config
	logger      *slog.Logger
	metrics     *cfotel.Metrics
	cache       cache.Cache
	progressOut io.Writer
	root        string
	after       afterFunc

	engine  Engine
	unsubs  []func()
	started atomic.Bool
	breaker *resilience.Breaker
	load    *loadTracker

	diagMu sync.RWMutex
	pushed map[string][]lspDomain.Diagnostic

	docMu sync.RWMutex
	docs  map[string]*document.Document

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewAnalysisService creates a service. Nothing is started until Start.
func NewAnalysisService(cfg *config.Config, opts ...Option) *AnalysisService {
	s := &AnalysisService{
		cfg:    cfg,
		logger: slog.Default(),
		root:   ".",
		pushed: make(map[string][]lspDomain.Diagnostic),
		docs:   make(map[string]*document.Document),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "analysis")
	s.load = newLoadTracker(cfg.Ready, s.after, s.logger)
	s.breaker = resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout,
		resilience.WithTripFilter(engineFailure),
		resilience.WithStateChange(func(from, to resilience.State) {
			s.logger.Warn("engine breaker state changed", "from", from, "to", to)
		}),
	)
	return s
}

// engineFailure reports errors that say something about the engine channel.
// Unreadable files are the caller's problem and never trip the breaker.
func engineFailure(err error) bool {
	var fileErr *document.FileIOError
	return !errors.As(err, &fileErr)
}

// Start connects to the engine, subscribes to its notifications and sends
// initialize.
func (s *AnalysisService) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("analysis service already started")
	}

	if s.engine == nil {
		sess, err := lspAdapter.Connect(ctx, lspAdapter.EngineConfig{
			Path: s.cfg.Engine.Path,
			Args: s.cfg.Engine.Args,
			Dir:  s.cfg.Engine.WorkDir,
		}, lspAdapter.WithLogger(s.logger), lspAdapter.WithMetrics(s.metrics))
		if err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
		s.engine = sess
	}

	s.subscribe()

	rootURI, err := document.URIFromPath(s.root)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	params := lspDomain.NewInitializeParams(lspDomain.WorkspaceOptions{
		ProcessID:         os.Getpid(),
		RootURI:           rootURI,
		Exclude:           s.cfg.Index.Exclude,
		PHPVersion:        s.cfg.PHP.Version,
		CodeStyle:         s.cfg.PHP.CodeStyle,
		Stubs:             s.cfg.PHP.Stubs,
		HeartbeatInterval: s.cfg.PHP.HeartbeatInterval,
	})

	var result json.RawMessage
	if err := s.engine.Initialize(ctx, params, &result); err != nil {
		return err
	}
	s.logger.Info("engine initialized", "root", rootURI, "php_version", s.cfg.PHP.Version, "code_style", params.InitializationOptions.CodeStyle)
	return nil
}

func (s *AnalysisService) subscribe() {
	on := func(method string, fn lspAdapter.Handler) {
		s.unsubs = append(s.unsubs, s.engine.OnNotification(method, fn))
	}
	ignore := func(json.RawMessage) {}

	on(lspDomain.MethodLoadStatus, s.handleLoadStatus)
	on(lspDomain.MethodPublishDiagnostics, s.handlePublishDiagnostics)
	on(lspDomain.MethodLogMessage, s.handleMessage)
	on(lspDomain.MethodShowMessage, s.handleMessage)
	on(lspDomain.MethodTelemetryEvent, ignore)
	on(lspDomain.MethodCodeLensRefresh, ignore)
	on(lspDomain.MethodInlayHintRefresh, ignore)
}

func (s *AnalysisService) handleLoadStatus(params json.RawMessage) {
	var st lspDomain.LoadStatus
	if err := json.Unmarshal(params, &st); err != nil {
		s.logger.Warn("invalid load status", "error", err)
		return
	}
	s.load.observe(st)
}

func (s *AnalysisService) handleMessage(params json.RawMessage) {
	var msg lspDomain.MessageParams
	if err := json.Unmarshal(params, &msg); err != nil {
		return
	}
	s.logger.Debug("engine message", "type", msg.Type, "message", msg.Message)
}

// LoadState returns the current indexing state.
func (s *AnalysisService) LoadState() lspDomain.LoadState {
	state, _ := s.load.snapshot()
	return state
}

// LoadStatus returns the latest snapshot pushed by the engine.
func (s *AnalysisService) LoadStatus() lspDomain.LoadStatus {
	_, st := s.load.snapshot()
	return st
}

// OnLoadStatus calls fn for every snapshot, after the state machine has
// processed it. fn runs on the session's read goroutine.
func (s *AnalysisService) OnLoadStatus(fn func(lspDomain.LoadStatus)) (unsubscribe func()) {
	return s.load.subscribe(fn)
}

// Ready is closed once the readiness policy fires.
func (s *AnalysisService) Ready() <-chan struct{} { return s.load.ready }

// WaitReady blocks until Ready, the configured ready timeout, ctx or the
// engine going away.
func (s *AnalysisService) WaitReady(ctx context.Context) error {
	engine, err := s.requireEngine()
	if err != nil {
		return err
	}
	if t := s.cfg.Ready.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	if s.progressOut != nil && s.cfg.Index.Progress {
		bar := progress.Start(s.progressOut, progress.WithInterval(s.cfg.Index.ProgressInterval))
		defer bar.Dispose()
		unsubscribe := s.OnLoadStatus(func(st lspDomain.LoadStatus) {
			bar.Update(max(st.TotalFiles-st.PendingAnalysis, 0), st.TotalFiles)
		})
		defer unsubscribe()
	}

	select {
	case <-s.load.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for engine ready: %w", ctx.Err())
	case <-engine.Done():
		cause := engine.Err()
		if cause == nil {
			cause = lspAdapter.ErrClosed
		}
		return &lspAdapter.TransportError{Op: "wait ready", Err: cause}
	}
}

// ListProjectFiles asks the engine which documents belong to the workspace.
func (s *AnalysisService) ListProjectFiles(ctx context.Context) ([]lspDomain.TextDocumentIdentifier, error) {
	engine, err := s.requireEngine()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	var files []lspDomain.TextDocumentIdentifier
	if err := engine.Request(ctx, lspDomain.MethodListProjectFiles, nil, &files); err != nil {
		return nil, fmt.Errorf("list project files: %w", err)
	}
	return files, nil
}

// Shutdown stops the readiness timer, drops subscriptions and shuts the
// engine session down. Later calls return the first result.
func (s *AnalysisService) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.load.stop()
		for _, unsubscribe := range s.unsubs {
			unsubscribe()
		}
		if s.engine == nil {
			return
		}
		if _, ok := ctx.Deadline(); !ok && s.cfg.Engine.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.Engine.ShutdownTimeout)
			defer cancel()
		}
		s.shutdownErr = s.engine.Shutdown(ctx)
		s.logger.Info("engine stopped", "error", s.shutdownErr)
	})
	return s.shutdownErr
}

func (s *AnalysisService) requireEngine() (Engine, error) {
	if s.engine == nil || !s.started.Load() {
		return nil, domain.ErrNotStarted
	}
	return s.engine, nil
}

// requestContext applies the configured per-request timeout when ctx has
// no deadline of its own.
func (s *AnalysisService) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.cfg.Engine.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.Engine.RequestTimeout)
}
