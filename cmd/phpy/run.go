package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	lspAdapter "github.com/DEVSENSE/phpy/internal/adapter/lsp"
	"github.com/DEVSENSE/phpy/internal/adapter/mcp"
	cfotel "github.com/DEVSENSE/phpy/internal/adapter/otel"
	"github.com/DEVSENSE/phpy/internal/adapter/ristretto"
	"github.com/DEVSENSE/phpy/internal/config"
	"github.com/DEVSENSE/phpy/internal/domain/document"
	"github.com/DEVSENSE/phpy/internal/logger"
	"github.com/DEVSENSE/phpy/internal/service"
)

// teardownTimeout bounds engine and exporter shutdown after the run ends.
const teardownTimeout = 10 * time.Second

// cliFlags maps the flags the user actually set onto config overrides.
func cliFlags(cmd *cobra.Command, opts *options) config.CLIFlags {
	var f config.CLIFlags
	changed := func(name string) bool { return cmd.Flags().Changed(name) }

	if changed("config") {
		f.ConfigPath = &opts.configPath
	}
	if changed("engine") {
		f.EnginePath = &opts.enginePath
	}
	switch {
	case changed("log-level"):
		f.LogLevel = &opts.logLevel
	case opts.verbose:
		debug := "debug"
		f.LogLevel = &debug
	}
	if changed("concurrency") {
		f.Concurrency = &opts.concurrency
	}
	if changed("ready") {
		f.ReadyPolicy = &opts.ready
	}
	if changed("code-style") {
		f.CodeStyle = &opts.codeStyle
	}
	f.Exclude = opts.exclude
	return f
}

// app is the wiring shared by the analyze and mcp commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	svc     *service.AnalysisService
	root    string
	files   []string
	closers []func(context.Context)
}

func setup(ctx context.Context, cmd *cobra.Command, opts *options, args []string, progressOut io.Writer) (*app, error) {
	cfg, cfgPath, err := config.LoadWithCLI(cliFlags(cmd, opts))
	if err != nil {
		return nil, err
	}
	if opts.noProgress {
		cfg.Index.Progress = false
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	a := &app{cfg: cfg, logger: log}
	a.closers = append(a.closers, func(context.Context) { logCloser.Close() })

	root := opts.root
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			a.close()
			return nil, fmt.Errorf("working directory: %w", err)
		}
	}
	if a.root, err = filepath.Abs(root); err != nil {
		a.close()
		return nil, fmt.Errorf("root: %w", err)
	}

	include := cfg.Index.Include
	switch {
	case len(args) > 0:
		include = args
	case len(opts.include) > 0:
		include = opts.include
	}
	if a.files, err = collectFiles(a.root, include, cfg.Index.Exclude, cfg.Index.Extensions); err != nil {
		a.close()
		return nil, err
	}
	log.InfoContext(ctx, "config loaded",
		"config", cfgPath, "root", a.root, "files", len(a.files),
		"engine", cfg.Engine.Path, "ready_policy", cfg.Ready.Policy, "diagnostics", cfg.Diagnostics.Mode)

	otelShutdown, err := cfotel.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		log.WarnContext(ctx, "telemetry disabled", "error", err)
	} else {
		a.closers = append(a.closers, func(ctx context.Context) {
			if err := otelShutdown(ctx); err != nil {
				log.Warn("telemetry shutdown", "error", err)
			}
		})
	}
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		log.WarnContext(ctx, "metrics unavailable", "error", err)
	}

	svcOpts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(metrics),
		service.WithRoot(a.root),
	}
	if progressOut != nil {
		svcOpts = append(svcOpts, service.WithProgress(progressOut))
	}
	if cfg.Cache.Enabled {
		c, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
		if err != nil {
			log.WarnContext(ctx, "source cache disabled", "error", err)
		} else {
			svcOpts = append(svcOpts, service.WithCache(c))
			a.closers = append(a.closers, func(context.Context) {
				st := c.Stats()
				log.Debug("source cache", "hits", st.Hits, "misses", st.Misses, "rejected", st.Rejected)
				c.Close()
			})
		}
	}
	a.svc = service.NewAnalysisService(cfg, svcOpts...)

	if err := a.svc.Start(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	a.closers = append(a.closers, func(ctx context.Context) {
		if err := a.svc.Shutdown(ctx); err != nil {
			log.Warn("engine shutdown", "error", err)
		}
	})
	return a, nil
}

// close runs the closers in reverse order on a fresh context so teardown
// still happens after the run context was cancelled.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}

// displayPath shows a file URI relative to the root when it lies below it.
func (a *app) displayPath(uri string) string {
	path, err := document.PathFromURI(uri)
	if err != nil {
		return uri
	}
	if rel, err := filepath.Rel(a.root, path); err == nil && filepath.IsLocal(rel) {
		return rel
	}
	return path
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runAnalyze(cmd *cobra.Command, opts *options, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	ctx = logger.WithRunID(ctx, logger.NewRunID())

	a, err := setup(ctx, cmd, opts, args, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	report := a.svc.IndexFiles(ctx, a.files)
	for _, f := range report.Failed {
		a.logger.WarnContext(ctx, "file not indexed", "path", f.Name, "error", f.Err)
	}
	if err := fatal(ctx, report.Err()); err != nil {
		return err
	}

	if err := a.svc.WaitReady(ctx); err != nil {
		if err := fatal(ctx, err); err != nil {
			return err
		}
		a.logger.WarnContext(ctx, "engine not ready, collecting partial results", "error", err)
	}

	if opts.format {
		uris := make([]string, 0, len(a.files))
		for _, path := range a.files {
			if uri, err := document.URIFromPath(path); err == nil {
				uris = append(uris, uri)
			}
		}
		changed, err := a.svc.FormatFiles(ctx, uris, true)
		if err := fatal(ctx, err); err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "formatting finished", "files", len(uris), "changed", changed, "error", err)
	}

	files, err := a.svc.CollectDiagnostics(ctx)
	if err != nil {
		return fmt.Errorf("collect diagnostics: %w", err)
	}
	_, err = io.WriteString(cmd.OutOrStdout(), service.FormatDiagnostics(files, a.displayPath))
	return err
}

func runMCP(cmd *cobra.Command, opts *options, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	ctx = logger.WithRunID(ctx, logger.NewRunID())

	// stdout carries the MCP stream, so no progress line is drawn.
	a, err := setup(ctx, cmd, opts, args, nil)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	indexed := make(chan struct{})
	defer func() {
		cancel()
		<-indexed
	}()

	go func() {
		defer close(indexed)
		report := a.svc.IndexFiles(ctx, a.files)
		for _, f := range report.Failed {
			a.logger.WarnContext(ctx, "file not indexed", "path", f.Name, "error", f.Err)
		}
	}()

	srv := mcp.NewServer(mcp.ServerConfig{Name: "phpy", Version: version}, mcp.ServerDeps{Analyzer: a.svc})
	a.logger.InfoContext(ctx, "mcp server listening on stdio")
	if err := srv.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp serve: %w", err)
	}
	return nil
}

// fatal returns err when it ends the run: a lost engine session or a
// cancelled run context. Anything else is left to the caller to log.
func fatal(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var te *lspAdapter.TransportError
	if errors.As(err, &te) {
		return err
	}
	return nil
}
