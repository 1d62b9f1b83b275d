package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	lspAdapter "github.com/DEVSENSE/phpy/internal/adapter/lsp"
	"github.com/DEVSENSE/phpy/internal/config"
	"github.com/DEVSENSE/phpy/internal/domain/document"
)

// --- fakeEngine ---

type sentMessage struct {
	method string
	params any
}

type fakeHandler struct {
	fn lspAdapter.Handler
}

// fakeEngine is an in-memory Engine. Requests are answered by the responder
// registered for the method; unregistered methods return a null result.
type fakeEngine struct {
	mu         sync.Mutex
	handlers   map[string][]*fakeHandler
	notified   []sentMessage
	requested  []sentMessage
	responders map[string]func(params any) (any, error)
	notifyErr  error
	initParams any
	shutdowns  int

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		handlers:   make(map[string][]*fakeHandler),
		responders: make(map[string]func(any) (any, error)),
		done:       make(chan struct{}),
	}
}

func (e *fakeEngine) respond(method string, fn func(params any) (any, error)) {
	e.mu.Lock()
	e.responders[method] = fn
	e.mu.Unlock()
}

func (e *fakeEngine) Request(_ context.Context, method string, params, result any) error {
	e.mu.Lock()
	e.requested = append(e.requested, sentMessage{method, params})
	fn := e.responders[method]
	e.mu.Unlock()

	if fn == nil {
		return nil
	}
	res, err := fn(params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

func (e *fakeEngine) Notify(method string, params any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.notifyErr != nil {
		return e.notifyErr
	}
	e.notified = append(e.notified, sentMessage{method, params})
	return nil
}

func (e *fakeEngine) OnNotification(method string, fn lspAdapter.Handler) func() {
	h := &fakeHandler{fn: fn}
	e.mu.Lock()
	e.handlers[method] = append(e.handlers[method], h)
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.handlers[method] = slices.DeleteFunc(e.handlers[method], func(o *fakeHandler) bool { return o == h })
		e.mu.Unlock()
	}
}

func (e *fakeEngine) Initialize(_ context.Context, params, _ any) error {
	e.mu.Lock()
	e.initParams = params
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Shutdown(context.Context) error {
	e.mu.Lock()
	e.shutdowns++
	e.mu.Unlock()
	e.stop(nil)
	return nil
}

func (e *fakeEngine) Done() <-chan struct{} { return e.done }

func (e *fakeEngine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *fakeEngine) stop(cause error) {
	e.doneOnce.Do(func() {
		e.mu.Lock()
		e.err = cause
		e.mu.Unlock()
		close(e.done)
	})
}

// push delivers a notification to the registered handlers, like the
// session's read loop does.
func (e *fakeEngine) push(t *testing.T, method string, params any) {
	t.Helper()
	data, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal %s: %v", method, err)
	}
	e.mu.Lock()
	subs := slices.Clone(e.handlers[method])
	e.mu.Unlock()
	for _, h := range subs {
		h.fn(data)
	}
}

func (e *fakeEngine) sent(method string) []sentMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []sentMessage
	for _, m := range e.notified {
		if m.method == method {
			out = append(out, m)
		}
	}
	return out
}

func (e *fakeEngine) handlerCount(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[method])
}

// --- fake timers ---

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeTimers) after(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeTimers) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeTimers) get(i int) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[i]
}

// elapse fires t the way time.AfterFunc would: only when not stopped.
func (c *fakeTimers) elapse(t *fakeTimer) {
	if t.stopped {
		return
	}
	t.stopped = true
	t.f()
}

// --- fake cache ---

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	hits int
	sets int
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// --- helpers ---

func withAfterFunc(f afterFunc) Option {
	return func(s *AnalysisService) { s.after = f }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	svc    *AnalysisService
	engine *fakeEngine
	timers *fakeTimers
}

func newTestEnv(t *testing.T, mutate func(*config.Config), opts ...Option) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	if mutate != nil {
		mutate(&cfg)
	}
	env := &testEnv{engine: newFakeEngine(), timers: &fakeTimers{}}
	opts = append([]Option{
		WithEngine(env.engine),
		WithLogger(discardLogger()),
		WithRoot(t.TempDir()),
		withAfterFunc(env.timers.after),
	}, opts...)
	env.svc = NewAnalysisService(&cfg, opts...)
	if err := env.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = env.svc.Shutdown(context.Background()) })
	return env
}

func writeFile(t *testing.T, dir, name, content string) (path, uri string) {
	t.Helper()
	path = filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	uri, err := document.URIFromPath(path)
	if err != nil {
		t.Fatalf("uri for %s: %v", path, err)
	}
	return path, uri
}

func isReady(s *AnalysisService) bool {
	select {
	case <-s.Ready():
		return true
	default:
		return false
	}
}
