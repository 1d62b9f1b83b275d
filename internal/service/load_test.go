package service

import (
	"context"
	"errors"
	"testing"
	"time"

	lspAdapter "github.com/DEVSENSE/phpy/internal/adapter/lsp"
	"github.com/DEVSENSE/phpy/internal/config"
	lspDomain "github.com/DEVSENSE/phpy/internal/domain/lsp"
)

var (
	loading1  = lspDomain.LoadStatus{TotalFiles: 10, PendingParse: 6, PendingAnalysis: 10, IsLoadPending: true}
	loading2  = lspDomain.LoadStatus{TotalFiles: 10, PendingParse: 0, PendingAnalysis: 3}
	quiescent = lspDomain.LoadStatus{TotalFiles: 10}
)

func debounced(grace time.Duration) func(*config.Config) {
	return func(c *config.Config) {
		c.Ready.Policy = config.ReadyDebounced
		c.Ready.GracePeriod = grace
	}
}

func immediate(c *config.Config) { c.Ready.Policy = config.ReadyImmediate }

func TestLoadStateTransitions(t *testing.T) {
	env := newTestEnv(t, immediate)

	if got := env.svc.LoadState(); got != lspDomain.LoadStateIdle {
		t.Fatalf("initial state = %s, want idle", got)
	}

	tests := []struct {
		status lspDomain.LoadStatus
		want   lspDomain.LoadState
	}{
		{loading1, lspDomain.LoadStateLoading},
		{loading2, lspDomain.LoadStateLoading},
		{lspDomain.LoadStatus{TotalFiles: 10, IsLoadPending: true}, lspDomain.LoadStateLoading},
		{quiescent, lspDomain.LoadStateQuiescent},
		{loading2, lspDomain.LoadStateLoading},
	}
	for i, tt := range tests {
		env.engine.push(t, lspDomain.MethodLoadStatus, tt.status)
		if got := env.svc.LoadState(); got != tt.want {
			t.Errorf("step %d: state = %s, want %s", i, got, tt.want)
		}
		if got := env.svc.LoadStatus(); got != tt.status {
			t.Errorf("step %d: status = %+v, want %+v", i, got, tt.status)
		}
	}
}

func TestFirstSnapshotQuiescent(t *testing.T) {
	env := newTestEnv(t, immediate)

	env.engine.push(t, lspDomain.MethodLoadStatus, quiescent)
	if got := env.svc.LoadState(); got != lspDomain.LoadStateQuiescent {
		t.Errorf("state = %s, want quiescent", got)
	}
	if !isReady(env.svc) {
		t.Error("expected ready")
	}
}

func TestImmediateReady(t *testing.T) {
	env := newTestEnv(t, immediate)

	env.engine.push(t, lspDomain.MethodLoadStatus, loading1)
	env.engine.push(t, lspDomain.MethodLoadStatus, loading2)
	if isReady(env.svc) {
		t.Fatal("ready fired while loading")
	}

	env.engine.push(t, lspDomain.MethodLoadStatus, quiescent)
	if !isReady(env.svc) {
		t.Fatal("expected ready on the first quiescent snapshot")
	}
	if env.timers.count() != 0 {
		t.Errorf("immediate policy armed %d timers", env.timers.count())
	}

	// Later snapshots never close Ready twice.
	env.engine.push(t, lspDomain.MethodLoadStatus, loading1)
	env.engine.push(t, lspDomain.MethodLoadStatus, quiescent)
}

func TestDebouncedReadySequence(t *testing.T) {
	const grace = 2500 * time.Millisecond
	env := newTestEnv(t, debounced(grace))

	env.engine.push(t, lspDomain.MethodLoadStatus, loading1)
	env.engine.push(t, lspDomain.MethodLoadStatus, loading2)
	if env.timers.count() != 0 {
		t.Fatal("timer armed before quiescence")
	}

	env.engine.push(t, lspDomain.MethodLoadStatus, quiescent)
	if env.timers.count() != 1 {
		t.Fatalf("expected one armed timer, got %d", env.timers.count())
	}
	timer := env.timers.get(0)
	if timer.d != grace {
		t.Errorf("grace = %v, want %v", timer.d, grace)
	}
	if isReady(env.svc) {
		t.Fatal("ready fired before the grace window elapsed")
	}

	env.timers.elapse(timer)
	if !isReady(env.svc) {
		t.Fatal("expected ready after the grace window")
	}
}

func TestDebouncedDiagnosticsRearm(t *testing.T) {
	env := newTestEnv(t, debounced(time.Second))

	env.engine.push(t, lspDomain.MethodLoadStatus, quiescent)
	first := env.timers.get(0)

	env.engine.push(t, lspDomain.MethodPublishDiagnostics, lspDomain.FileDiagnostics{URI: "file:///a.php"})
	if !first.stopped {
		t.Error("expected the first timer to be stopped")
	}
	if env.timers.count() != 2 {
		t.Fatalf("expected the timer to be re-armed, got %d timers", env.timers.count())
	}
	second := env.timers.get(1)
	if second.d != time.Second {
		t.Errorf("re-armed window = %v, want a full window", second.d)
	}

	// A callback from the superseded timer racing the re-arm is ignored.
	first.f()
	if isReady(env.svc) {
		t.Fatal("superseded timer fired ready")
	}

	env.timers.elapse(second)
	if !isReady(env.svc) {
		t.Fatal("expected ready once the re-armed window elapsed")
	}

	// Traffic after ready arms nothing.
	env.engine.push(t, lspDomain.MethodPublishDiagnostics, lspDomain.FileDiagnostics{URI: "file:///a.php"})
	if env.timers.count() != 2 {
		t.Errorf("timer armed after ready")
	}
}

func TestDebouncedDiagnosticsBeforeQuiescence(t *testing.T) {
	env := newTestEnv(t, debounced(time.Second))

	env.engine.push(t, lspDomain.MethodLoadStatus, loading1)
	env.engine.push(t, lspDomain.MethodPublishDiagnostics, lspDomain.FileDiagnostics{URI: "file:///a.php"})
	if env.timers.count() != 0 {
		t.Errorf("diagnostics armed a timer while loading")
	}
}

func TestDebouncedLoadingDisarms(t *testing.T) {
	env := newTestEnv(t, debounced(time.Second))

	env.engine.push(t, lspDomain.MethodLoadStatus, quiescent)
	first := env.timers.get(0)

	env.engine.push(t, lspDomain.MethodLoadStatus, loading2)
	if !first.stopped {
		t.Fatal("expected a loading snapshot to disarm the timer")
	}
	first.f()
	if isReady(env.svc) {
		t.Fatal("disarmed timer fired ready")
	}

	env.engine.push(t, lspDomain.MethodLoadStatus, quiescent)
	if env.timers.count() != 2 {
		t.Fatalf("expected a new timer, got %d", env.timers.count())
	}
	env.timers.elapse(env.timers.get(1))
	if !isReady(env.svc) {
		t.Fatal("expected ready")
	}
}

func TestDebouncedRepeatedQuiescentKeepsTimer(t *testing.T) {
	env := newTestEnv(t, debounced(time.Second))

	env.engine.push(t, lspDomain.MethodLoadStatus, quiescent)
	env.engine.push(t, lspDomain.MethodLoadStatus, quiescent)
	env.engine.push(t, lspDomain.MethodLoadStatus, quiescent)

	if env.timers.count() != 1 {
		t.Errorf("expected a single armed timer, got %d", env.timers.count())
	}
}

func TestDebouncedRealTimer(t *testing.T) {
	cfg := config.Defaults()
	debounced(10 * time.Millisecond)(&cfg)
	engine := newFakeEngine()
	svc := NewAnalysisService(&cfg, WithEngine(engine), WithLogger(discardLogger()), WithRoot(t.TempDir()))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = svc.Shutdown(context.Background()) }()

	engine.push(t, lspDomain.MethodLoadStatus, quiescent)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

func TestOnLoadStatus(t *testing.T) {
	env := newTestEnv(t, immediate)

	var seen []lspDomain.LoadStatus
	var states []lspDomain.LoadState
	unsubscribe := env.svc.OnLoadStatus(func(st lspDomain.LoadStatus) {
		seen = append(seen, st)
		states = append(states, env.svc.LoadState())
	})

	env.engine.push(t, lspDomain.MethodLoadStatus, loading1)
	env.engine.push(t, lspDomain.MethodLoadStatus, quiescent)
	unsubscribe()
	unsubscribe()
	env.engine.push(t, lspDomain.MethodLoadStatus, loading2)

	if len(seen) != 2 || seen[0] != loading1 || seen[1] != quiescent {
		t.Fatalf("unexpected snapshots %+v", seen)
	}
	if states[0] != lspDomain.LoadStateLoading || states[1] != lspDomain.LoadStateQuiescent {
		t.Errorf("subscribers must see the updated state, got %v", states)
	}
}

func TestInvalidLoadStatusIgnored(t *testing.T) {
	env := newTestEnv(t, immediate)

	env.engine.push(t, lspDomain.MethodLoadStatus, "not an object")
	if got := env.svc.LoadState(); got != lspDomain.LoadStateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestWaitReady(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		env := newTestEnv(t, immediate)
		env.engine.push(t, lspDomain.MethodLoadStatus, quiescent)
		if err := env.svc.WaitReady(context.Background()); err != nil {
			t.Errorf("WaitReady: %v", err)
		}
	})

	t.Run("context deadline", func(t *testing.T) {
		env := newTestEnv(t, immediate)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if err := env.svc.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected DeadlineExceeded, got %v", err)
		}
	})

	t.Run("configured timeout", func(t *testing.T) {
		env := newTestEnv(t, func(c *config.Config) { c.Ready.Timeout = 10 * time.Millisecond })
		if err := env.svc.WaitReady(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected DeadlineExceeded, got %v", err)
		}
	})

	t.Run("engine gone", func(t *testing.T) {
		env := newTestEnv(t, immediate)
		cause := errors.New("engine closed its output")
		env.engine.stop(cause)

		err := env.svc.WaitReady(context.Background())
		var te *lspAdapter.TransportError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransportError, got %T: %v", err, err)
		}
		if !errors.Is(err, cause) {
			t.Errorf("expected the session's cause, got %v", err)
		}
	})
}
