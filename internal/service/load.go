package service

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/DEVSENSE/phpy/internal/config"
	lspDomain "github.com/DEVSENSE/phpy/internal/domain/lsp"
)

// stopper is the part of *time.Timer the tracker uses.
type stopper interface {
	Stop() bool
}

// afterFunc schedules f after d. It is time.AfterFunc outside of tests.
type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) }

type loadSubscription struct {
	fn func(lspDomain.LoadStatus)
}

// loadTracker folds devsense/loadStatus snapshots into a LoadState and
// closes ready once, according to the readiness policy.
//
// With the debounced policy the first quiescent snapshot arms a grace timer.
// Diagnostics traffic while armed re-arms it for a full window and a
// non-quiescent snapshot disarms it. Ready closes when the timer elapses.
type loadTracker struct {
	policy string
	grace  time.Duration
	after  afterFunc
	logger *slog.Logger

	mu     sync.Mutex
	state  lspDomain.LoadState
	status lspDomain.LoadStatus
	timer  stopper
	gen    uint64 // invalidates callbacks of stopped timers
	subs   []*loadSubscription

	ready     chan struct{}
	readyOnce sync.Once
}

func newLoadTracker(cfg config.Ready, after afterFunc, logger *slog.Logger) *loadTracker {
	if after == nil {
		after = realAfterFunc
	}
	return &loadTracker{
		policy: cfg.Policy,
		grace:  cfg.GracePeriod,
		after:  after,
		logger: logger,
		state:  lspDomain.LoadStateIdle,
		ready:  make(chan struct{}),
	}
}

// observe records a snapshot and advances the state machine.
func (t *loadTracker) observe(st lspDomain.LoadStatus) {
	t.mu.Lock()
	prev := t.state
	t.status = st
	if st.Quiescent() {
		t.state = lspDomain.LoadStateQuiescent
	} else {
		t.state = lspDomain.LoadStateLoading
	}
	state := t.state
	subs := t.subs

	fireNow := false
	if !t.isReady() {
		switch {
		case state == lspDomain.LoadStateLoading:
			t.disarm()
		case t.policy == config.ReadyImmediate:
			fireNow = true
		case t.timer == nil:
			t.arm()
		}
	}
	t.mu.Unlock()

	if prev != state {
		t.logger.Debug("load state changed", "from", prev, "to", state,
			"total_files", st.TotalFiles, "pending_parse", st.PendingParse, "pending_analysis", st.PendingAnalysis)
	}
	if fireNow {
		t.fire()
	}
	for _, sub := range subs {
		sub.fn(st)
	}
}

// diagnosticsActivity postpones a pending debounced ready by a full window.
func (t *loadTracker) diagnosticsActivity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil || t.isReady() {
		return
	}
	t.disarm()
	t.arm()
}

// arm must be called with mu held.
func (t *loadTracker) arm() {
	t.gen++
	gen := t.gen
	t.timer = t.after(t.grace, func() { t.elapsed(gen) })
}

// disarm must be called with mu held.
func (t *loadTracker) disarm() {
	if t.timer == nil {
		return
	}
	t.timer.Stop()
	t.timer = nil
	t.gen++
}

func (t *loadTracker) elapsed(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()
	t.fire()
}

func (t *loadTracker) fire() {
	t.readyOnce.Do(func() {
		close(t.ready)
		t.logger.Info("engine ready", "policy", t.policy)
	})
}

func (t *loadTracker) isReady() bool {
	select {
	case <-t.ready:
		return true
	default:
		return false
	}
}

func (t *loadTracker) stop() {
	t.mu.Lock()
	t.disarm()
	t.mu.Unlock()
}

func (t *loadTracker) snapshot() (lspDomain.LoadState, lspDomain.LoadStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.status
}

func (t *loadTracker) subscribe(fn func(lspDomain.LoadStatus)) func() {
	sub := &loadSubscription{fn: fn}
	t.mu.Lock()
	t.subs = append(slices.Clone(t.subs), sub)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.subs = slices.DeleteFunc(slices.Clone(t.subs), func(o *loadSubscription) bool { return o == sub })
			t.mu.Unlock()
		})
	}
}
