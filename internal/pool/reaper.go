package pool

import (
	"log/slog"
	"sync"
	"time"
)

// Expirer is anything the Reaper can sweep. *Registry satisfies it.
type Expirer interface {
	Expire(threshold time.Time)
}

// Reaper periodically expires connections that have been idle for longer
// than its period. It is the only automatic trigger of idle eviction;
// thread safety is left to the targets.
type Reaper struct {
	period  time.Duration
	targets []Expirer
	logger  *slog.Logger

	stop     chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// NewReaper creates a reaper over a fixed set of targets. It does nothing
// until Start is called.
func NewReaper(period time.Duration, logger *slog.Logger, targets ...Expirer) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		period:  period,
		targets: targets,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Start launches the background loop. Calling it more than once, or with a
// non-positive period, is a no-op.
func (r *Reaper) Start() {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started || r.period <= 0 {
		return
	}
	r.started = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.period)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				r.Sweep(now)
			case <-r.stop:
				return
			}
		}
	}()

	r.logger.Debug("reaper_started",
		slog.Duration("period", r.period),
		slog.Int("targets", len(r.targets)))
}

// Sweep expires every target with threshold now minus the period.
func (r *Reaper) Sweep(now time.Time) {
	threshold := now.Add(-r.period)
	for _, t := range r.targets {
		t.Expire(threshold)
	}
}

// Stop ends the background loop and waits for an in-flight sweep.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}
