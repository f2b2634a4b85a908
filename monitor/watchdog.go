package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/phantom10111/heartrate/heart"
	"github.com/phantom10111/heartrate/internal/groutine"
)

const (
	// DefaultStaleTimeout is how long the reading stream may stay silent
	// before the watchdog forces a reconnect.
	DefaultStaleTimeout = 30 * time.Second

	// DefaultPollInterval is how often the watchdog evaluates staleness.
	DefaultPollInterval = 10 * time.Second
)

// Watchdog supervises reading liveness. Every Reading on the monitor's
// stream, error entries included, resets its clock; when the clock exceeds
// the timeout, the watchdog drives the monitor through exactly one blocking
// reconnect and starts waiting again. Detection cadence (poll) and recovery
// policy (the monitor's retry loop) stay independently tunable.
type Watchdog struct {
	monitor *Monitor
	timeout time.Duration
	poll    time.Duration
	logger  *logrus.Logger

	// mu guards lastUpdate and the state flags. It is shared between the
	// stream observer resetting the clock and the poll loop reading it,
	// and is never held across the reconnect call.
	mu         sync.Mutex
	lastUpdate time.Time
	started    bool
	disposed   bool

	done chan struct{}
}

// NewWatchdog creates a watchdog bound to m's reading stream. Non-positive
// durations fall back to the defaults.
func NewWatchdog(m *Monitor, timeout, poll time.Duration, logger *logrus.Logger) *Watchdog {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = DefaultStaleTimeout
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	w := &Watchdog{
		monitor: m,
		timeout: timeout,
		poll:    poll,
		logger:  logger,
		done:    make(chan struct{}),
	}
	m.Subscribe(func(heart.Reading) { w.touch() })
	return w
}

// Start launches the poll loop. A second Start, or one after Dispose, is a
// no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.started || w.disposed {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.lastUpdate = time.Now()
	w.mu.Unlock()

	groutine.Go(context.Background(), "hr-watchdog", func(context.Context) {
		w.loop()
	})
}

// Dispose permanently stops the watchdog. Idempotent, safe before Start. A
// reconnect already in flight is not interrupted; the loop exits once it
// returns.
func (w *Watchdog) Dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	w.mu.Unlock()

	close(w.done)
}

// touch resets the staleness clock. Inert after disposal.
func (w *Watchdog) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disposed {
		return
	}
	w.lastUpdate = time.Now()
}

func (w *Watchdog) loop() {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if !w.check() {
				return
			}
		}
	}
}

// check performs one staleness evaluation and reports whether the loop
// should keep running. The reconnect runs outside the lock: readings
// published during it (error entries from the retry loop) re-enter touch.
func (w *Watchdog) check() bool {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return false
	}
	stale := time.Since(w.lastUpdate) > w.timeout
	w.mu.Unlock()

	if w.monitor.IsDisposed() {
		return false
	}
	if !stale {
		return true
	}

	w.logger.WithFields(logrus.Fields{
		"timeout": w.timeout,
	}).Warn("No heart-rate data within timeout, forcing reconnect...")

	// Run blocks until connectivity is restored, the monitor is disposed
	// or the context ends; its failures stay inside the watchdog.
	if err := w.monitor.Run(context.Background()); err != nil {
		w.logger.WithError(err).Error("Watchdog reconnect failed")
	}
	w.touch()
	return true
}
