// Package reaper sweeps expired command leases in the background.
package reaper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Expirer moves dispatched commands past their lease to expired.
// An empty deployment hash covers every deployment.
type Expirer interface {
	ReapExpired(ctx context.Context, deploymentHash string) (int, error)
}

// Worker periodically expires overdue leases so that deployments whose
// agents went quiet still see their commands reach a terminal state.
type Worker struct {
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	expirer  Expirer
	interval time.Duration
	logger   *logrus.Entry
}

// Config holds the configuration for the expiry worker
type Config struct {
	Expirer     Expirer
	Logger      *logrus.Entry
	IntervalSec int
	// Interval overrides IntervalSec when set
	Interval time.Duration
}

// NewWorker creates a new expiry worker
func NewWorker(cfg Config) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Duration(cfg.IntervalSec) * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		expirer:  cfg.Expirer,
		interval: interval,
		logger:   logger.WithField("component", "lease-reaper"),
	}
}

// Start begins the periodic sweep
func (w *Worker) Start() {
	if w.interval <= 0 {
		close(w.done)
		return
	}
	w.logger.WithField("interval", w.interval).Info("Starting lease reaper...")
	ticker := time.NewTicker(w.interval)
	go func() {
		defer close(w.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Sweep(w.ctx)
			case <-w.ctx.Done():
				w.logger.Info("Stopping lease reaper...")
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
// Stop must only be called after Start.
func (w *Worker) Stop() {
	w.cancel()
	<-w.done
}

// Sweep runs one expiry pass and returns the number of commands expired
func (w *Worker) Sweep(ctx context.Context) int {
	n, err := w.expirer.ReapExpired(ctx, "")
	if err != nil {
		if ctx.Err() == nil {
			w.logger.WithError(err).Error("Failed to expire overdue commands")
		}
		return 0
	}
	if n > 0 {
		w.logger.WithField("count", n).Info("expired overdue commands")
	}
	return n
}
