package dispatch

import (
	"context"
	"time"

	"agent_dispatch/internal/model"
	"agent_dispatch/internal/notify"

	"github.com/sirupsen/logrus"
)

// Claimer atomically moves ready commands to dispatched
type Claimer interface {
	ClaimReady(ctx context.Context, deploymentHash string, max int) ([]model.Command, error)
}

// Waiter implements wait-for-commands on top of a Claimer
type Waiter struct {
	claimer Claimer
	hub     *notify.Hub
	limits  Limits
	logger  *logrus.Entry
}

// NewWaiter creates a Waiter. hub may be nil, in which case waits only
// re-check on the interval.
func NewWaiter(claimer Claimer, hub *notify.Hub, limits Limits, logger *logrus.Entry) *Waiter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Waiter{
		claimer: claimer,
		hub:     hub,
		limits:  limits,
		logger:  logger.WithField("component", "dispatch"),
	}
}

// Limits returns the configured bounds
func (w *Waiter) Limits() Limits {
	return w.limits
}

func (w *Waiter) subscribe(deploymentHash string) (<-chan struct{}, func()) {
	if w.hub == nil {
		return nil, func() {}
	}
	return w.hub.Subscribe(deploymentHash)
}

// Wait claims up to MaxItems ready commands for the deployment, waiting up to
// timeout for some to appear. timeout and interval are normalized first.
func (w *Waiter) Wait(ctx context.Context, deploymentHash string, timeout, interval time.Duration) ([]model.Command, error) {
	timeout, interval = w.limits.Normalize(timeout, interval)

	wake, release := w.subscribe(deploymentHash)
	defer release()

	max := w.limits.MaxItems
	start := time.Now()
	cmds, err := Poll(ctx, timeout, interval, wake, func(ctx context.Context) ([]model.Command, error) {
		return w.claimer.ClaimReady(ctx, deploymentHash, max)
	})
	if err != nil {
		return nil, err
	}

	w.logger.WithFields(logrus.Fields{
		"deployment_hash": deploymentHash,
		"count":           len(cmds),
		"waited":          time.Since(start).Round(time.Millisecond).String(),
	}).Debug("wait finished")
	if cmds == nil {
		cmds = []model.Command{}
	}
	return cmds, nil
}

// WaitList re-runs list until it returns rows or the listing wait budget
// elapses. A zero wait runs list once.
func (w *Waiter) WaitList(ctx context.Context, deploymentHash string, wait time.Duration, list func(context.Context) ([]model.Command, error)) ([]model.Command, error) {
	wait = w.limits.ListWait(wait)
	if wait == 0 {
		return list(ctx)
	}

	interval := w.limits.ListWaitInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	wake, release := w.subscribe(deploymentHash)
	defer release()

	cmds, err := Poll(ctx, wait, interval, wake, list)
	if err != nil {
		return nil, err
	}
	if cmds == nil {
		cmds = []model.Command{}
	}
	return cmds, nil
}
