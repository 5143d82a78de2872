// Package notify fans command state changes out to waiting long-polls in this
// process, to other instances through Redis, and to dashboard subscribers.
// Delivery is best effort: pollers re-query the store on every interval anyway.
package notify

import (
	"context"
	"sync"
	"time"

	"agent_dispatch/internal/model"

	"github.com/sirupsen/logrus"
)

// Event types
const (
	EventEnqueued   = "command.enqueued"
	EventDispatched = "command.dispatched"
	EventCompleted  = "command.completed"
	EventFailed     = "command.failed"
	EventExpired    = "command.expired"
	EventCancelled  = "command.cancelled"
)

// Event describes one command state change
type Event struct {
	Type           string         `json:"type"`
	DeploymentHash string         `json:"deployment_hash"`
	CommandID      string         `json:"command_id"`
	Status         string         `json:"status"`
	Command        *model.Command `json:"command,omitempty"`
	Origin         string         `json:"origin,omitempty"`
	At             time.Time      `json:"at"`
}

// NewEvent builds an event from a command snapshot
func NewEvent(eventType string, cmd model.Command) Event {
	return Event{
		Type:           eventType,
		DeploymentHash: cmd.DeploymentHash,
		CommandID:      cmd.CommandID,
		Status:         cmd.Status,
		Command:        &cmd,
		At:             time.Now().UTC(),
	}
}

// Sink receives every published event
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Publisher is what the queue depends on
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Hub wakes local waiters and forwards events to sinks
type Hub struct {
	logger *logrus.Entry

	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
	sinks   []Sink
}

// NewHub creates an empty hub
func NewHub(logger *logrus.Entry) *Hub {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		logger:  logger.WithField("component", "notify"),
		waiters: make(map[string]map[chan struct{}]struct{}),
	}
}

// AddSink registers a sink
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Subscribe returns a channel that receives a signal whenever something happens
// for the deployment. The returned func must be called to release it.
func (h *Hub) Subscribe(deploymentHash string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	set, ok := h.waiters[deploymentHash]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.waiters[deploymentHash] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.waiters[deploymentHash]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.waiters, deploymentHash)
				}
			}
		})
	}
}

// Waiters returns the number of open subscriptions for a deployment
func (h *Hub) Waiters(deploymentHash string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters[deploymentHash])
}

// Wake signals local subscribers of a deployment without touching sinks
func (h *Hub) Wake(deploymentHash string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.waiters[deploymentHash] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Publish wakes local subscribers and hands the event to every sink.
// Sink failures are logged and never reach the caller.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	h.Wake(ev.DeploymentHash)

	h.mu.Lock()
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.Unlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			h.logger.WithFields(logrus.Fields{
				"event":           ev.Type,
				"deployment_hash": ev.DeploymentHash,
				"command_id":      ev.CommandID,
			}).WithError(err).Warn("event sink failed")
		}
	}
}
