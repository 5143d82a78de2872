package ws

import (
	"context"
	"time"

	"agent_dispatch/internal/notify"

	"github.com/sirupsen/logrus"
)

// EventCommandUpdate is emitted to a deployment room on every command transition
const EventCommandUpdate = "command:update"

// Broadcaster is the subset of the Socket.IO server the feed needs
type Broadcaster interface {
	BroadcastToRoom(namespace, room, event string, args ...interface{}) bool
}

// RoomFor returns the room dashboard clients join to follow a deployment
func RoomFor(deploymentHash string) string {
	return "deployment:" + deploymentHash
}

// Feed is a notify.Sink that relays command events to dashboard rooms
type Feed struct {
	b      Broadcaster
	logger *logrus.Entry
}

// NewFeed creates a Feed
func NewFeed(b Broadcaster, logger *logrus.Entry) *Feed {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Feed{b: b, logger: logger}
}

// Publish implements notify.Sink
func (f *Feed) Publish(ctx context.Context, ev notify.Event) error {
	payload := map[string]interface{}{
		"type":            ev.Type,
		"deployment_hash": ev.DeploymentHash,
		"command_id":      ev.CommandID,
		"status":          ev.Status,
		"at":              ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.Command != nil {
		payload["command"] = ev.Command
	}
	f.b.BroadcastToRoom("/", RoomFor(ev.DeploymentHash), EventCommandUpdate, payload)
	return nil
}
