package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RedisBridge shares events between dispatcher instances over Redis pub/sub
// and publishes completion events for downstream consumers on
// {prefix}:command.{status}.{deployment_hash}.
type RedisBridge struct {
	client     *redis.Client
	prefix     string
	instanceID string
	hub        *Hub
	logger     *logrus.Entry
}

// NewRedisBridge creates a bridge bound to hub
func NewRedisBridge(client *redis.Client, prefix string, hub *Hub, logger *logrus.Entry) *RedisBridge {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisBridge{
		client:     client,
		prefix:     prefix,
		instanceID: uuid.NewString(),
		hub:        hub,
		logger:     logger.WithField("component", "notify.redis"),
	}
}

// EventsChannel is the channel every instance subscribes to
func EventsChannel(prefix string) string {
	return prefix + ":events"
}

// CompletionChannel is the routing key of a terminal report
func CompletionChannel(prefix, status, deploymentHash string) string {
	return fmt.Sprintf("%s:command.%s.%s", prefix, status, deploymentHash)
}

func isCompletion(eventType string) bool {
	return eventType == EventCompleted || eventType == EventFailed
}

// Publish implements Sink
func (b *RedisBridge) Publish(ctx context.Context, ev Event) error {
	ev.Origin = b.instanceID
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.client.Publish(ctx, EventsChannel(b.prefix), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	if isCompletion(ev.Type) {
		channel := CompletionChannel(b.prefix, ev.Status, ev.DeploymentHash)
		if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
			return fmt.Errorf("publish completion to %s: %w", channel, err)
		}
	}
	return nil
}

// Run relays events from other instances into the local hub until ctx is done
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, EventsChannel(b.prefix))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", EventsChannel(b.prefix), err)
	}
	b.logger.WithField("channel", EventsChannel(b.prefix)).Info("listening for remote events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.WithError(err).Warn("dropping malformed event")
				continue
			}
			if ev.Origin == b.instanceID {
				continue
			}
			b.hub.Wake(ev.DeploymentHash)
		}
	}
}
