package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agent_dispatch/internal/model"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Publish(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func TestHub_WakesOnlyMatchingDeployment(t *testing.T) {
	hub := NewHub(nil)
	abc, releaseABC := hub.Subscribe("abc")
	defer releaseABC()
	other, releaseOther := hub.Subscribe("other")
	defer releaseOther()

	hub.Publish(context.Background(), NewEvent(EventEnqueued, model.Command{CommandID: "cmd_1", DeploymentHash: "abc"}))

	select {
	case <-abc:
	case <-time.After(time.Second):
		t.Fatal("expected wake-up for abc")
	}
	select {
	case <-other:
		t.Fatal("unexpected wake-up for other deployment")
	default:
	}
}

func TestHub_WakeDoesNotBlockWhenUnread(t *testing.T) {
	hub := NewHub(nil)
	_, release := hub.Subscribe("abc")
	defer release()

	for i := 0; i < 10; i++ {
		hub.Wake("abc")
	}
}

func TestHub_ReleaseRemovesWaiter(t *testing.T) {
	hub := NewHub(nil)
	_, release := hub.Subscribe("abc")
	assert.Equal(t, 1, hub.Waiters("abc"))

	release()
	release()
	assert.Equal(t, 0, hub.Waiters("abc"))
}

func TestHub_SinkErrorsAreSwallowed(t *testing.T) {
	hub := NewHub(nil)
	failing := &recordingSink{err: errors.New("redis down")}
	ok := &recordingSink{}
	hub.AddSink(failing)
	hub.AddSink(ok)

	hub.Publish(context.Background(), NewEvent(EventCompleted, model.Command{CommandID: "cmd_1", DeploymentHash: "abc", Status: model.CommandStatusCompleted}))

	assert.Len(t, failing.events, 1)
	assert.Len(t, ok.events, 1)
	assert.Equal(t, "completed", ok.events[0].Status)
}

func TestChannels(t *testing.T) {
	assert.Equal(t, "agent_dispatch:events", EventsChannel("agent_dispatch"))
	assert.Equal(t, "agent_dispatch:command.failed.abc", CompletionChannel("agent_dispatch", "failed", "abc"))
	assert.True(t, isCompletion(EventCompleted))
	assert.False(t, isCompletion(EventDispatched))
}
