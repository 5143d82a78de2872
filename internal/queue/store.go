// Package queue is the durable command queue. It exclusively owns command
// state transitions:
//
//	pending -> dispatched -> completed | failed | expired
//	pending -> cancelled
//
// Every transition is a conditional UPDATE on the current status so that
// concurrent dispatchers sharing the database never both win.
package queue

import (
	"context"
	"time"

	"agent_dispatch/internal/model"
	"agent_dispatch/internal/notify"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Listing bounds
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Options configures a Store
type Options struct {
	DefaultTimeout time.Duration
	Publisher      notify.Publisher
	Logger         *logrus.Entry
	Now            func() time.Time
}

// Store is the gorm-backed command queue
type Store struct {
	db             *gorm.DB
	defaultTimeout time.Duration
	publisher      notify.Publisher
	logger         *logrus.Entry
	now            func() time.Time
}

// NewStore creates a Store
func NewStore(db *gorm.DB, opts Options) *Store {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 300 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		db:             db,
		defaultTimeout: opts.DefaultTimeout,
		publisher:      opts.Publisher,
		logger:         opts.Logger.WithField("component", "queue"),
		now:            opts.Now,
	}
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

func (s *Store) publish(ctx context.Context, eventType string, cmds ...model.Command) {
	if s.publisher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, cmd := range cmds {
		s.publisher.Publish(ctx, notify.NewEvent(eventType, cmd))
	}
}

func (s *Store) leaseFor(cmd *model.Command) time.Duration {
	if cmd.TimeoutSeconds != nil && *cmd.TimeoutSeconds > 0 {
		return time.Duration(*cmd.TimeoutSeconds) * time.Second
	}
	return s.defaultTimeout
}
