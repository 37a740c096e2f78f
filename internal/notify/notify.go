// Package notify wakes idle workers when a job is enqueued.
//
// Notifications are hints: a worker that misses one still finds the job on
// its next poll, so delivery is best effort and coalesced.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmylchreest/vodarr/internal/config"
)

// Notifier announces new work and delivers those announcements to subscribers.
type Notifier interface {
	// Notify announces that a job was enqueued.
	Notify(ctx context.Context) error
	// Subscribe returns a channel that receives a value after one or more
	// announcements. The subscription ends with ctx; the channel is never closed.
	Subscribe(ctx context.Context) <-chan struct{}
	Close() error
}

// New returns the notifier selected by cfg.
func New(cfg config.NotifyConfig, logger *slog.Logger) (Notifier, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocal(), nil
	case "redis":
		r, err := NewRedis(cfg.RedisURL, cfg.Channel, logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported notify driver: %s", cfg.Driver)
	}
}

// Local delivers announcements to subscribers in the same process.
type Local struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// NewLocal creates an in-process notifier.
func NewLocal() *Local {
	return &Local{subs: make(map[chan struct{}]struct{})}
}

// Notify wakes every current subscriber.
func (l *Local) Notify(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs {
		signal(ch)
	}
	return nil
}

// Subscribe registers a subscriber until ctx is done.
func (l *Local) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, ch)
		l.mu.Unlock()
	}()
	return ch
}

// Close drops all subscribers.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.subs)
	return nil
}

func (l *Local) subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// signal does a non-blocking send; a pending value already covers this one.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
