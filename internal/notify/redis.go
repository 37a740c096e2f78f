package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultChannel  = "vodarr:jobs"
	publishPayload  = "queued"
	redisMaxRetries = 2
)

// Redis fans announcements out over Redis PUBLISH/SUBSCRIBE so workers in
// other processes wake up too.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedis connects to the Redis server at url, for example
// redis://:password@localhost:6379/0. The connection is established lazily.
func NewRedis(url, channel string, logger *slog.Logger) (*Redis, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.MaxRetries = redisMaxRetries
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}

	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:  redis.NewClient(opts),
		channel: channel,
		logger:  logger.With(slog.String("component", "notify"), slog.String("channel", channel)),
	}, nil
}

// Ping checks that the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Notify publishes an announcement on the channel.
func (r *Redis) Notify(ctx context.Context) error {
	if err := r.client.Publish(ctx, r.channel, publishPayload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.channel, err)
	}
	return nil
}

// Subscribe listens on the channel until ctx is done. go-redis reconnects
// the subscription on its own after network errors.
func (r *Redis) Subscribe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	pubsub := r.client.Subscribe(ctx, r.channel)

	go func() {
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					r.logger.Warn("redis subscription closed")
					return
				}
				signal(out)
			}
		}
	}()
	return out
}

// Close closes the client and every subscription made through it.
func (r *Redis) Close() error {
	return r.client.Close()
}
