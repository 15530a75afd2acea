package backplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"trustlink-chat/pkg/chat"
)

// Redis is a Backplane on Redis PUBLISH/SUBSCRIBE. Subscriptions survive
// connection loss: they resubscribe with exponential backoff and keep their
// Messages channel open in the meantime.
type Redis struct {
	client     *redis.Client
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	subscribeTimeout    time.Duration
	healthCheckInterval time.Duration
}

const (
	DefaultSubscribeTimeout    = 5 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
)

type RedisOption func(*Redis)

// WithSubscribeTimeout bounds the wait for a subscription confirmation.
func WithSubscribeTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.subscribeTimeout = d
		}
	}
}

// WithHealthCheckInterval sets how long a subscription may stay silent
// before it is pinged. A ping left unanswered for another interval counts
// as a lost connection.
func WithHealthCheckInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.healthCheckInterval = d
		}
	}
}

func NewRedis(client *redis.Client, logger *slog.Logger, opts ...RedisOption) *Redis {
	r := &Redis{
		client:              client,
		logger:              logger.With("component", "backplane"),
		newBackOff:          defaultBackOff,
		subscribeTimeout:    DefaultSubscribeTimeout,
		healthCheckInterval: DefaultHealthCheckInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisFromURL connects to the server described by a redis:// URL.
func NewRedisFromURL(ctx context.Context, url string, logger *slog.Logger, opts ...RedisOption) (*Redis, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable at startup, continuing degraded", "addr", redisOpts.Addr, "error", err)
	}
	return NewRedis(client, logger, opts...), nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	return b
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w: %w", channel, chat.ErrBackplaneUnavailable, err)
	}
	return nil
}

// Subscribe waits for the first subscription confirmation so that publishes
// issued after it returns are observed. When Redis is down it still returns a
// subscription, which keeps retrying in the background.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &redisSubscription{
		redis:   r,
		channel: channel,
		pump:    newPump(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	ps, err := r.subscribe(ctx, channel)
	if err != nil {
		r.logger.Warn("subscribe failed, retrying in background", "channel", channel, "error", err)
	}
	s.setPubSub(ps)

	go s.run(ctx)
	return s, nil
}

func (r *Redis) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	ctx, cancel := context.WithTimeout(ctx, r.subscribeTimeout)
	defer cancel()

	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w: %w", channel, chat.ErrBackplaneUnavailable, err)
	}
	return ps, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	redis   *Redis
	channel string
	pump    *pump
	cancel  context.CancelFunc
	done    chan struct{}

	mu sync.Mutex
	ps *redis.PubSub
}

func (s *redisSubscription) Channel() string         { return s.channel }
func (s *redisSubscription) Messages() <-chan []byte { return s.pump.out }

func (s *redisSubscription) Close() error {
	s.cancel()
	s.mu.Lock()
	ps := s.ps
	s.ps = nil
	s.mu.Unlock()

	var err error
	if ps != nil {
		err = ps.Close()
	}
	<-s.done
	return err
}

func (s *redisSubscription) setPubSub(ps *redis.PubSub) {
	s.mu.Lock()
	s.ps = ps
	s.mu.Unlock()
}

// adopt installs ps unless the subscription was closed meanwhile. Close
// cancels before taking the lock, so one of the two always closes ps.
func (s *redisSubscription) adopt(ctx context.Context, ps *redis.PubSub) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.ps = ps
	return true
}

func (s *redisSubscription) current() *redis.PubSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ps
}

func (s *redisSubscription) drop(ps *redis.PubSub) {
	s.mu.Lock()
	if s.ps == ps {
		s.ps = nil
	}
	s.mu.Unlock()
	_ = ps.Close()
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer s.pump.stop()

	logger := s.redis.logger.With("channel", s.channel)
	b := s.redis.newBackOff()
	awaitingPong := false

	for {
		ps := s.current()
		if ps == nil {
			var err error
			ps, err = s.redis.subscribe(ctx, s.channel)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				wait := b.NextBackOff()
				logger.Warn("resubscribe failed", "retry_in", wait, "error", err)
				if !sleep(ctx, wait) {
					return
				}
				continue
			}
			if !s.adopt(ctx, ps) {
				_ = ps.Close()
				return
			}
			logger.Info("resubscribed")
		}

		msg, err := s.receive(ctx, ps, &awaitingPong)
		if err != nil {
			s.drop(ps)
			awaitingPong = false
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			logger.Warn("subscription lost", "retry_in", wait, "error", err)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}
		b.Reset()
		if msg == nil {
			continue
		}
		if !s.pump.push([]byte(msg.Payload)) {
			return
		}
	}
}

var errPingUnanswered = errors.New("health check ping unanswered")

// receive waits one health check interval for traffic. On a silent
// connection it sends a ping; a second silent interval is an error. A nil
// message with a nil error means only control traffic arrived.
func (s *redisSubscription) receive(ctx context.Context, ps *redis.PubSub, awaitingPong *bool) (*redis.Message, error) {
	v, err := ps.ReceiveTimeout(ctx, s.redis.healthCheckInterval)
	if err != nil {
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() || ctx.Err() != nil {
			return nil, err
		}
		if *awaitingPong {
			return nil, errPingUnanswered
		}
		if err := ps.Ping(ctx); err != nil {
			return nil, err
		}
		*awaitingPong = true
		return nil, nil
	}

	*awaitingPong = false
	switch v := v.(type) {
	case *redis.Message:
		return v, nil
	case *redis.Pong, *redis.Subscription:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected pubsub reply %T", v)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
