package backplane

import (
	"context"
	"fmt"
	"sync"

	"trustlink-chat/pkg/chat"
)

// Bus is an in-process Backplane. Several engines sharing one Bus behave like
// separate processes sharing a Redis server.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*busSubscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*busSubscription]struct{})}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("publish %s: %w", channel, chat.ErrBackplaneUnavailable)
	}
	targets := make([]*busSubscription, 0, len(b.subs[channel]))
	for s := range b.subs[channel] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		s.pump.push(msg)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: %w", channel, chat.ErrBackplaneUnavailable)
	}

	s := &busSubscription{bus: b, channel: channel, pump: newPump()}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*busSubscription]struct{})
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *Bus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]map[*busSubscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, set := range subs {
		for s := range set {
			s.pump.stop()
		}
	}
	return nil
}

func (b *Bus) remove(s *busSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.channel)
		}
	}
}

type busSubscription struct {
	bus     *Bus
	channel string
	pump    *pump
}

func (s *busSubscription) Channel() string         { return s.channel }
func (s *busSubscription) Messages() <-chan []byte { return s.pump.out }

func (s *busSubscription) Close() error {
	s.bus.remove(s)
	s.pump.stop()
	return nil
}
