// Package backplane carries encoded chat events between server processes.
//
// Publishers and subscribers address each other by channel name only; the
// backplane applies no exclusion or ordering rules of its own.
package backplane

import (
	"context"
	"sync"
)

type Backplane interface {
	// Publish delivers payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts receiving payloads published to channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription yields payloads until it is closed. Messages is closed when
// the subscription ends.
type Subscription interface {
	Channel() string
	Messages() <-chan []byte
	Close() error
}

// pump decouples producers from a slow consumer with an unbounded FIFO.
type pump struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newPump() *pump {
	p := &pump{
		in:   make(chan []byte),
		out:  make(chan []byte),
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pump) run() {
	defer close(p.out)

	var pending [][]byte
	for {
		var (
			out  chan []byte
			next []byte
		)
		if len(pending) > 0 {
			out = p.out
			next = pending[0]
		}

		select {
		case msg := <-p.in:
			pending = append(pending, msg)
		case out <- next:
			pending[0] = nil
			pending = pending[1:]
			if len(pending) == 0 {
				// drop the drained backing array so bursts do not pin it
				pending = nil
			}
		case <-p.done:
			return
		}
	}
}

func (p *pump) push(msg []byte) bool {
	select {
	case p.in <- msg:
		return true
	case <-p.done:
		return false
	}
}

func (p *pump) stop() {
	p.once.Do(func() { close(p.done) })
}
