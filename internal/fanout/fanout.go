// Package fanout is the cross-process pub/sub transport rooms use to see
// partial updates, deletions, tenant changes, and broadcasts published by
// other processes.
package fanout

import (
	"context"
	"sync"
)

// Handler receives one published payload for one channel.
type Handler func(channel string, payload []byte)

// Bus publishes and subscribes on named channels. Delivery is best-effort:
// a dropped message is recovered by the periodic full resync, never retried.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers fn for the given channels and returns an
	// unsubscribe func. Payloads for one subscription arrive in order.
	Subscribe(ctx context.Context, channels []string, fn Handler) (func(), error)
	Close() error
}

type localSub struct {
	channels map[string]struct{}
	inbox    chan localMsg
	done     chan struct{}
}

type localMsg struct {
	channel string
	payload []byte
}

// Local is an in-process Bus for single-process deployments and tests.
type Local struct {
	mu   sync.Mutex
	subs map[*localSub]struct{}
}

// NewLocal constructs an empty loopback bus.
func NewLocal() *Local {
	return &Local{subs: make(map[*localSub]struct{})}
}

func (l *Local) Publish(_ context.Context, channel string, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for sub := range l.subs {
		if _, ok := sub.channels[channel]; !ok {
			continue
		}
		select {
		case sub.inbox <- localMsg{channel: channel, payload: payload}:
		default:
			// Slow subscriber; drop and let resync catch it up.
		}
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, channels []string, fn Handler) (func(), error) {
	sub := &localSub{
		channels: make(map[string]struct{}, len(channels)),
		inbox:    make(chan localMsg, 64),
		done:     make(chan struct{}),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}

	l.mu.Lock()
	l.subs[sub] = struct{}{}
	l.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-sub.inbox:
				fn(msg.channel, msg.payload)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, sub)
			l.mu.Unlock()
			close(sub.done)
		})
	}, nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs {
		close(sub.done)
		delete(l.subs, sub)
	}
	return nil
}
