package transport

import (
	"sync"

	"github.com/ashuang/procman/internal/protocol"
)

const subscriberQueueSize = 256

// InProc is an in-memory Bus for single-binary deployments (the `-l`
// CLI flag) and for tests. It never touches the network; Publish
// fans a message out to every current subscriber of that channel,
// dropping it for subscribers whose queue is full rather than blocking
// the publisher — the same non-blocking-broadcast discipline the
// teacher's Hub.doBroadcast/SafeSend use.
type InProc struct {
	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	ch chan *protocol.Message
}

// NewInProc constructs an empty in-process bus.
func NewInProc() *InProc {
	return &InProc{subs: make(map[string]map[*subscription]struct{})}
}

func (b *InProc) Publish(channel string, msg *protocol.Message) error {
	b.mu.RLock()
	subs := b.subs[channel]
	targets := make([]*subscription, 0, len(subs))
	for s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- msg:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
	return nil
}

func (b *InProc) Subscribe(channel string) (<-chan *protocol.Message, func()) {
	s := &subscription{ch: make(chan *protocol.Message, subscriberQueueSize)}

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*subscription]struct{})
	}
	b.subs[channel][s] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs[channel], s)
		b.mu.Unlock()
	}
	return s.ch, unsubscribe
}

func (b *InProc) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, subs := range b.subs {
		for s := range subs {
			close(s.ch)
		}
		delete(b.subs, channel)
	}
	return nil
}
