package bus

import (
	"context"
	"sync"

	"classhub/pkg/types"
)

// subscriptionBuffer bounds how far a slow subscriber may lag before
// envelopes are dropped for it.
const subscriptionBuffer = 64

// Memory is the in-process bus used in single-node deployments and
// tests. Fan-out is synchronous and non-blocking per subscriber.
type Memory struct {
	mu     sync.RWMutex
	groups map[string]map[*memorySubscription]struct{}
	closed bool
}

var _ Bus = (*Memory)(nil)

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{
		groups: make(map[string]map[*memorySubscription]struct{}),
	}
}

type memorySubscription struct {
	bus   *Memory
	group string
	ch    chan *types.Envelope
	once  sync.Once
}

func (s *memorySubscription) C() <-chan *types.Envelope { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs, ok := s.bus.groups[s.group]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.groups, s.group)
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// Subscribe registers a buffered subscription to group.
func (m *Memory) Subscribe(ctx context.Context, group string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:   m,
		group: group,
		ch:    make(chan *types.Envelope, subscriptionBuffer),
	}
	subs := m.groups[group]
	if subs == nil {
		subs = make(map[*memorySubscription]struct{})
		m.groups[group] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

// Publish fans env out to every subscriber of group. Subscribers with a
// full buffer are skipped so one stalled client cannot block the room.
func (m *Memory) Publish(ctx context.Context, group string, env *types.Envelope) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrBusClosed
	}

	for sub := range m.groups[group] {
		select {
		case sub.ch <- env:
		default:
		}
	}
	return nil
}

// Close shuts the bus down and closes all subscription channels.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	groups := m.groups
	m.groups = make(map[string]map[*memorySubscription]struct{})
	m.mu.Unlock()

	for _, subs := range groups {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	return nil
}
