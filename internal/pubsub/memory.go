package pubsub

import (
	"context"
	"sync"
)

// MemoryPubSub is a process-local PubSub with the same deferred-mailbox
// semantics as the Redis transport. It backs single-process deployments and
// the test suites.
type MemoryPubSub struct {
	mu      sync.Mutex
	subs    map[string]map[int]Handler
	mailbox map[string][]byte
	nextID  int
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		subs:    make(map[string]map[int]Handler),
		mailbox: make(map[string][]byte),
	}
}

func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string, h Handler) (int, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]Handler)
	}
	m.subs[channel][id] = h
	buffered, hasBuffered := m.mailbox[channel]
	delete(m.mailbox, channel)
	m.mu.Unlock()

	if hasBuffered {
		h(buffered)
	}
	return id, nil
}

func (m *MemoryPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[channel]))
	for _, h := range m.subs[channel] {
		handlers = append(handlers, h)
	}
	if len(handlers) == 0 {
		// One-slot mailbox: a later publish supersedes an unclaimed one.
		m.mailbox[channel] = payload
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[channel], id)
	if len(m.subs[channel]) == 0 {
		delete(m.subs, channel)
	}
	return nil
}
