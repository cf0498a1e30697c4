package bus

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBus delivers messages synchronously to in-process subscribers.
// Retry requests are recorded rather than redelivered.
type MemoryBus struct {
	mu        sync.Mutex
	handlers  map[string][]Handler
	published []Message
	retries   []Retry
	seen      map[string]bool
}

// Retry records a handler's redelivery request.
type Retry struct {
	Message Message
	Delay   time.Duration
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: map[string][]Handler{}, seen: map[string]bool{}}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	if subject == "" {
		return errEmptyTopic
	}
	b.mu.Lock()
	if msgID != "" {
		if b.seen[msgID] {
			b.mu.Unlock()
			return nil
		}
		b.seen[msgID] = true
	}
	msg := Message{Subject: subject, Data: append([]byte(nil), data...), MsgID: msgID, NumDelivered: 1}
	b.published = append(b.published, msg)
	handlers := make([]Handler, 0)
	for pattern, hs := range b.handlers {
		if subjectMatches(pattern, subject) {
			handlers = append(handlers, hs...)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			if delay, ok := RetryDelay(err); ok {
				b.mu.Lock()
				b.retries = append(b.retries, Retry{Message: msg, Delay: delay})
				b.mu.Unlock()
			}
		}
	}
	return nil
}

// Subscribe registers handler. Queue groups are ignored; each subject has
// one logical consumer in process.
func (b *MemoryBus) Subscribe(subject, _ string, handler Handler) error {
	if subject == "" {
		return errEmptyTopic
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	return nil
}

func (b *MemoryBus) Close() {}

func (b *MemoryBus) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

func (b *MemoryBus) Retries() []Retry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Retry(nil), b.retries...)
}

// subjectMatches implements NATS token wildcards: * matches one token and a
// trailing > matches the rest.
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

var _ Bus = (*MemoryBus)(nil)
