package queue

import (
	"context"
	"strconv"
	"sync"
)

// InMemoryProvider is a test double replacing GoqiteProvider, used so unit
// tests can inject a queue without a real SQLite-backed goqite schema.
type InMemoryProvider struct {
	mu     sync.Mutex
	queues map[string]*inMemoryQueue
}

// NewInMemoryProvider creates an empty in-memory Provider.
func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{queues: make(map[string]*inMemoryQueue)}
}

func (p *InMemoryProvider) Queue(ctx context.Context, name string) (Queue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if q, ok := p.queues[name]; ok {
		return q, nil
	}
	q := &inMemoryQueue{}
	p.queues[name] = q
	return q, nil
}

type inMemoryQueue struct {
	mu       sync.Mutex
	messages []Message
	nextID   int64
}

func (q *inMemoryQueue) Send(ctx context.Context, body []byte, groupID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	q.messages = append(q.messages, Message{
		ID:      strconv.FormatInt(q.nextID, 10),
		Body:    append([]byte(nil), body...),
		GroupID: groupID,
	})
	return nil
}

func (q *inMemoryQueue) Receive(ctx context.Context) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return nil, nil
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return &msg, nil
}

func (q *inMemoryQueue) Delete(ctx context.Context, messageID string) error {
	// Receive already pops the message in this simple double; delete is a
	// no-op kept for interface parity with the goqite-backed queue.
	return nil
}

func (q *inMemoryQueue) ApproxDepth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages), nil
}
