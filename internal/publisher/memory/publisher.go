// Package memory keeps published lifecycle events in process.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher records the events it is handed. It backs local runs without a broker.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
	seq    int
	limit  int
}

// Event is one publish call.
type Event struct {
	ID      string
	Topic   string
	Payload any
}

// New returns an empty Publisher that keeps every event.
func New() *Publisher {
	return &Publisher{}
}

// NewRetaining returns a Publisher that keeps only the most recent limit events.
// A non-positive limit keeps everything.
func NewRetaining(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish appends the event and returns its sequence ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.events = append(p.events, Event{ID: id, Topic: topic, Payload: payload})
	if p.limit > 0 && len(p.events) > p.limit {
		p.events = append(p.events[:0:0], p.events[len(p.events)-p.limit:]...)
	}
	return id, nil
}

// Events returns a copy of the events published to topic, or all events when topic is empty.
func (p *Publisher) Events(topic string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, 0, len(p.events))
	for _, e := range p.events {
		if topic == "" || e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
