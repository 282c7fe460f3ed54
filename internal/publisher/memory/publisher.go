// Package memory keeps task events in process, for tests and for runs that
// configure a topic without a Pub/Sub project.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one accepted event. Data holds the JSON body a Pub/Sub
// subscriber would receive.
type Message struct {
	ID         string
	Topic      string
	Payload    any
	Data       []byte
	Attributes map[string]string
}

// Publisher records events per topic in publish order.
type Publisher struct {
	mu       sync.Mutex
	seq      int
	log      []Message
	failures []error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailNext queues err for the next Publish call. Queued errors are consumed in
// order, one per call, and the failed event is not recorded.
func (p *Publisher) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, err)
}

// Publish encodes payload the way the Pub/Sub publisher does, so an event that
// cannot be marshalled fails here too.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return "", err
	}
	p.seq++
	msg := Message{
		ID:         fmt.Sprintf("memory-%d", p.seq),
		Topic:      topic,
		Payload:    payload,
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	}
	p.log = append(p.log, msg)
	return msg.ID, nil
}

// Messages returns every recorded event.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.log...)
}

// Topic returns the events recorded for one topic.
func (p *Publisher) Topic(name string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.log {
		if m.Topic == name {
			out = append(out, m)
		}
	}
	return out
}
