// Package memory keeps completion events in process when Pub/Sub is disabled.
// Payloads are encoded exactly as the Pub/Sub publisher encodes them.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultRetention bounds how many messages a Publisher keeps.
const DefaultRetention = 256

// Message is one retained publish.
type Message struct {
	ID         string
	Topic      string
	Data       []byte
	Attributes map[string]string
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

// Publisher retains the most recent messages in a ring.
type Publisher struct {
	attrs     map[string]string
	retention int

	mu       sync.Mutex
	seq      map[string]int
	messages []Message
}

// New returns a Publisher that keeps at most retention messages; values below
// one use DefaultRetention. attrs are attached to every message.
func New(retention int, attrs map[string]string) *Publisher {
	if retention < 1 {
		retention = DefaultRetention
	}
	return &Publisher{attrs: attrs, retention: retention, seq: make(map[string]int)}
}

// Publish encodes payload as JSON and retains it under a per-topic sequence ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish canceled: %w", err)
	}
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{"content-type": "application/json"}
	for k, v := range p.attrs {
		attrs[k] = v
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq[topic]++
	id := fmt.Sprintf("%s-%d", topic, p.seq[topic])
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data, Attributes: attrs})
	if over := len(p.messages) - p.retention; over > 0 {
		p.messages = append([]Message(nil), p.messages[over:]...)
	}
	return id, nil
}

// Messages returns the retained messages, oldest first. An empty topic
// returns every topic.
func (p *Publisher) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, 0, len(p.messages))
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
