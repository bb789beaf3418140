// Package pipeline carries merged batches from the coordinator to its sinks.
// Processors form a linear chain; each one handles a message and forwards it
// to its subscribers.
package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// Message is the unit passed between processors. Payload is typically a
// *merge.MergedBatch; Metadata carries job identity and shape hints.
type Message struct {
	Payload  any
	Metadata map[string]any
}

// Processor handles messages and forwards them to subscribers.
type Processor interface {
	Process(ctx context.Context, msg Message) error
	Subscribe(Processor)
}

// Fanout manages a subscriber list. Embed it to satisfy the Subscribe half
// of Processor.
type Fanout struct {
	mu          sync.Mutex
	subscribers []Processor
}

// Subscribe adds a downstream processor.
func (f *Fanout) Subscribe(p Processor) {
	if p == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers = append(f.subscribers, p)
}

// Forward hands the message to every subscriber in subscription order,
// stopping at the first failure.
func (f *Fanout) Forward(ctx context.Context, msg Message) error {
	f.mu.Lock()
	subs := make([]Processor, len(f.subscribers))
	copy(subs, f.subscribers)
	f.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Process(ctx, msg); err != nil {
			return fmt.Errorf("subscriber %T: %w", sub, err)
		}
	}
	return nil
}

// Len reports the number of subscribers.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}
