package pipeline

import (
	"fmt"
	"log/slog"
)

// BuildChain chains processors sequentially and subscribes all sinks to the
// last one, returning the head. Messages sent to the head flow through every
// processor in order and fan out to the sinks at the tail. Nil entries are
// skipped; an all-nil chain returns nil.
func BuildChain(processors []Processor, sinks ...Processor) Processor {
	var head, last Processor
	for _, p := range processors {
		if p == nil {
			continue
		}
		if last != nil {
			last.Subscribe(p)
			slog.Debug("chained processor", "from", typeName(last), "to", typeName(p))
		} else {
			head = p
		}
		last = p
	}

	for _, s := range sinks {
		if s == nil {
			continue
		}
		if last == nil {
			// No processors: the first sink becomes the head and the
			// rest subscribe to it.
			head, last = s, s
			continue
		}
		last.Subscribe(s)
		slog.Debug("chained sink", "from", typeName(last), "to", typeName(s))
	}
	return head
}

func typeName(p Processor) string {
	return fmt.Sprintf("%T", p)
}
