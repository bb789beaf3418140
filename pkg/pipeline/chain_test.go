package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a processor that records what it sees and forwards it on.
type recorder struct {
	Fanout
	name string
	seen []Message
	fail error
}

func (r *recorder) Process(ctx context.Context, msg Message) error {
	if r.fail != nil {
		return r.fail
	}
	r.seen = append(r.seen, msg)
	return r.Forward(ctx, msg)
}

func TestBuildChainLinksInOrder(t *testing.T) {
	a := &recorder{name: "a"}
	b := &recorder{name: "b"}
	c := &recorder{name: "c"}

	head := BuildChain([]Processor{a, b}, c)
	require.Same(t, Processor(a), head)

	msg := Message{Payload: "hello", Metadata: map[string]any{"job_id": "j1"}}
	require.NoError(t, head.Process(context.Background(), msg))

	assert.Len(t, a.seen, 1)
	assert.Len(t, b.seen, 1)
	assert.Len(t, c.seen, 1)
	assert.Equal(t, "hello", c.seen[0].Payload)
	assert.Equal(t, "j1", c.seen[0].Metadata["job_id"])
}

func TestBuildChainSkipsNil(t *testing.T) {
	a := &recorder{name: "a"}
	b := &recorder{name: "b"}

	head := BuildChain([]Processor{nil, a, nil}, b)
	require.Same(t, Processor(a), head)
	require.NoError(t, head.Process(context.Background(), Message{}))
	assert.Len(t, b.seen, 1)

	assert.Nil(t, BuildChain(nil), "empty chain has no head")
}

func TestBuildChainSinksOnlyFanOutFromFirst(t *testing.T) {
	a := &recorder{name: "a"}
	b := &recorder{name: "b"}

	head := BuildChain(nil, a, b)
	require.Same(t, Processor(a), head)
	require.NoError(t, head.Process(context.Background(), Message{Payload: 1}))
	assert.Len(t, a.seen, 1)
	assert.Len(t, b.seen, 1)
}

func TestForwardStopsAtFirstFailure(t *testing.T) {
	boom := errors.New("sink failed")
	a := &recorder{name: "a"}
	bad := &recorder{name: "bad", fail: boom}
	after := &recorder{name: "after"}

	var f Fanout
	f.Subscribe(a)
	f.Subscribe(bad)
	f.Subscribe(after)
	require.Equal(t, 3, f.Len())

	err := f.Forward(context.Background(), Message{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.seen, 1)
	assert.Empty(t, after.seen, "subscribers after the failure must not run")
}

func TestFanoutIgnoresNilSubscriber(t *testing.T) {
	var f Fanout
	f.Subscribe(nil)
	assert.Zero(t, f.Len())
	assert.NoError(t, f.Forward(context.Background(), Message{}))
}
