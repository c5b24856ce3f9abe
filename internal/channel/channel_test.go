package channel

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_SendReceive(t *testing.T) {
	parent, child := InProcess()
	defer parent.Close()
	defer child.Close()

	require.NoError(t, child.Send("progress", 0.5))
	require.NoError(t, child.Send("tuned_pipeline_id", "p-2"))

	msg, err := parent.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "progress", msg.Tag)
	var progress float64
	require.NoError(t, msg.Decode(&progress))
	assert.InDelta(t, 0.5, progress, 1e-9)

	msg, err = parent.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tuned_pipeline_id", msg.Tag)
	var id string
	require.NoError(t, msg.Decode(&id))
	assert.Equal(t, "p-2", id)
}

func TestChannel_FIFO(t *testing.T) {
	parent, child := InProcess()
	defer parent.Close()
	defer child.Close()

	for i := range 100 {
		require.NoError(t, child.Send("n", i))
	}
	for i := range 100 {
		msg, err := parent.Receive(time.Second)
		require.NoError(t, err)
		var n int
		require.NoError(t, msg.Decode(&n))
		require.Equal(t, i, n)
	}
}

func TestChannel_ReceiveTimeout(t *testing.T) {
	parent, child := InProcess()
	defer parent.Close()
	defer child.Close()

	start := time.Now()
	_, err := parent.Receive(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestChannel_PollDoesNotBlock(t *testing.T) {
	parent, child := InProcess()
	defer parent.Close()
	defer child.Close()

	start := time.Now()
	_, err := parent.Receive(0)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestChannel_SendDoesNotBlockWithoutReader(t *testing.T) {
	parent, child := InProcess()
	defer parent.Close()
	defer child.Close()

	done := make(chan struct{})
	go func() {
		for i := range 1000 {
			_ = parent.Send("evaluate", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked while the peer was not reading")
	}
}

func TestChannel_NullPayload(t *testing.T) {
	parent, child := InProcess()
	defer parent.Close()
	defer child.Close()

	require.NoError(t, parent.Send("score", nil))

	msg, err := child.Receive(time.Second)
	require.NoError(t, err)
	var score *float64
	require.NoError(t, msg.Decode(&score))
	assert.Nil(t, score)
}

func TestChannel_ClosedAfterPeerClose(t *testing.T) {
	parent, child := InProcess()
	defer parent.Close()

	require.NoError(t, child.Send("last", "bye"))
	require.NoError(t, child.Close())

	msg, err := parent.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "last", msg.Tag)

	_, err = parent.Receive(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannel_SendAfterClose(t *testing.T) {
	parent, child := InProcess()
	defer child.Close()

	require.NoError(t, parent.Close())
	assert.ErrorIs(t, parent.Send("x", 1), ErrClosed)
}

func TestChannel_MalformedInput(t *testing.T) {
	c := New(io.NopCloser(strings.NewReader("{\"tag\":\"ok\"}\nnot-json\n")), nil)

	msg, err := c.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Tag)

	_, err = c.Receive(time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Contains(t, err.Error(), "malformed")
}

func TestMessage_DecodeWithoutPayload(t *testing.T) {
	err := Message{Tag: "eval"}.Decode(new(string))
	assert.ErrorContains(t, err, "no payload")
}

func TestNewPipe(t *testing.T) {
	ep, err := NewPipe()
	require.NoError(t, err)
	require.Len(t, ep.ChildFiles, 2)

	// Stand in for the child on the inherited files.
	child := New(ep.ChildFiles[1], ep.ChildFiles[0])
	defer child.Close()

	require.NoError(t, child.Send("evaluate", "p-1"))
	msg, err := ep.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "evaluate", msg.Tag)

	require.NoError(t, ep.Send("score", 0.75))
	reply, err := child.Receive(time.Second)
	require.NoError(t, err)
	var score float64
	require.NoError(t, reply.Decode(&score))
	assert.InDelta(t, 0.75, score, 1e-9)

	require.NoError(t, ep.Close())
}

func TestChild_RequiresEnv(t *testing.T) {
	t.Setenv(EnvChannel, "")
	_, err := Child()
	assert.Error(t, err)
}
