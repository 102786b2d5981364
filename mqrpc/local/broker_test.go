package local

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudapex/vair/mqrpc/core"
)

func message(body string, priority int) *core.Message {
	m := core.NewMessage([]byte(body))
	m.SetPriority(priority)
	return m
}

func TestPriorityOrder(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "q", message("low-1", 1)))
	require.NoError(t, b.Publish(ctx, "q", message("high", 10)))
	require.NoError(t, b.Publish(ctx, "q", message("low-2", 1)))
	require.NoError(t, b.Publish(ctx, "q", message("mid", 5)))

	c, err := b.Consume(ctx, "q")
	require.NoError(t, err)
	var got []string
	for i := 0; i < 4; i++ {
		d, err := c.Next(ctx)
		require.NoError(t, err)
		got = append(got, string(d.Body))
		require.NoError(t, d.Ack())
	}
	assert.Equal(t, []string{"high", "mid", "low-1", "low-2"}, got)
}

func TestQueueFullRejectsPublish(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx := context.Background()
	require.NoError(t, b.Declare("q", core.QueueOptions{MaxLength: 2}))

	require.NoError(t, b.Publish(ctx, "q", message("1", 1)))
	require.NoError(t, b.Publish(ctx, "q", message("2", 1)))
	err := b.Publish(ctx, "q", message("3", 1))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, b.Len("q"))
}

func TestPrefetchOne(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "q", message("1", 1)))
	require.NoError(t, b.Publish(ctx, "q", message("2", 1)))

	c, err := b.Consume(ctx, "q")
	require.NoError(t, err)
	d, err := c.Next(ctx)
	require.NoError(t, err)
	_, err = c.Next(ctx)
	assert.Error(t, err)

	require.NoError(t, d.Ack())
	d, err = c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", string(d.Body))
}

func TestCloseRequeuesUnacked(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "q", message("1", 1)))

	c, err := b.Consume(ctx, "q")
	require.NoError(t, err)
	_, err = c.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	assert.Equal(t, 1, b.Len("q"))
}

func TestNextBlocksUntilPublish(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx := context.Background()
	c, err := b.Consume(ctx, "q")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Publish(ctx, "q", message("late", 1))
	}()
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := c.Next(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "late", string(d.Body))
}

func TestNextHonoursDeadline(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	c, err := b.Consume(context.Background(), "q")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReplyQueueRemovedOnClose(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx := context.Background()

	rq, err := b.ReplyQueue(ctx)
	require.NoError(t, err)
	addr := rq.Address()
	require.NoError(t, b.Reply(ctx, addr, message("r", 0)))
	assert.Equal(t, 1, b.Len(addr))

	require.NoError(t, rq.Close())
	// 已删除的回复队列直接丢弃
	require.NoError(t, b.Reply(ctx, addr, message("late", 0)))
	assert.Equal(t, 0, b.Len(addr))
}

func TestCompetingConsumers(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, "q", message(strconv.Itoa(i), 1)))
	}
	c1, _ := b.Consume(ctx, "q")
	c2, _ := b.Consume(ctx, "q")

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		for _, c := range []core.Consumer{c1, c2} {
			d, err := c.Next(ctx)
			require.NoError(t, err)
			seen[string(d.Body)] = true
			require.NoError(t, d.Ack())
		}
	}
	assert.Len(t, seen, 10)
}

func TestClosedBroker(t *testing.T) {
	b := NewBroker()
	c, err := b.Consume(context.Background(), "q")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = c.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), "q", message("x", 1)), ErrClosed)
}
