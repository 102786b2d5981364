// Package local 进程内broker(有界优先级队列), 用于单进程部署和测试
package local

import (
	"container/heap"
	"context"
	"strings"
	"sync"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"

	"github.com/cloudapex/vair/mqrpc/core"
)

// Kind 传输类型名
const Kind = "local"

const replyPrefix = "reply."

// ErrQueueFull 队列已满(拒绝发布)
var ErrQueueFull = errors.New("queue is full")

// ErrClosed broker已关闭
var ErrClosed = errors.New("broker closed")

// Broker 进程内broker, 实现core.Transport
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	closed bool
}

// NewBroker 创建broker
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

func (b *Broker) Kind() string { return Kind }

// Declare 声明队列, 已存在时保持原参数
func (b *Broker) Declare(name string, opts core.QueueOptions) error {
	_, err := b.declare(name, opts)
	return err
}

func (b *Broker) declare(name string, opts core.QueueOptions) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	q := newQueue(name, opts.WithDefaults())
	b.queues[name] = q
	return q, nil
}

// Publish 发布消息(队列不存在时按默认参数声明, 已删除的回复队列直接丢弃)
func (b *Broker) Publish(ctx context.Context, name string, msg *core.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.HasPrefix(name, replyPrefix) && !b.exists(name) {
		return nil
	}
	q, err := b.declare(name, core.QueueOptions{})
	if err != nil {
		return err
	}
	return q.push(msg)
}

// Reply 同Publish
func (b *Broker) Reply(ctx context.Context, address string, msg *core.Message) error {
	return b.Publish(ctx, address, msg)
}

// Consume 消费队列
func (b *Broker) Consume(ctx context.Context, name string) (core.Consumer, error) {
	q, err := b.declare(name, core.QueueOptions{})
	if err != nil {
		return nil, err
	}
	return &consumer{broker: b, q: q}, nil
}

// ReplyQueue 私有回复队列, 关闭消费者时删除
func (b *Broker) ReplyQueue(ctx context.Context) (core.Consumer, error) {
	name := replyPrefix + uuid.New()
	q, err := b.declare(name, core.QueueOptions{})
	if err != nil {
		return nil, err
	}
	return &consumer{broker: b, q: q, exclusive: true}, nil
}

func (b *Broker) exists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Len 队列中等待的消息数量
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

// Close 关闭broker, 唤醒所有等待的消费者
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		q.close()
	}
	return nil
}

func (b *Broker) remove(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		q.close()
		delete(b.queues, name)
	}
}

// ==================== queue

type item struct {
	msg      *core.Message
	priority int
	seq      uint64
}

// items 优先级高的先出, 同优先级先进先出
type items []*item

func (h items) Len() int { return len(h) }
func (h items) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h items) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *items) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *items) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type queue struct {
	name   string
	opts   core.QueueOptions
	mu     sync.Mutex
	items  items
	seq    uint64
	signal chan struct{}
	closed bool
}

func newQueue(name string, opts core.QueueOptions) *queue {
	return &queue{name: name, opts: opts, signal: make(chan struct{})}
}

func (q *queue) push(msg *core.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.items) >= q.opts.MaxLength {
		return errors.Wrapf(ErrQueueFull, "queue %s (max %d)", q.name, q.opts.MaxLength)
	}
	p := msg.Priority()
	if p > q.opts.MaxPriority {
		p = q.opts.MaxPriority
	}
	q.seq++
	heap.Push(&q.items, &item{msg: msg, priority: p, seq: q.seq})
	close(q.signal)
	q.signal = make(chan struct{})
	return nil
}

// pop 取出一条消息, 没有消息时返回等待信号
func (q *queue) pop() (*core.Message, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, nil, ErrClosed
	}
	if len(q.items) == 0 {
		return nil, q.signal, nil
	}
	return heap.Pop(&q.items).(*item).msg, nil, nil
}

// requeue 未确认的消息放回队列头部
func (q *queue) requeue(msg *core.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	heap.Push(&q.items, &item{msg: msg, priority: q.opts.MaxPriority + 1, seq: 0})
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// ==================== consumer

type consumer struct {
	broker    *Broker
	q         *queue
	exclusive bool

	mu      sync.Mutex
	pending *core.Message // 已投递未确认(prefetch=1)
}

func (c *consumer) Address() string { return c.q.name }

func (c *consumer) Next(ctx context.Context) (*core.Delivery, error) {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return nil, errors.New("previous delivery not acknowledged")
	}
	c.mu.Unlock()

	for {
		msg, wait, err := c.q.pop()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			c.mu.Lock()
			c.pending = msg
			c.mu.Unlock()
			return &core.Delivery{Message: msg, AckFunc: func() error {
				c.mu.Lock()
				defer c.mu.Unlock()
				if c.pending == msg {
					c.pending = nil
				}
				return nil
			}}, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *consumer) Close() error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if c.exclusive {
		c.broker.remove(c.q.name)
		return nil
	}
	if pending != nil {
		c.q.requeue(pending)
	}
	return nil
}
