package module

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/cloudapex/vair/mqrpc"
)

// Clients 按队列缓存rpc客户端
//
// 客户端不是并发安全的, 每次调用借出一个空闲客户端, 调用结束后归还.
type Clients struct {
	dialer mqrpc.Dialer

	mu     sync.Mutex
	idle   map[string][]mqrpc.RPCClient
	closed bool
}

// NewClients 创建客户端池
func NewClients(dialer mqrpc.Dialer) *Clients {
	return &Clients{dialer: dialer, idle: make(map[string][]mqrpc.RPCClient)}
}

func (c *Clients) get(queue string) (mqrpc.RPCClient, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, mqrpc.ErrClientClosed
	}
	if list := c.idle[queue]; len(list) > 0 {
		cl := list[len(list)-1]
		c.idle[queue] = list[:len(list)-1]
		c.mu.Unlock()
		return cl, nil
	}
	c.mu.Unlock()
	return c.dialer.NewClient(queue)
}

func (c *Clients) put(cl mqrpc.RPCClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = cl.Done()
		return
	}
	c.idle[cl.Queue()] = append(c.idle[cl.Queue()], cl)
}

// Call 借出客户端发起call
func (c *Clients) Call(ctx context.Context, queue, method string, opts ...mqrpc.CallOption) (any, error) {
	cl, err := c.get(queue)
	if err != nil {
		return nil, errors.Wrapf(err, "client for %s", queue)
	}
	defer c.put(cl)
	return cl.Call(ctx, method, opts...)
}

// Cast 借出客户端发起cast
func (c *Clients) Cast(ctx context.Context, queue, method string, opts ...mqrpc.CallOption) error {
	cl, err := c.get(queue)
	if err != nil {
		return errors.Wrapf(err, "client for %s", queue)
	}
	defer c.put(cl)
	return cl.Cast(ctx, method, opts...)
}

// Close 关闭所有空闲客户端, 之后归还的客户端直接关闭
func (c *Clients) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var first error
	for q, list := range c.idle {
		for _, cl := range list {
			if err := cl.Done(); err != nil && first == nil {
				first = err
			}
		}
		delete(c.idle, q)
	}
	return first
}
