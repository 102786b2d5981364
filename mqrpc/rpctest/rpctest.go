// Package rpctest 测试辅助: 进程内fabric, 模拟的domain服务
package rpctest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/mqrpc/fabric"
	"github.com/cloudapex/vair/mqrpc/local"
)

// NewFabric 基于进程内broker的fabric, 测试结束时关闭. opts可以修改消息配置
func NewFabric(t testing.TB, opts ...func(*conf.Messaging)) *fabric.Fabric {
	t.Helper()
	cfg := conf.Messaging{
		Type:           fabric.MessagingRPC,
		Transport:      local.Kind,
		Serializer:     mqrpc.CodecJSON,
		QueueMaxLength: 200,
		MaxPriority:    10,
		CallTimeLimit:  5,
		WorkQueue:      conf.WorkQueueRPC,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f, err := fabric.NewWithTransport(cfg, local.NewBroker(), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// Call 一次调用记录
type Call struct {
	Method string
	Args   map[string]any
}

// FakeServer 模拟domain层或兄弟服务, 记录收到的请求
type FakeServer struct {
	server mqrpc.RPCServer

	mu    sync.Mutex
	calls []Call
}

// Handle 返回固定结果的handler
func Handle(result any, err error) mqrpc.HandlerFunc {
	return func(ctx context.Context, req *mqrpc.Request) (any, error) {
		return result, err
	}
}

// Serve 在queue上启动模拟服务
func Serve(t testing.TB, f *fabric.Fabric, queue string, handlers map[string]mqrpc.HandlerFunc) *FakeServer {
	t.Helper()
	s, err := f.NewServer(queue)
	require.NoError(t, err)
	fake := &FakeServer{server: s}
	for name, h := range handlers {
		name, h := name, h
		s.Register(name, func(ctx context.Context, req *mqrpc.Request) (any, error) {
			fake.mu.Lock()
			fake.calls = append(fake.calls, Call{Method: name, Args: req.DataForMethod})
			fake.mu.Unlock()
			return h(ctx, req)
		})
	}
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Done() })
	return fake
}

// Calls 收到的请求
func (s *FakeServer) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Methods 收到的方法名(按顺序)
func (s *FakeServer) Methods() []string {
	var names []string
	for _, c := range s.Calls() {
		names = append(names, c.Method)
	}
	return names
}

// Count 方法被调用次数
func (s *FakeServer) Count(method string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Eventually 等待cond成立
func Eventually(t testing.TB, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msgAndArgs...)
}
