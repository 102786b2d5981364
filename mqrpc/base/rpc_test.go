package rpcbase

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/mqrpc/core"
	"github.com/cloudapex/vair/mqrpc/local"
)

func newPair(t *testing.T, queue string) (*local.Broker, *RPCServer, *RPCClient) {
	t.Helper()
	b := local.NewBroker()
	s, err := NewRPCServer(b, queue, ServerOptions{})
	require.NoError(t, err)
	c, err := NewRPCClient(b, queue, ClientOptions{TimeLimit: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Done()
		_ = s.Done()
		_ = b.Close()
	})
	return b, s, c
}

func TestCallReturnsData(t *testing.T) {
	_, s, c := newPair(t, "storage")
	s.Register("get_storage", func(ctx context.Context, req *mqrpc.Request) (any, error) {
		var args struct {
			StorageID string `json:"storage_id" validate:"required"`
		}
		if err := req.Bind(&args); err != nil {
			return nil, err
		}
		return map[string]any{"id": args.StorageID, "status": "available"}, nil
	})
	require.NoError(t, s.Start())

	r, err := c.Call(context.Background(), "get_storage", mqrpc.WithMethodData(map[string]any{"storage_id": "s1"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "s1", "status": "available"}, r)
}

func TestCallRemoteError(t *testing.T) {
	_, s, c := newPair(t, "storage")
	s.Register("get_storage", func(ctx context.Context, req *mqrpc.Request) (any, error) {
		var args struct {
			StorageID string `json:"storage_id" validate:"required"`
		}
		return nil, req.Bind(&args)
	})
	require.NoError(t, s.Start())

	_, err := c.Call(context.Background(), "get_storage")
	require.Error(t, err)
	assert.True(t, mqrpc.IsCallError(err))
	var callErr *mqrpc.RpcCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "get_storage", callErr.Method)
	assert.Contains(t, callErr.Message, "StorageID")
}

func TestCallTimeout(t *testing.T) {
	_, _, c := newPair(t, "nobody")
	start := time.Now()
	_, err := c.Call(context.Background(), "ping", mqrpc.WithTimeLimit(50*time.Millisecond))
	assert.ErrorIs(t, err, mqrpc.ErrRpcCallTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStaleReplyIgnored(t *testing.T) {
	_, s, c := newPair(t, "slow")
	var n int32
	s.Register("next", func(ctx context.Context, req *mqrpc.Request) (any, error) {
		i := atomic.AddInt32(&n, 1)
		if i == 1 {
			time.Sleep(150 * time.Millisecond)
			return "first", nil
		}
		return "second", nil
	})
	require.NoError(t, s.Start())

	_, err := c.Call(context.Background(), "next", mqrpc.WithTimeLimit(30*time.Millisecond))
	require.ErrorIs(t, err, mqrpc.ErrRpcCallTimeout)

	r, err := c.Call(context.Background(), "next")
	require.NoError(t, err)
	assert.Equal(t, "second", r)
}

func TestUnknownMethodCastKeepsServing(t *testing.T) {
	b, s, c := newPair(t, "storage")
	s.Register("ping", func(ctx context.Context, req *mqrpc.Request) (any, error) {
		return "pong", nil
	})
	require.NoError(t, s.Start())

	require.NoError(t, c.Cast(context.Background(), "unknown_method", mqrpc.WithMethodData(map[string]any{})))
	r, err := c.Call(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", r)
	assert.Equal(t, 0, b.Len("storage"))

	_, err = c.Call(context.Background(), "unknown_method")
	require.Error(t, err)
	assert.Contains(t, err.Error(), mqrpc.ErrUnknownMethod.Error())
}

func TestMalformedMessageAcked(t *testing.T) {
	b, s, c := newPair(t, "storage")
	s.Register("ping", func(ctx context.Context, req *mqrpc.Request) (any, error) {
		return "pong", nil
	})
	require.NoError(t, s.Start())

	require.NoError(t, b.Publish(context.Background(), "storage", core.NewMessage([]byte("{broken"))))
	r, err := c.Call(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", r)
}

func TestHandlerPanicBecomesError(t *testing.T) {
	_, s, c := newPair(t, "storage")
	s.Register("boom", func(ctx context.Context, req *mqrpc.Request) (any, error) {
		panic("kaboom")
	})
	require.NoError(t, s.Start())

	_, err := c.Call(context.Background(), "boom")
	require.Error(t, err)
	assert.True(t, mqrpc.IsCallError(err))
	assert.Contains(t, err.Error(), "kaboom")
}

type recordingListener struct {
	mu         sync.Mutex
	priorities map[string]int
	completed  []string
	failed     []string
}

func (l *recordingListener) NoFoundFunction(fn string) (mqrpc.HandlerFunc, error) {
	if fn == "fallback" {
		return func(ctx context.Context, req *mqrpc.Request) (any, error) { return "fallback", nil }, nil
	}
	return nil, nil
}

func (l *recordingListener) BeforeHandle(fn string, callInfo *mqrpc.CallInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.priorities[fn] = callInfo.Priority
	return nil
}

func (l *recordingListener) OnError(fn string, callInfo *mqrpc.CallInfo, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, fn)
}

func (l *recordingListener) OnComplete(fn string, callInfo *mqrpc.CallInfo, execTime time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, fn)
}

func TestListenerAndDefaultPriorities(t *testing.T) {
	_, s, c := newPair(t, "storage")
	l := &recordingListener{priorities: map[string]int{}}
	s.SetListener(l)
	done := make(chan struct{})
	s.Register("cast_me", func(ctx context.Context, req *mqrpc.Request) (any, error) {
		close(done)
		return nil, nil
	})
	s.Register("call_me", func(ctx context.Context, req *mqrpc.Request) (any, error) {
		return nil, nil
	})
	require.NoError(t, s.Start())

	require.NoError(t, c.Cast(context.Background(), "cast_me"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cast not handled")
	}
	_, err := c.Call(context.Background(), "call_me")
	require.NoError(t, err)
	r, err := c.Call(context.Background(), "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", r)
	_, err = c.Call(context.Background(), "missing")
	require.Error(t, err)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, mqrpc.DefaultCastPriority, l.priorities["cast_me"])
	assert.Equal(t, mqrpc.DefaultCallPriority, l.priorities["call_me"])
	assert.Contains(t, l.completed, "call_me")
	assert.Equal(t, []string{"missing"}, l.failed)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	_, s, _ := newPair(t, "storage")
	h := func(ctx context.Context, req *mqrpc.Request) (any, error) { return nil, nil }
	s.Register("a", h)
	assert.Panics(t, func() { s.Register("a", h) })
	assert.Equal(t, []string{"a"}, s.Methods())
}

func TestClosedClient(t *testing.T) {
	_, _, c := newPair(t, "storage")
	require.NoError(t, c.Done())
	_, err := c.Call(context.Background(), "ping")
	assert.ErrorIs(t, err, mqrpc.ErrClientClosed)
	assert.ErrorIs(t, c.Cast(context.Background(), "ping"), mqrpc.ErrClientClosed)
}

func TestConstructorErrors(t *testing.T) {
	_, err := NewRPCClient(nil, "q", ClientOptions{})
	assert.ErrorIs(t, err, mqrpc.ErrRpcClientInitialized)
	_, err = NewRPCServer(local.NewBroker(), "", ServerOptions{})
	assert.ErrorIs(t, err, mqrpc.ErrRpcServerInitialized)
}

func TestMsgpackCodecEndToEnd(t *testing.T) {
	b := local.NewBroker()
	defer b.Close()
	s, err := NewRPCServer(b, "mp", ServerOptions{Codec: mqrpc.MsgpackCodec{}})
	require.NoError(t, err)
	s.Register("echo", func(ctx context.Context, req *mqrpc.Request) (any, error) {
		return req.DataForMethod, nil
	})
	require.NoError(t, s.Start())
	defer s.Done()

	c, err := NewRPCClient(b, "mp", ClientOptions{Codec: mqrpc.MsgpackCodec{}, TimeLimit: 2 * time.Second})
	require.NoError(t, err)
	defer c.Done()
	r, err := c.Call(context.Background(), "echo", mqrpc.WithMethodData(map[string]any{"k": "v"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, r)
}
