package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/mqrpc/core"
	"github.com/cloudapex/vair/mqrpc/local"
)

func TestUnsupportedTransport(t *testing.T) {
	_, err := New(context.Background(), conf.Messaging{Type: "rpc", Transport: "kafka"}, false)
	assert.ErrorIs(t, err, mqrpc.ErrRpcClientInitialized)

	_, err = New(context.Background(), conf.Messaging{Type: "pubsub", Transport: "local"}, false)
	assert.ErrorIs(t, err, mqrpc.ErrRpcClientInitialized)
}

func TestUnsupportedSerializer(t *testing.T) {
	_, err := New(context.Background(), conf.Messaging{Type: "rpc", Transport: "local", Serializer: "xml"}, false)
	assert.ErrorIs(t, err, mqrpc.ErrRpcClientInitialized)
}

func TestClientOnlyCombination(t *testing.T) {
	notify := WithFactories("notify", "local", Factories{
		Transport: func(ctx context.Context, cfg conf.Messaging) (core.Transport, error) {
			return local.NewBroker(), nil
		},
		Client: newClient,
	})
	_, err := New(context.Background(), conf.Messaging{Type: "notify", Transport: "local"}, false, notify)
	assert.ErrorIs(t, err, mqrpc.ErrRpcServerInitialized)

	// 只对本次创建生效
	_, err = New(context.Background(), conf.Messaging{Type: "notify", Transport: "local"}, false)
	assert.ErrorIs(t, err, mqrpc.ErrRpcClientInitialized)
}

func TestLocalFabricRoundTrip(t *testing.T) {
	f, err := New(context.Background(), conf.Messaging{
		Type: "rpc", Transport: "local", Serializer: "proto", CallTimeLimit: 2,
	}, false)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, local.Kind, f.Transport().Kind())

	s, err := f.NewServer("volume")
	require.NoError(t, err)
	s.Register("get_all_volumes", func(ctx context.Context, req *mqrpc.Request) (any, error) {
		return []any{map[string]any{"id": "v1"}}, nil
	})
	require.NoError(t, s.Start())
	defer s.Done()

	c, err := f.NewClient("volume")
	require.NoError(t, err)
	defer c.Done()
	start := time.Now()
	r, err := mqrpc.List(c.Call(context.Background(), "get_all_volumes"))
	require.NoError(t, err)
	assert.Len(t, r, 1)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewClientEmptyQueue(t *testing.T) {
	f, err := NewWithTransport(conf.Messaging{}, local.NewBroker(), false)
	require.NoError(t, err)
	_, err = f.NewClient("")
	assert.ErrorIs(t, err, mqrpc.ErrRpcClientInitialized)
	_, err = f.NewServer("")
	assert.ErrorIs(t, err, mqrpc.ErrRpcServerInitialized)
}
