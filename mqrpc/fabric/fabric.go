// Package fabric 启动时按配置(消息类型, 传输类型)选择rpc客户端/服务端实现
package fabric

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/mqrpc"
	rpcbase "github.com/cloudapex/vair/mqrpc/base"
	"github.com/cloudapex/vair/mqrpc/core"
	"github.com/cloudapex/vair/mqrpc/local"
)

// MessagingRPC 目前唯一的消息类型
const MessagingRPC = "rpc"

// TransportFactory 建立到broker的连接
type TransportFactory func(ctx context.Context, cfg conf.Messaging) (core.Transport, error)

// ClientFactory 创建客户端
type ClientFactory func(t core.Transport, queue string, opts rpcbase.ClientOptions) (mqrpc.RPCClient, error)

// ServerFactory 创建服务端
type ServerFactory func(t core.Transport, queue string, opts rpcbase.ServerOptions) (mqrpc.RPCServer, error)

// Factories 一种组合对应的实现
type Factories struct {
	Transport TransportFactory
	Client    ClientFactory
	Server    ServerFactory
}

func key(messagingType, kind string) string {
	return fmt.Sprintf("%s/%s", messagingType, kind)
}

// Option 调整本次创建使用的实现表
type Option func(table map[string]Factories)

// WithFactories 增加或替换一种组合的实现
func WithFactories(messagingType, kind string, f Factories) Option {
	return func(table map[string]Factories) {
		table[key(messagingType, kind)] = f
	}
}

func newClient(t core.Transport, queue string, opts rpcbase.ClientOptions) (mqrpc.RPCClient, error) {
	return rpcbase.NewRPCClient(t, queue, opts)
}

func newServer(t core.Transport, queue string, opts rpcbase.ServerOptions) (mqrpc.RPCServer, error) {
	return rpcbase.NewRPCServer(t, queue, opts)
}

// builtin 每次创建Fabric时重新构造, 不持有包级状态
func builtin() map[string]Factories {
	return map[string]Factories{
		key(MessagingRPC, local.Kind): {
			Transport: func(ctx context.Context, cfg conf.Messaging) (core.Transport, error) {
				return local.NewBroker(), nil
			},
			Client: newClient,
			Server: newServer,
		},
		key(MessagingRPC, rpcbase.KindNats): {
			Transport: func(ctx context.Context, cfg conf.Messaging) (core.Transport, error) {
				return rpcbase.OpenNatsTransport(ctx, cfg)
			},
			Client: newClient,
			Server: newServer,
		},
		key(MessagingRPC, rpcbase.KindJetStream): {
			Transport: func(ctx context.Context, cfg conf.Messaging) (core.Transport, error) {
				return rpcbase.OpenJetStreamTransport(ctx, cfg)
			},
			Client: newClient,
			Server: newServer,
		},
	}
}

// Fabric 进程共享的一条broker连接, 为各模块创建客户端和服务端
type Fabric struct {
	cfg       conf.Messaging
	rpcLog    bool
	factories Factories
	codec     mqrpc.Codec
	transport core.Transport
}

// New 解析配置并连接broker, 不支持的组合在这里失败
func New(ctx context.Context, cfg conf.Messaging, rpcLog bool, opts ...Option) (*Fabric, error) {
	f, err := resolve(cfg, rpcLog, opts)
	if err != nil {
		return nil, err
	}
	if f.factories.Transport == nil {
		return nil, errors.Wrapf(mqrpc.ErrRpcClientInitialized, "no transport for %s", key(cfg.Type, cfg.Transport))
	}
	if f.transport, err = f.factories.Transport(ctx, cfg); err != nil {
		return nil, errors.Wrapf(mqrpc.ErrRpcClientInitialized, "connect %s: %v", cfg.Transport, err)
	}
	return f, nil
}

// NewWithTransport 使用已有的传输(测试, 嵌入式部署)
func NewWithTransport(cfg conf.Messaging, t core.Transport, rpcLog bool, opts ...Option) (*Fabric, error) {
	if cfg.Transport == "" {
		cfg.Transport = t.Kind()
	}
	f, err := resolve(cfg, rpcLog, opts)
	if err != nil {
		return nil, err
	}
	f.transport = t
	return f, nil
}

func resolve(cfg conf.Messaging, rpcLog bool, opts []Option) (*Fabric, error) {
	if cfg.Type == "" {
		cfg.Type = MessagingRPC
	}
	table := builtin()
	for _, opt := range opts {
		opt(table)
	}
	factories, ok := table[key(cfg.Type, cfg.Transport)]
	if !ok || factories.Client == nil {
		return nil, errors.Wrapf(mqrpc.ErrRpcClientInitialized, "unsupported messaging %s", key(cfg.Type, cfg.Transport))
	}
	if factories.Server == nil {
		return nil, errors.Wrapf(mqrpc.ErrRpcServerInitialized, "unsupported messaging %s", key(cfg.Type, cfg.Transport))
	}
	codec, err := mqrpc.NewCodec(cfg.Serializer)
	if err != nil {
		return nil, errors.Wrap(mqrpc.ErrRpcClientInitialized, err.Error())
	}
	return &Fabric{cfg: cfg, rpcLog: rpcLog, factories: factories, codec: codec}, nil
}

// Transport 共享的传输
func (f *Fabric) Transport() core.Transport { return f.transport }

// Config 消息配置
func (f *Fabric) Config() conf.Messaging { return f.cfg }

// NewClient 每个调用方独占一个客户端
func (f *Fabric) NewClient(queue string) (mqrpc.RPCClient, error) {
	c, err := f.factories.Client(f.transport, queue, rpcbase.ClientOptions{
		Codec:     f.codec,
		TimeLimit: f.cfg.TimeLimit(),
		RpcLog:    f.rpcLog,
	})
	if err != nil {
		return nil, typed(err, mqrpc.ErrRpcClientInitialized)
	}
	return c, nil
}

// NewServer 创建队列服务
func (f *Fabric) NewServer(queue string) (mqrpc.RPCServer, error) {
	s, err := f.factories.Server(f.transport, queue, rpcbase.ServerOptions{
		Codec:  f.codec,
		Queue:  core.QueueOptions{MaxLength: f.cfg.QueueMaxLength, MaxPriority: f.cfg.MaxPriority},
		RpcLog: f.rpcLog,
	})
	if err != nil {
		return nil, typed(err, mqrpc.ErrRpcServerInitialized)
	}
	return s, nil
}

// typed 保证错误可以用errors.Is(err, kind)判断
func typed(err, kind error) error {
	if errors.Is(err, kind) {
		return err
	}
	return errors.Wrap(kind, err.Error())
}

// Close 关闭传输
func (f *Fabric) Close() error {
	if f.transport == nil {
		return nil
	}
	return f.transport.Close()
}
