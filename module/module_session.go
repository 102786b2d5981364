package module

import (
	"context"

	"github.com/cloudapex/vair/app"
	"github.com/cloudapex/vair/mqrpc"
)

// NewModuleServerSession 创建一个模块服务的访问Session
func NewModuleServerSession(name, queue string, clients *Clients) app.IModuleServerSession {
	return &moduleServerSession{name: name, queue: queue, clients: clients}
}

type moduleServerSession struct {
	name    string
	queue   string
	clients *Clients
}

func (this *moduleServerSession) GetName() string {
	return this.name
}

func (this *moduleServerSession) GetQueue() string {
	return this.queue
}

// 消息请求 需要回复
func (this *moduleServerSession) Call(ctx context.Context, _func string, opts ...mqrpc.CallOption) (any, error) {
	return this.clients.Call(ctx, this.queue, _func, opts...)
}

// 消息请求 不需要回复
func (this *moduleServerSession) Cast(ctx context.Context, _func string, opts ...mqrpc.CallOption) error {
	return this.clients.Cast(ctx, this.queue, _func, opts...)
}
