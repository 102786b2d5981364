package lifecycle

import (
	"context"
	"sync"

	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/mqrpc"
)

//go:generate go run go.uber.org/mock/mockgen -package mocks -destination mocks/events_mock.go github.com/cloudapex/vair/lifecycle EventRecorder

// AddEventMethod 审计服务的方法名
const AddEventMethod = "add_event"

// EventRecorder 审计事件(尽力而为, 失败不影响工作流)
type EventRecorder interface {
	AddEvent(ctx context.Context, objectID, userID, action, message string)
}

// RPCEventRecorder 通过cast发送到审计服务队列
type RPCEventRecorder struct {
	mu     sync.Mutex
	client mqrpc.RPCClient
}

// NewRPCEventRecorder 创建审计客户端
func NewRPCEventRecorder(dialer mqrpc.Dialer, queue string) (*RPCEventRecorder, error) {
	c, err := dialer.NewClient(queue)
	if err != nil {
		return nil, err
	}
	return &RPCEventRecorder{client: c}, nil
}

// AddEvent 发送事件, 失败只记录日志
func (r *RPCEventRecorder) AddEvent(ctx context.Context, objectID, userID, action, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.client.Cast(ctx, AddEventMethod, mqrpc.WithMethodData(map[string]any{
		"object_id": objectID,
		"user_id":   userID,
		"action":    action,
		"message":   message,
	}))
	if err != nil {
		log.TWarning(ctx, "add_event %s %s: %v", action, objectID, err)
	}
}

// Close 关闭客户端
func (r *RPCEventRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.Done()
}

// LogEventRecorder 只写日志(未配置审计服务时使用)
type LogEventRecorder struct{}

// AddEvent 写日志
func (LogEventRecorder) AddEvent(ctx context.Context, objectID, userID, action, message string) {
	log.TInfo(ctx, "event object=%s user=%s action=%s: %s", objectID, userID, action, message)
}
