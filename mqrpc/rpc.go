// Package mqrpc rpc接口定义
package mqrpc

import (
	"context"
	"time"

	"github.com/cloudapex/vair/mqrpc/core"
)

// 默认优先级与超时
const (
	DefaultCallPriority = 1
	DefaultCastPriority = 10
	DefaultTimeLimit    = 100 * time.Second
)

// HandlerFunc rpc方法处理函数
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// CallInfo RPC的请求信息
type CallInfo struct {
	Queue         string
	CorrelationID string
	ReplyTo       string
	Priority      int
	Request       *Request
	Reply         *core.Reply
	ExecTime      time.Duration
}

// RPCListener 事件监听器
type RPCListener interface {
	/**
	NoFoundFunction 当未找到请求的handler时会触发该方法
	return error 不为nil时按未知方法处理
	*/
	NoFoundFunction(fn string) (HandlerFunc, error)
	/**
	BeforeHandle会对请求做一些前置处理,如:参数检查,打印统计日志等。
	return error  当error不为nil时将直接返回改错误信息而不会再执行后续调用
	*/
	BeforeHandle(fn string, callInfo *CallInfo) error
	OnError(fn string, callInfo *CallInfo, err error)
	/**
	fn 		方法名
	callInfo	请求与回复
	execTime 	方法执行时间
	*/
	OnComplete(fn string, callInfo *CallInfo, execTime time.Duration)
}

// RPCServer 服务定义(单队列,prefetch=1顺序处理)
type RPCServer interface {
	Queue() string
	SetListener(listener RPCListener) // 设置监听器
	Register(id string, f HandlerFunc) // 注册RPC方法(重复注册会panic)
	Methods() []string
	Serve(ctx context.Context) error // 阻塞消费直到ctx结束
	Start() error                    // 后台消费
	Done() (err error)               // 停止并等待当前请求处理完成
}

// RPCClient 客户端定义(非并发安全, 同一时刻只允许一个call)
type RPCClient interface {
	Queue() string
	Call(ctx context.Context, _func string, opts ...CallOption) (any, error) // 等待返回结果
	Cast(ctx context.Context, _func string, opts ...CallOption) error        // 无需等待结果
	Done() (err error)
}

// Dialer 按队列名创建客户端
type Dialer interface {
	NewClient(queue string) (RPCClient, error)
}

// DialerFunc Dialer的函数形式
type DialerFunc func(queue string) (RPCClient, error)

func (f DialerFunc) NewClient(queue string) (RPCClient, error) { return f(queue) }
