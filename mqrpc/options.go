package mqrpc

import "time"

// CallOptions 调用参数
type CallOptions struct {
	DataForMethod  any
	DataForManager any
	Priority       int           // 0表示使用默认值(call:1 cast:10)
	TimeLimit      time.Duration // 只对call有效, 0表示使用客户端默认值
}

// CallOption 调用参数项
type CallOption func(*CallOptions)

// NewCallOptions 解析调用参数
func NewCallOptions(defPriority int, defLimit time.Duration, opts ...CallOption) CallOptions {
	o := CallOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Priority <= 0 {
		o.Priority = defPriority
	}
	if o.TimeLimit <= 0 {
		o.TimeLimit = defLimit
	}
	return o
}

// WithMethodData 方法参数(map或可序列化成对象的结构体)
func WithMethodData(v any) CallOption {
	return func(o *CallOptions) {
		o.DataForMethod = v
	}
}

// WithManagerData manager构造参数
func WithManagerData(v any) CallOption {
	return func(o *CallOptions) {
		o.DataForManager = v
	}
}

// WithPriority 优先级(1低~10高, 只是建议值)
func WithPriority(p int) CallOption {
	return func(o *CallOptions) {
		o.Priority = p
	}
}

// WithTimeLimit 等待回复的时长
func WithTimeLimit(d time.Duration) CallOption {
	return func(o *CallOptions) {
		o.TimeLimit = d
	}
}
