// Package core rpc传输层的基础结构定义
package core

import (
	"context"
	"strconv"
)

// 消息头字段
const (
	HeaderCorrelationID = "Correlation-Id" // 调用ID
	HeaderReplyTo       = "Reply-To"       // 回复地址(cast时为空)
	HeaderPriority      = "Priority"       // 优先级(1低~10高)
	HeaderContentType   = "Content-Type"   // 编码类型
	HeaderCaller        = "Caller"         // 调用者
)

// 默认队列参数
const (
	DefaultMaxLength   = 200
	DefaultMaxPriority = 10
)

// Envelope rpc请求信封
type Envelope struct {
	MethodName     string         `json:"method_name" msgpack:"method_name"`           // 方法名
	DataForMethod  map[string]any `json:"data_for_method" msgpack:"data_for_method"`   // 方法参数
	DataForManager map[string]any `json:"data_for_manager" msgpack:"data_for_manager"` // manager构造参数
}

// ToMap 转换成通用结构(供codec使用)
func (e *Envelope) ToMap() map[string]any {
	m := map[string]any{
		"method_name":      e.MethodName,
		"data_for_method":  nil,
		"data_for_manager": nil,
	}
	if e.DataForMethod != nil {
		m["data_for_method"] = e.DataForMethod
	}
	if e.DataForManager != nil {
		m["data_for_manager"] = e.DataForManager
	}
	return m
}

// Reply rpc回复, Data与Err二选一
type Reply struct {
	Data any
	Err  string
}

// ToMap {data: any} 或 {err: string}
func (r *Reply) ToMap() map[string]any {
	if r.Err != "" {
		return map[string]any{"err": r.Err}
	}
	return map[string]any{"data": r.Data}
}

// Header 消息头(与nats.Header/http.Header同构)
type Header map[string][]string

// Get 获取第一个值
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Set 设置值
func (h Header) Set(key, value string) {
	h[key] = []string{value}
}

// Message 传输帧
type Message struct {
	Header Header
	Body   []byte
}

// NewMessage 创建消息
func NewMessage(body []byte) *Message {
	return &Message{Header: Header{}, Body: body}
}

// CorrelationID 调用ID
func (m *Message) CorrelationID() string { return m.Header.Get(HeaderCorrelationID) }

// ReplyTo 回复地址
func (m *Message) ReplyTo() string { return m.Header.Get(HeaderReplyTo) }

// Priority 优先级(未设置时为0)
func (m *Message) Priority() int {
	p, _ := strconv.Atoi(m.Header.Get(HeaderPriority))
	return p
}

// SetPriority 设置优先级
func (m *Message) SetPriority(p int) { m.Header.Set(HeaderPriority, strconv.Itoa(p)) }

// Delivery 投递到消费者的消息, 处理后必须Ack
type Delivery struct {
	*Message
	AckFunc func() error
}

// Ack 确认消息(不会重新入队)
func (d *Delivery) Ack() error {
	if d.AckFunc == nil {
		return nil
	}
	return d.AckFunc()
}

// QueueOptions 队列声明参数
type QueueOptions struct {
	MaxLength   int // 队列最大长度(超出拒绝发布)
	MaxPriority int // 优先级上限
}

// WithDefaults 填充默认值
func (o QueueOptions) WithDefaults() QueueOptions {
	if o.MaxLength <= 0 {
		o.MaxLength = DefaultMaxLength
	}
	if o.MaxPriority <= 0 {
		o.MaxPriority = DefaultMaxPriority
	}
	return o
}

// Consumer 队列消费者
type Consumer interface {
	// Address 消费者绑定的队列地址
	Address() string
	// Next 阻塞直到收到消息或ctx结束
	Next(ctx context.Context) (*Delivery, error)
	Close() error
}

// Transport 一条到broker的物理连接
type Transport interface {
	// Kind 传输类型(nats, jetstream, local)
	Kind() string
	// Declare 声明队列(有界长度,优先级)
	Declare(queue string, opts QueueOptions) error
	// Publish 发布消息到队列
	Publish(ctx context.Context, queue string, msg *Message) error
	// Reply 回复到私有回复队列(不经过持久化队列)
	Reply(ctx context.Context, address string, msg *Message) error
	// Consume 以prefetch=1消费队列(同队列多个消费者竞争)
	Consume(ctx context.Context, queue string) (Consumer, error)
	// ReplyQueue 创建私有回复队列
	ReplyQueue(ctx context.Context) (Consumer, error)
	Close() error
}
