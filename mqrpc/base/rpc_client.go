// Copyright 2014 river Author. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package rpcbase

import (
	"context"
	"os"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/metrics"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/mqrpc/core"
)

var tracer = otel.Tracer("vair/mqrpc")

// ClientOptions 客户端参数
type ClientOptions struct {
	Codec     mqrpc.Codec   // 默认json
	TimeLimit time.Duration // call默认超时
	Caller    string        // 调用者标识(默认hostname)
	RpcLog    bool          // 打印每次调用
}

// RPCClient 绑定一个目标队列的客户端(非并发安全)
type RPCClient struct {
	transport core.Transport
	queue     string
	opts      ClientOptions

	replies core.Consumer // 私有回复队列(第一次call时创建)
	closed  bool
}

// NewRPCClient 创建客户端
func NewRPCClient(transport core.Transport, queue string, opts ClientOptions) (*RPCClient, error) {
	if transport == nil {
		return nil, errors.Wrap(mqrpc.ErrRpcClientInitialized, "nil transport")
	}
	if queue == "" {
		return nil, errors.Wrap(mqrpc.ErrRpcClientInitialized, "empty queue")
	}
	if opts.Codec == nil {
		opts.Codec = mqrpc.JSONCodec{}
	}
	if opts.TimeLimit <= 0 {
		opts.TimeLimit = mqrpc.DefaultTimeLimit
	}
	if opts.Caller == "" {
		opts.Caller, _ = os.Hostname()
	}
	return &RPCClient{transport: transport, queue: queue, opts: opts}, nil
}

func (c *RPCClient) Queue() string { return c.queue }

// Done 关闭回复队列
func (c *RPCClient) Done() (err error) {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.replies != nil {
		err = c.replies.Close()
		c.replies = nil
	}
	return
}

// Call 发送请求并等待correlation id匹配的回复
func (c *RPCClient) Call(ctx context.Context, _func string, opts ...mqrpc.CallOption) (result any, err error) {
	o := mqrpc.NewCallOptions(mqrpc.DefaultCallPriority, c.opts.TimeLimit, opts...)
	start := time.Now()
	ctx, span := tracer.Start(ctx, "rpc.call "+_func, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.queue", c.queue), attribute.Int("rpc.priority", o.Priority)))
	defer func() {
		endSpan(span, err)
		metrics.RecordCall(c.queue, _func, time.Since(start), err)
		if c.opts.RpcLog {
			log.TInfo(ctx, "rpc Call Queue = %v Func = %v Elapsed = %v Result = %v ERROR = %v", c.queue, _func, time.Since(start), result, err)
		}
	}()

	if c.closed {
		return nil, mqrpc.ErrClientClosed
	}
	if c.replies == nil {
		if c.replies, err = c.transport.ReplyQueue(ctx); err != nil {
			return nil, errors.Wrap(err, "open reply queue")
		}
	}

	msg, err := c.newMessage(ctx, _func, o)
	if err != nil {
		return nil, err
	}
	cid := uuid.New()
	msg.Header.Set(core.HeaderCorrelationID, cid)
	msg.Header.Set(core.HeaderReplyTo, c.replies.Address())
	if err = c.transport.Publish(ctx, c.queue, msg); err != nil {
		return nil, errors.Wrapf(err, "publish %s to %s", _func, c.queue)
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.TimeLimit)
	defer cancel()
	for {
		d, err := c.replies.Next(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, errors.Wrapf(mqrpc.ErrRpcCallTimeout, "%s on %s after %v", _func, c.queue, o.TimeLimit)
			}
			return nil, err
		}
		_ = d.Ack()
		if d.CorrelationID() != cid {
			// 上一次超时的call迟到的回复
			log.Debug("rpc client %s drop stale reply %s", c.queue, d.CorrelationID())
			continue
		}
		reply, err := mqrpc.DecodeReply(mqrpc.CodecFor(d.Header.Get(core.HeaderContentType), c.opts.Codec), d.Body)
		if err != nil {
			return nil, err
		}
		if reply.Err != "" {
			return nil, &mqrpc.RpcCallError{Method: _func, Message: reply.Err}
		}
		return reply.Data, nil
	}
}

// Cast 只发布不等待
func (c *RPCClient) Cast(ctx context.Context, _func string, opts ...mqrpc.CallOption) (err error) {
	o := mqrpc.NewCallOptions(mqrpc.DefaultCastPriority, c.opts.TimeLimit, opts...)
	start := time.Now()
	ctx, span := tracer.Start(ctx, "rpc.cast "+_func, trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("rpc.queue", c.queue), attribute.Int("rpc.priority", o.Priority)))
	defer func() {
		endSpan(span, err)
		metrics.RecordCast(c.queue, _func, err)
		if c.opts.RpcLog {
			log.TInfo(ctx, "rpc Cast Queue = %v Func = %v Elapsed = %v ERROR = %v", c.queue, _func, time.Since(start), err)
		}
	}()

	if c.closed {
		return mqrpc.ErrClientClosed
	}
	msg, err := c.newMessage(ctx, _func, o)
	if err != nil {
		return err
	}
	msg.Header.Set(core.HeaderCorrelationID, uuid.New())
	if err = c.transport.Publish(ctx, c.queue, msg); err != nil {
		return errors.Wrapf(err, "publish %s to %s", _func, c.queue)
	}
	return nil
}

func (c *RPCClient) newMessage(ctx context.Context, _func string, o mqrpc.CallOptions) (*core.Message, error) {
	env := &core.Envelope{MethodName: _func}
	var err error
	if env.DataForMethod, err = mqrpc.NormalizeMap(o.DataForMethod); err != nil {
		return nil, errors.Wrap(err, "data_for_method")
	}
	if env.DataForManager, err = mqrpc.NormalizeMap(o.DataForManager); err != nil {
		return nil, errors.Wrap(err, "data_for_manager")
	}
	body, err := mqrpc.EncodeEnvelope(c.opts.Codec, env)
	if err != nil {
		return nil, err
	}
	msg := core.NewMessage(body)
	msg.SetPriority(o.Priority)
	msg.Header.Set(core.HeaderContentType, c.opts.Codec.ContentType())
	msg.Header.Set(core.HeaderCaller, c.opts.Caller)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	return msg, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
