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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/tomb.v2"

	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/metrics"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/mqrpc/core"
	"github.com/cloudapex/vair/mqrpc/local"
	"github.com/cloudapex/vair/tools"
)

// 消费出错后的重试间隔
const consumeBackoff = 200 * time.Millisecond

// ServerOptions 服务端参数
type ServerOptions struct {
	Codec  mqrpc.Codec       // 回复默认使用的codec(请求按Content-Type解码)
	Queue  core.QueueOptions // 队列声明参数
	RpcLog bool
}

// RPCServer 消费一个队列, 按方法名分发到注册的handler
type RPCServer struct {
	transport core.Transport
	queue     string
	opts      ServerOptions

	mu        sync.RWMutex
	functions map[string]mqrpc.HandlerFunc
	listener  mqrpc.RPCListener

	tomb    tomb.Tomb
	started bool
}

// NewRPCServer 创建服务并声明队列
func NewRPCServer(transport core.Transport, queue string, opts ServerOptions) (*RPCServer, error) {
	if transport == nil {
		return nil, errors.Wrap(mqrpc.ErrRpcServerInitialized, "nil transport")
	}
	if queue == "" {
		return nil, errors.Wrap(mqrpc.ErrRpcServerInitialized, "empty queue")
	}
	if opts.Codec == nil {
		opts.Codec = mqrpc.JSONCodec{}
	}
	if err := transport.Declare(queue, opts.Queue); err != nil {
		return nil, errors.Wrapf(mqrpc.ErrRpcServerInitialized, "declare %s: %v", queue, err)
	}
	return &RPCServer{
		transport: transport,
		queue:     queue,
		opts:      opts,
		functions: make(map[string]mqrpc.HandlerFunc),
	}, nil
}

func (s *RPCServer) Queue() string { return s.queue }

func (s *RPCServer) SetListener(listener mqrpc.RPCListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

// Register you must call the function before calling Serve or Start
func (s *RPCServer) Register(id string, f mqrpc.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.functions[id]; ok {
		panic(fmt.Sprintf("function id %v: already registered", id))
	}
	s.functions[id] = f
}

// Methods 已注册的方法名(排序)
func (s *RPCServer) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.functions))
	for name := range s.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve 顺序消费直到ctx结束. ctx只在两条消息之间生效, 正在处理的请求总会执行完并回复
func (s *RPCServer) Serve(ctx context.Context) error {
	consumer, err := s.transport.Consume(ctx, s.queue)
	if err != nil {
		return errors.Wrapf(mqrpc.ErrRpcServerInitialized, "consume %s: %v", s.queue, err)
	}
	defer consumer.Close()

	for {
		d, err := consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if terminal(err) {
				return errors.Wrapf(err, "consume %s", s.queue)
			}
			log.Warning("rpc server %s consume error: %v", s.queue, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(consumeBackoff):
			}
			continue
		}
		s.handle(context.WithoutCancel(ctx), d)
	}
}

// terminal 连接已关闭, 不再重试
func terminal(err error) bool {
	return errors.Is(err, local.ErrClosed) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrBadSubscription)
}

// Start 后台消费
func (s *RPCServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Errorf("rpc server %s already started", s.queue)
	}
	s.started = true
	s.tomb.Go(func() error {
		return s.Serve(s.tomb.Context(context.Background()))
	})
	return nil
}

// Done 停止消费, 等待正在处理的请求完成
func (s *RPCServer) Done() (err error) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return nil
	}
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

// handle 处理一条消息, 无论成功失败都确认(不重新入队)
func (s *RPCServer) handle(parent context.Context, d *core.Delivery) {
	start := time.Now()
	defer func() {
		if err := d.Ack(); err != nil {
			log.Warning("rpc server %s ack error: %v", s.queue, err)
		}
	}()

	codec := mqrpc.CodecFor(d.Header.Get(core.HeaderContentType), s.opts.Codec)
	ctx := otel.GetTextMapPropagator().Extract(parent, propagation.HeaderCarrier(d.Header))
	callInfo := &mqrpc.CallInfo{
		Queue:         s.queue,
		CorrelationID: d.CorrelationID(),
		ReplyTo:       d.ReplyTo(),
		Priority:      d.Priority(),
	}

	env, err := mqrpc.DecodeEnvelope(codec, d.Body)
	if err != nil {
		log.TWarning(ctx, "rpc server %s drop message %s: %v", s.queue, callInfo.CorrelationID, err)
		s.reply(ctx, codec, callInfo, nil, err)
		metrics.RecordHandled(s.queue, "", time.Since(start), err)
		return
	}
	callInfo.Request = mqrpc.NewRequest(env, d.Header)

	ctx, span := tracer.Start(ctx, "rpc.handle "+env.MethodName, trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.queue", s.queue)))
	result, err := s.invoke(ctx, callInfo)
	callInfo.ExecTime = time.Since(start)
	s.reply(ctx, codec, callInfo, result, err)
	endSpan(span, err)
	metrics.RecordHandled(s.queue, env.MethodName, callInfo.ExecTime, err)

	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if err != nil {
		if listener != nil {
			listener.OnError(env.MethodName, callInfo, err)
		}
		if callInfo.ReplyTo == "" {
			// cast没有调用方接收错误
			log.TWarning(ctx, "rpc cast %s.%s error: %v", s.queue, env.MethodName, err)
		}
		return
	}
	if listener != nil {
		listener.OnComplete(env.MethodName, callInfo, callInfo.ExecTime)
	}
	if s.opts.RpcLog {
		log.TInfo(ctx, "rpc Exec Queue = %v Func = %v Elapsed = %v", s.queue, env.MethodName, callInfo.ExecTime)
	}
}

// invoke 查找并执行handler, handler的panic转换成错误
func (s *RPCServer) invoke(ctx context.Context, callInfo *mqrpc.CallInfo) (result any, err error) {
	method := callInfo.Request.Method
	defer func() {
		if r := recover(); r != nil {
			err = tools.Catch(fmt.Sprintf("%s rpc func(%s)", s.queue, method), r)
			log.Error(err.Error())
			result = nil
		}
	}()

	s.mu.RLock()
	fn, listener := s.functions[method], s.listener
	s.mu.RUnlock()

	if fn == nil && listener != nil {
		if fn, err = listener.NoFoundFunction(method); err != nil {
			return nil, err
		}
	}
	if fn == nil {
		return nil, errors.Wrapf(mqrpc.ErrUnknownMethod, "%s on %s", method, s.queue)
	}
	if listener != nil {
		if err := listener.BeforeHandle(method, callInfo); err != nil {
			return nil, err
		}
	}
	return fn(ctx, callInfo.Request)
}

// reply 有回复地址时发送{data}或{err}
func (s *RPCServer) reply(ctx context.Context, codec mqrpc.Codec, callInfo *mqrpc.CallInfo, result any, err error) {
	if callInfo.ReplyTo == "" {
		return
	}
	r := &core.Reply{Data: result}
	if err != nil {
		r = &core.Reply{Err: err.Error()}
	}
	body, encErr := mqrpc.EncodeReply(codec, r)
	if encErr != nil {
		log.TError(ctx, "rpc server %s encode reply: %v", s.queue, encErr)
		if body, encErr = mqrpc.EncodeReply(codec, &core.Reply{Err: encErr.Error()}); encErr != nil {
			return
		}
	}
	callInfo.Reply = r
	msg := core.NewMessage(body)
	msg.Header.Set(core.HeaderCorrelationID, callInfo.CorrelationID)
	msg.Header.Set(core.HeaderContentType, codec.ContentType())
	if err := s.transport.Reply(context.WithoutCancel(ctx), callInfo.ReplyTo, msg); err != nil {
		log.TWarning(ctx, "rpc callback error: %v", err)
	}
}
