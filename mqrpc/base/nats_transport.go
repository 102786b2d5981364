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
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/mqrpc/core"
)

// KindNats 传输类型名
const KindNats = "nats"

// DialNats 按配置连接nats(带重试)
func DialNats(ctx context.Context, cfg conf.Messaging) (*nats.Conn, error) {
	url := nats.DefaultURL
	if len(cfg.Addrs) > 0 {
		url = strings.Join(cfg.Addrs, ",")
	}

	var nc *nats.Conn
	err := retry.Call(retry.CallArgs{
		Func: func() (err error) {
			nc, err = nats.Connect(url,
				nats.Name("vair"),
				nats.MaxReconnects(cfg.MaxReconnects),
			)
			return err
		},
		Attempts: max(cfg.ConnectRetry, 1),
		Delay:    time.Duration(max(cfg.ConnectDelay, 1)) * time.Second,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
		NotifyFunc: func(lastErr error, attempt int) {
			log.Warning("connect nats(%s) attempt %d failed: %v", url, attempt, lastErr)
		},
	})
	if err != nil {
		return nil, errors.Wrapf(retry.LastError(err), "connect nats %s", url)
	}
	return nc, nil
}

// NatsTransport 基于nats core的传输(队列组订阅, 最多一次投递)
type NatsTransport struct {
	nc     *nats.Conn
	owned  bool
	mu     sync.Mutex
	queues map[string]core.QueueOptions
}

// NewNatsTransport 使用已有连接, Close时不关闭连接
func NewNatsTransport(nc *nats.Conn) *NatsTransport {
	return &NatsTransport{nc: nc, queues: make(map[string]core.QueueOptions)}
}

// OpenNatsTransport 连接并创建传输, Close时关闭连接
func OpenNatsTransport(ctx context.Context, cfg conf.Messaging) (*NatsTransport, error) {
	nc, err := DialNats(ctx, cfg)
	if err != nil {
		return nil, err
	}
	t := NewNatsTransport(nc)
	t.owned = true
	return t, nil
}

func (t *NatsTransport) Kind() string { return KindNats }

// Conn 底层连接
func (t *NatsTransport) Conn() *nats.Conn { return t.nc }

// Declare 记录队列参数(消费端的积压上限)
func (t *NatsTransport) Declare(queue string, opts core.QueueOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[queue]; !ok {
		t.queues[queue] = opts.WithDefaults()
	}
	return nil
}

func (t *NatsTransport) options(queue string) core.QueueOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.queues[queue]; ok {
		return o
	}
	return core.QueueOptions{}.WithDefaults()
}

func (t *NatsTransport) Publish(ctx context.Context, queue string, msg *core.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.nc.PublishMsg(&nats.Msg{Subject: queue, Header: nats.Header(msg.Header), Data: msg.Body})
}

func (t *NatsTransport) Reply(ctx context.Context, address string, msg *core.Message) error {
	return t.Publish(ctx, address, msg)
}

// Consume 队列组订阅(同名队列的多个服务竞争消费)
func (t *NatsTransport) Consume(ctx context.Context, queue string) (core.Consumer, error) {
	sub, err := t.nc.QueueSubscribeSync(queue, queue)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", queue)
	}
	opts := t.options(queue)
	if err := sub.SetPendingLimits(opts.MaxLength, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return &natsConsumer{sub: sub, address: queue}, nil
}

// ReplyQueue 私有inbox
func (t *NatsTransport) ReplyQueue(ctx context.Context) (core.Consumer, error) {
	inbox := t.nc.NewInbox()
	sub, err := t.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe inbox")
	}
	return &natsConsumer{sub: sub, address: inbox}, nil
}

func (t *NatsTransport) Close() error {
	if t.owned {
		if err := t.nc.Drain(); err != nil {
			t.nc.Close()
		}
	}
	return nil
}

type natsConsumer struct {
	sub     *nats.Subscription
	address string
}

func (c *natsConsumer) Address() string { return c.address }

func (c *natsConsumer) Next(ctx context.Context) (*core.Delivery, error) {
	m, err := c.sub.NextMsgWithContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return &core.Delivery{Message: &core.Message{Header: core.Header(m.Header), Body: m.Data}}, nil
}

func (c *natsConsumer) Close() error {
	return c.sub.Unsubscribe()
}
