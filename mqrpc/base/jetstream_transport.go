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

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"

	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/mqrpc/core"
)

// KindJetStream 传输类型名
const KindJetStream = "jetstream"

// fetchWait 单次拉取的等待时长
const fetchWait = time.Second

// JetStreamTransport 队列映射为WorkQueue流(有界, 满时拒绝发布, 至少一次投递)
// 回复走nats core的inbox
type JetStreamTransport struct {
	*NatsTransport
	js jetstream.JetStream

	mu      sync.Mutex
	streams map[string]jetstream.Stream
}

// NewJetStreamTransport 使用已有连接
func NewJetStreamTransport(nc *nats.Conn) (*JetStreamTransport, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.Wrap(err, "jetstream")
	}
	return &JetStreamTransport{
		NatsTransport: NewNatsTransport(nc),
		js:            js,
		streams:       make(map[string]jetstream.Stream),
	}, nil
}

// OpenJetStreamTransport 连接并创建传输, Close时关闭连接
func OpenJetStreamTransport(ctx context.Context, cfg conf.Messaging) (*JetStreamTransport, error) {
	nc, err := DialNats(ctx, cfg)
	if err != nil {
		return nil, err
	}
	t, err := NewJetStreamTransport(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

func (t *JetStreamTransport) Kind() string { return KindJetStream }

// streamName 流名不能包含'.'
func streamName(queue string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(queue)
}

func (t *JetStreamTransport) Declare(queue string, opts core.QueueOptions) error {
	if err := t.NatsTransport.Declare(queue, opts); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := t.stream(ctx, queue)
	return err
}

// stream 创建或获取队列对应的流
func (t *JetStreamTransport) stream(ctx context.Context, queue string) (jetstream.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.streams[queue]; ok {
		return s, nil
	}
	opts := t.options(queue)
	s, err := t.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName(queue),
		Subjects:  []string{queue},
		Retention: jetstream.WorkQueuePolicy,
		MaxMsgs:   int64(opts.MaxLength),
		Discard:   jetstream.DiscardNew,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "declare stream %s", queue)
	}
	t.streams[queue] = s
	return s, nil
}

func (t *JetStreamTransport) Publish(ctx context.Context, queue string, msg *core.Message) error {
	if _, err := t.stream(ctx, queue); err != nil {
		return err
	}
	_, err := t.js.PublishMsg(ctx, &nats.Msg{Subject: queue, Header: nats.Header(msg.Header), Data: msg.Body})
	return errors.Wrapf(err, "publish %s", queue)
}

// Reply 回复不进入流
func (t *JetStreamTransport) Reply(ctx context.Context, address string, msg *core.Message) error {
	return t.NatsTransport.Publish(ctx, address, msg)
}

// Consume 持久化拉取消费者(MaxAckPending=1)
func (t *JetStreamTransport) Consume(ctx context.Context, queue string) (core.Consumer, error) {
	s, err := t.stream(ctx, queue)
	if err != nil {
		return nil, err
	}
	name := streamName(queue)
	cons, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
		FilterSubject: queue,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "declare consumer %s", queue)
	}
	return &jsConsumer{cons: cons, address: queue}, nil
}

type jsConsumer struct {
	cons    jetstream.Consumer
	address string
}

func (c *jsConsumer) Address() string { return c.address }

func (c *jsConsumer) Next(ctx context.Context) (*core.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := c.cons.Next(jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, err
		}
		return &core.Delivery{
			Message: &core.Message{Header: core.Header(m.Headers()), Body: m.Data()},
			AckFunc: m.Ack,
		}, nil
	}
}

func (c *jsConsumer) Close() error { return nil }
