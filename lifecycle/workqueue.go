package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/tools"
)

// Job 工作流的后续步骤(续作)
type Job struct {
	Name     string
	Payload  any // 发送时为map或结构体, 处理时为map[string]any
	Priority int // 0使用cast默认优先级
}

// Bind 解析Payload到v(json tag)
func (j Job) Bind(v any) error {
	return mqrpc.Decode(j.Payload, v)
}

// JobHandler 续作处理函数, 返回的错误只记录日志
type JobHandler func(ctx context.Context, job Job) error

// WorkQueue 续作队列, 同一队列上的任务串行执行
type WorkQueue interface {
	Handle(name string, h JobHandler) // 启动前注册
	Enqueue(ctx context.Context, job Job) error
	Start() error
	Stop() error
}

// Fabric 创建rpc客户端和服务端
type Fabric interface {
	mqrpc.Dialer
	NewServer(queue string) (mqrpc.RPCServer, error)
}

// TasksQueue 模块自己的续作队列名
func TasksQueue(module string) string {
	return fmt.Sprintf("%s.tasks", module)
}

// RPCWorkQueue 通过cast投递到模块自己的队列, 由专门的服务端消费
type RPCWorkQueue struct {
	server mqrpc.RPCServer

	mu     sync.Mutex
	client mqrpc.RPCClient
}

// NewRPCWorkQueue 创建队列的生产端和消费端
func NewRPCWorkQueue(f Fabric, queue string) (*RPCWorkQueue, error) {
	server, err := f.NewServer(queue)
	if err != nil {
		return nil, err
	}
	client, err := f.NewClient(queue)
	if err != nil {
		return nil, err
	}
	return &RPCWorkQueue{server: server, client: client}, nil
}

// Handle 注册续作
func (q *RPCWorkQueue) Handle(name string, h JobHandler) {
	q.server.Register(name, func(ctx context.Context, req *mqrpc.Request) (any, error) {
		return nil, h(ctx, Job{Name: req.Method, Payload: req.DataForMethod})
	})
}

// Enqueue 投递续作
func (q *RPCWorkQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	opts := []mqrpc.CallOption{mqrpc.WithMethodData(job.Payload)}
	if job.Priority > 0 {
		opts = append(opts, mqrpc.WithPriority(job.Priority))
	}
	return q.client.Cast(ctx, job.Name, opts...)
}

// Start 开始消费
func (q *RPCWorkQueue) Start() error { return q.server.Start() }

// Stop 停止消费并关闭生产端
func (q *RPCWorkQueue) Stop() error {
	err := q.server.Done()
	q.mu.Lock()
	defer q.mu.Unlock()
	if cerr := q.client.Done(); err == nil {
		err = cerr
	}
	return err
}

// LocalWorkQueue 进程内续作队列(单goroutine串行执行)
type LocalWorkQueue struct {
	mu       sync.RWMutex
	handlers map[string]JobHandler
	started  bool

	jobs chan Job
	tomb tomb.Tomb
}

// NewLocalWorkQueue size为缓冲长度
func NewLocalWorkQueue(size int) *LocalWorkQueue {
	if size <= 0 {
		size = 200
	}
	return &LocalWorkQueue{handlers: make(map[string]JobHandler), jobs: make(chan Job, size)}
}

// Handle 注册续作
func (q *LocalWorkQueue) Handle(name string, h JobHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Enqueue 投递续作, 缓冲满时阻塞到ctx结束
func (q *LocalWorkQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	_, ok := q.handlers[job.Name]
	q.mu.RUnlock()
	if !ok {
		return errors.Annotatef(mqrpc.ErrUnknownMethod, "job %s", job.Name)
	}
	payload, err := mqrpc.NormalizeMap(job.Payload)
	if err != nil {
		return err
	}
	job.Payload = payload
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.tomb.Dying():
		return errors.New("work queue stopped")
	}
}

// Start 启动消费goroutine
func (q *LocalWorkQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("work queue already started")
	}
	q.started = true
	q.tomb.Go(q.loop)
	return nil
}

// Stop 停止并等待当前任务结束(未执行的任务被丢弃)
func (q *LocalWorkQueue) Stop() error {
	q.mu.RLock()
	started := q.started
	q.mu.RUnlock()
	if !started {
		return nil
	}
	q.tomb.Kill(nil)
	return q.tomb.Wait()
}

func (q *LocalWorkQueue) loop() error {
	for {
		select {
		case <-q.tomb.Dying():
			return nil
		case job := <-q.jobs:
			// 已取出的任务执行完才退出
			q.run(context.Background(), job)
		}
	}
}

func (q *LocalWorkQueue) run(ctx context.Context, job Job) {
	defer func() {
		if err := tools.Catch(fmt.Sprintf("job[%s]", job.Name), recover()); err != nil {
			log.Error(err.Error())
		}
	}()
	q.mu.RLock()
	h := q.handlers[job.Name]
	q.mu.RUnlock()
	if err := h(ctx, job); err != nil {
		log.TWarning(ctx, "job %s failed: %v", job.Name, err)
	}
}
