// Package timer 周期任务调度(每个任务一个goroutine)
package timer

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/pkg/errors"
	"gopkg.in/tomb.v2"

	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/metrics"
	"github.com/cloudapex/vair/tools"
)

// TaskFunc 任务函数, 返回的错误只记录日志
type TaskFunc func(ctx context.Context) error

// Task 周期任务(启动前声明, 运行中不可增删)
type Task struct {
	Name     string        // 自定义名称(默认为函数名)
	Interval time.Duration // 两次执行的间隔
	Execute  TaskFunc
	Right    bool // 是否立刻执行一次
}

// Scheduler 调度器
type Scheduler struct {
	clock clock.Clock
	tasks []Task

	mu      sync.Mutex
	tomb    tomb.Tomb
	started bool
}

// NewScheduler 创建调度器, clk为nil时使用系统时钟
func NewScheduler(clk clock.Clock, tasks ...Task) (*Scheduler, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	s := &Scheduler{clock: clk}
	for _, t := range tasks {
		if t.Execute == nil {
			return nil, errors.Errorf("task %q has no execute func", t.Name)
		}
		if t.Interval <= 0 {
			return nil, errors.Errorf("task %q interval must be positive", t.Name)
		}
		if t.Name == "" {
			t.Name = tools.FuncFullNameRef(reflect.ValueOf(t.Execute), '.', '/')
		}
		s.tasks = append(s.tasks, t)
	}
	return s, nil
}

// Tasks 已声明的任务
func (s *Scheduler) Tasks() []Task {
	return append([]Task(nil), s.tasks...)
}

// Start 为每个任务启动一个goroutine
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	for _, t := range s.tasks {
		t := t
		s.tomb.Go(func() error {
			s.loop(t)
			return nil
		})
	}
	if len(s.tasks) == 0 {
		// 没有任务时tomb需要一个goroutine才能结束
		s.tomb.Go(func() error {
			<-s.tomb.Dying()
			return nil
		})
	}
	return nil
}

// Run 启动并阻塞到ctx结束, 然后停止所有任务
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.tomb.Dying():
	}
	return s.Stop()
}

// Stop 通知所有任务退出并等待(可重复调用)
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

// loop 停止只在两次执行之间生效, 正在进行的一轮不会被取消
func (s *Scheduler) loop(t Task) {
	ctx := context.Background()
	if t.Right {
		s.run(ctx, t)
	}
	for {
		select {
		case <-s.tomb.Dying():
			return
		case <-s.clock.After(t.Interval):
		}
		s.run(ctx, t)
	}
}

// run 执行一次, panic和错误都不会影响后续调度
func (s *Scheduler) run(ctx context.Context, t Task) {
	var err error
	defer func() {
		if perr := tools.Catch(fmt.Sprintf("cronjob[%q]", t.Name), recover()); perr != nil {
			log.Error(perr.Error())
			err = perr
		}
		metrics.RecordTask(t.Name, err)
	}()
	if err = t.Execute(ctx); err != nil {
		log.Warning("cronjob[%q] error: %v", t.Name, err)
	}
}
