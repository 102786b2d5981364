package module

import (
	"time"

	"github.com/juju/clock"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/timer"
)

// Option 模块级别配置项
type Option func(*Options)

// Options 模块级别配置
type Options struct {
	Queue     string              // 服务队列(默认为模块类型)
	WorkQueue lifecycle.WorkQueue // 续作队列(默认为<模块类型>.tasks上的RPCWorkQueue)
	Tasks     []timer.Task        // 周期任务(启动前声明)
	Clock     clock.Clock         // 周期任务时钟(默认使用应用的时钟)
}

// Queue 服务队列名
func Queue(v string) Option {
	return func(o *Options) {
		o.Queue = v
	}
}

// WorkQueue 自定义续作队列
func WorkQueue(q lifecycle.WorkQueue) Option {
	return func(o *Options) {
		o.WorkQueue = q
	}
}

// Periodic 声明周期任务
func Periodic(name string, interval time.Duration, fn timer.TaskFunc) Option {
	return func(o *Options) {
		o.Tasks = append(o.Tasks, timer.Task{Name: name, Interval: interval, Execute: fn})
	}
}

// Clock 周期任务时钟
func Clock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}
