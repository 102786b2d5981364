// Package module 模块基类与模块管理器
package module

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"

	"github.com/cloudapex/vair/app"
	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/mqrpc/fabric"
	"github.com/cloudapex/vair/timer"
)

// 模块配置项
const (
	SettingDomainQueue        = "domain_queue"        // domain层队列(默认<type>.domain)
	SettingMonitoringInterval = "monitoring_interval" // 巡检间隔(秒)
	SettingCallTimeLimit      = "call_time_limit"     // 调用domain层的超时(秒)
)

// ModuleBase 默认的RPCModule实现
type ModuleBase struct {
	Impl     app.IRPCModule
	App      app.IApp
	serverID string

	mu       sync.RWMutex
	settings *conf.ModuleSettings

	opts      Options
	server    mqrpc.RPCServer
	tasks     lifecycle.WorkQueue
	scheduler *timer.Scheduler
	clients   *Clients
	listener  mqrpc.RPCListener
}

// Init 模块初始化(由派生类的OnInit调用)
func (this *ModuleBase) Init(a app.IApp, impl app.IRPCModule, settings *conf.ModuleSettings, opt ...Option) error {
	this.App = a
	this.Impl = impl
	this.settings = settings

	opts := Options{}
	for _, o := range opt {
		o(&opts)
	}
	if opts.Queue == "" {
		opts.Queue = impl.GetType()
	}
	if opts.Clock == nil {
		opts.Clock = a.Options().Clock
	}
	this.opts = opts

	if settings != nil && settings.ID != "" {
		this.serverID = settings.ID
	} else {
		this.serverID = fmt.Sprintf("%s@%s", impl.GetType(), uuid.New())
	}

	f := a.Fabric()
	if f == nil {
		return errors.Errorf("module %s: app has no messaging fabric", impl.GetType())
	}
	server, err := f.NewServer(opts.Queue)
	if err != nil {
		return errors.Wrapf(err, "module %s server", impl.GetType())
	}
	server.SetListener(this)
	this.server = server

	if opts.WorkQueue == nil {
		wq, err := newWorkQueue(f, impl.GetType())
		if err != nil {
			return errors.Wrapf(err, "module %s work queue", impl.GetType())
		}
		opts.WorkQueue = wq
	}
	this.tasks = opts.WorkQueue

	this.scheduler, err = timer.NewScheduler(opts.Clock, opts.Tasks...)
	if err != nil {
		return errors.Wrapf(err, "module %s scheduler", impl.GetType())
	}
	this.clients = NewClients(f)
	return nil
}

// newWorkQueue 按消息配置选择续作队列
func newWorkQueue(f *fabric.Fabric, moduleType string) (lifecycle.WorkQueue, error) {
	cfg := f.Config()
	switch cfg.WorkQueue {
	case "", conf.WorkQueueRPC:
		return lifecycle.NewRPCWorkQueue(f, lifecycle.TasksQueue(moduleType))
	case conf.WorkQueueLocal:
		return lifecycle.NewLocalWorkQueue(cfg.QueueMaxLength), nil
	}
	return nil, errors.Errorf("unknown work queue %q", cfg.WorkQueue)
}

// OnInit 当模块初始化时调用
func (this *ModuleBase) OnInit(a app.IApp, settings *conf.ModuleSettings) error {
	// 所有初始化逻辑都放到派生类的OnInit中, 重载OnInit不可调用基类!
	panic("ModuleBase: OnInit() must be implemented")
}

// Start 开始消费服务队列和续作队列, 启动周期任务
func (this *ModuleBase) Start() error {
	if err := this.tasks.Start(); err != nil {
		return err
	}
	if err := this.server.Start(); err != nil {
		return err
	}
	return this.scheduler.Start()
}

// Run 运行直到收到关闭信号
func (this *ModuleBase) Run(closeSig chan bool) {
	if err := this.Start(); err != nil {
		log.Error("module[%s] start: %v", this.serverID, err)
	}
	<-closeSig
}

// OnDestroy 当模块注销时调用(依次停止周期任务, 服务, 续作, 客户端)
func (this *ModuleBase) OnDestroy() {
	if this.scheduler != nil {
		if err := this.scheduler.Stop(); err != nil {
			log.Warning("module[%s] scheduler stop: %v", this.serverID, err)
		}
	}
	if this.server != nil {
		if err := this.server.Done(); err != nil {
			log.Warning("module[%s] server stop: %v", this.serverID, err)
		}
	}
	if this.tasks != nil {
		if err := this.tasks.Stop(); err != nil {
			log.Warning("module[%s] work queue stop: %v", this.serverID, err)
		}
	}
	if this.clients != nil {
		_ = this.clients.Close()
	}
}

// SetListener mqrpc.RPCListener
func (this *ModuleBase) SetListener(listener mqrpc.RPCListener) {
	this.listener = listener
}

// GetImpl 获取子类
func (this *ModuleBase) GetImpl() app.IRPCModule {
	return this.Impl
}

// GetServerID 节点ID
func (this *ModuleBase) GetServerID() string {
	return this.serverID
}

// GetModuleSettings 获取Config.Module[typ]中本进程的配置
func (this *ModuleBase) GetModuleSettings() *conf.ModuleSettings {
	this.mu.RLock()
	defer this.mu.RUnlock()
	return this.settings
}

// OnConfChanged 当配置变更时调用
func (this *ModuleBase) OnConfChanged(settings *conf.ModuleSettings) {
	this.mu.Lock()
	this.settings = settings
	this.mu.Unlock()
}

// OnAppConfigurationLoaded 当应用配置加载完成时调用
func (this *ModuleBase) OnAppConfigurationLoaded(a app.IApp) {
	// 当App初始化时调用，这个接口不管这个模块是否在这个进程运行都会调用
}

// Caller data_for_manager中的调用方信息, 每个请求解析一次
type Caller struct {
	UserID string `json:"user_id"`
}

// Register 注册RPC方法. 方法参数没有user_id时使用data_for_manager中的调用方
func (this *ModuleBase) Register(method string, f mqrpc.HandlerFunc) {
	this.server.Register(method, func(ctx context.Context, req *mqrpc.Request) (any, error) {
		if len(req.DataForManager) == 0 {
			return f(ctx, req)
		}
		var caller Caller
		if err := req.BindManager(&caller); err != nil {
			return nil, lifecycle.Invalid(err, "%s caller", method)
		}
		if caller.UserID != "" {
			if req.DataForMethod == nil {
				req.DataForMethod = map[string]any{}
			}
			if _, ok := req.DataForMethod["user_id"]; !ok {
				req.DataForMethod["user_id"] = caller.UserID
			}
		}
		return f(ctx, req)
	})
}

// Methods 已注册的RPC方法
func (this *ModuleBase) Methods() []string {
	return this.server.Methods()
}

// HandleJob 注册续作
func (this *ModuleBase) HandleJob(name string, h lifecycle.JobHandler) {
	this.tasks.Handle(name, h)
}

// Enqueue 投递续作
func (this *ModuleBase) Enqueue(ctx context.Context, job lifecycle.Job) error {
	return this.tasks.Enqueue(ctx, job)
}

// WorkQueue 续作队列
func (this *ModuleBase) WorkQueue() lifecycle.WorkQueue {
	return this.tasks
}

// GetServer 获取其他模块服务的访问代理
func (this *ModuleBase) GetServer(moduleType string) app.IModuleServerSession {
	return NewModuleServerSession(moduleType, moduleType, this.clients)
}

// DomainServer domain层的访问代理
func (this *ModuleBase) DomainServer() app.IModuleServerSession {
	queue := this.GetModuleSettings().GetString(SettingDomainQueue, this.Impl.GetType()+".domain")
	return NewModuleServerSession(this.Impl.GetType()+".domain", queue, this.clients)
}

// DomainTimeLimit 调用domain层的超时
func (this *ModuleBase) DomainTimeLimit(def time.Duration) time.Duration {
	return this.GetModuleSettings().GetSeconds(SettingCallTimeLimit, def)
}

// Call RPC调用(需要等待结果)
func (this *ModuleBase) Call(ctx context.Context, moduleType, _func string, opts ...mqrpc.CallOption) (any, error) {
	return this.clients.Call(ctx, moduleType, _func, opts...)
}

// Cast RPC调用(无需等待结果)
func (this *ModuleBase) Cast(ctx context.Context, moduleType, _func string, opts ...mqrpc.CallOption) error {
	return this.clients.Cast(ctx, moduleType, _func, opts...)
}

// ================= RPCListener[监听事件]

// NoFoundFunction 当hander未找到时调用
func (this *ModuleBase) NoFoundFunction(fn string) (mqrpc.HandlerFunc, error) {
	if this.listener != nil {
		return this.listener.NoFoundFunction(fn)
	}
	return nil, errors.Wrapf(mqrpc.ErrUnknownMethod, "%s on %s", fn, this.opts.Queue)
}

// BeforeHandle hander执行前调用
func (this *ModuleBase) BeforeHandle(fn string, callInfo *mqrpc.CallInfo) error {
	if this.listener != nil {
		return this.listener.BeforeHandle(fn, callInfo)
	}
	return nil
}

// OnError hander执行错误调用
func (this *ModuleBase) OnError(fn string, callInfo *mqrpc.CallInfo, err error) {
	if this.listener != nil {
		this.listener.OnError(fn, callInfo, err)
		return
	}
	if lifecycle.IsValidation(err) {
		log.Info("module[%s] %s rejected: %v", this.serverID, fn, err)
		return
	}
	log.Warning("module[%s] %s error: %v", this.serverID, fn, err)
}

// OnComplete hander成功执行完成时调用
func (this *ModuleBase) OnComplete(fn string, callInfo *mqrpc.CallInfo, execTime time.Duration) {
	if this.listener != nil {
		this.listener.OnComplete(fn, callInfo, execTime)
	}
}
