// Package vair 虚拟化控制面的异步编排框架
package vair

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"

	"github.com/cloudapex/vair/app"
	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/module"
	"github.com/cloudapex/vair/module/modules"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/mqrpc/fabric"
	"github.com/cloudapex/vair/uow"
)

// CreateApp 创建应用
func CreateApp(opts ...app.Option) app.IApp {
	return app.App(&DefaultApp{
		opts:    app.NewOptions(opts...),
		manager: module.NewModuleManager(),
	})
}

// DefaultApp 默认应用
type DefaultApp struct {
	opts app.Options

	manager *module.ModuleManager
	clients *module.Clients
	source  *conf.ConsulSource
	closers []func() error // 由应用创建的资源(倒序关闭)

	// 回调方法:
	onConfigurationLoaded func()                 // 应用启动配置初始化完成后回调
	onModuleInited        func(module app.IModule) // 每个模块初始化完成后回调
	onStartup             func()                 // 应用启动完成后回调
}

// initConfig 初始化 config(本地文件 > consul > 默认值)
func (this *DefaultApp) initConfig(ctx context.Context) error {
	if this.opts.ConfigFile != "" {
		return conf.LoadConfig(this.opts.ConfigFile)
	}
	if len(this.opts.ConsulAddr) > 0 {
		source, err := conf.NewConsulSource(this.opts.ConsulAddr[0], this.opts.ConfigKey)
		if err != nil {
			return err
		}
		cfg, _, err := source.Load(ctx, 0)
		if err != nil {
			return err
		}
		this.source = source
		conf.Conf = cfg
		return nil
	}
	cfg, err := conf.ParseConfig([]byte("{}"))
	if err != nil {
		return err
	}
	conf.Conf = cfg
	return nil
}

// initLogs 初始化 logs
func (this *DefaultApp) initLogs() error {
	return log.Init(
		log.WithDebug(this.opts.Debug),
		log.WithProcessID(this.opts.ProcessEnv),
		log.WithLogDir(this.opts.LogDir),
		log.WithLogFileName(log.FileNameHandler(this.opts.LogFileName)),
		log.WithLogSetting(conf.Conf.Log))
}

// initFabric 初始化消息传输(不支持的组合在这里失败)
func (this *DefaultApp) initFabric(ctx context.Context) error {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if this.opts.Fabric == nil {
		f, err := fabric.New(ctx, conf.Conf.Messaging, conf.Conf.RpcLog)
		if err != nil {
			return err
		}
		this.opts.Fabric = f
		this.closers = append(this.closers, f.Close)
	}
	this.clients = module.NewClients(this.opts.Fabric)
	this.closers = append(this.closers, this.clients.Close)
	log.Info("messaging %s/%s serializer %s", conf.Conf.Messaging.Type, this.opts.Fabric.Transport().Kind(), conf.Conf.Messaging.Serializer)
	return nil
}

// initDB 初始化关系存储
func (this *DefaultApp) initDB() error {
	if this.opts.DB != nil {
		return nil
	}
	db, err := uow.Open(conf.Conf.Database)
	if err != nil {
		return err
	}
	this.opts.DB = db
	this.closers = append(this.closers, db.Close)
	return nil
}

// initEvents 初始化审计事件
func (this *DefaultApp) initEvents() error {
	if this.opts.Events != nil {
		return nil
	}
	if conf.Conf.EventQueue == "" {
		this.opts.Events = lifecycle.LogEventRecorder{}
		return nil
	}
	rec, err := lifecycle.NewRPCEventRecorder(this.opts.Fabric, conf.Conf.EventQueue)
	if err != nil {
		return err
	}
	this.opts.Events = rec
	this.closers = append(this.closers, rec.Close)
	return nil
}

// OnInit 初始化(初始化modules之前执行)
func (this *DefaultApp) OnInit() error { return nil }

// OnDestroy 应用退出
func (this *DefaultApp) OnDestroy() error {
	this.manager.Destroy()
	var first error
	for i := len(this.closers) - 1; i >= 0; i-- {
		if err := this.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	this.closers = nil
	return first
}

// Run 运行应用直到ctx结束
func (this *DefaultApp) Run(ctx context.Context, mods ...app.IModule) error {
	// init config
	if err := this.initConfig(ctx); err != nil {
		return err
	}

	// init log
	if err := this.initLogs(); err != nil {
		return err
	}

	// callback
	if this.onConfigurationLoaded != nil {
		this.onConfigurationLoaded()
	}

	// init messaging, store, events
	if err := this.initFabric(ctx); err != nil {
		return err
	}
	if err := this.initDB(); err != nil {
		_ = this.OnDestroy()
		return err
	}
	if err := this.initEvents(); err != nil {
		_ = this.OnDestroy()
		return err
	}

	log.Info("vair %v starting...", this.opts.Version)

	// 1 RegisterRun
	if conf.Conf.Metrics.Addr != "" {
		this.manager.RegisterRun(modules.MetricsModule(conf.Conf.Metrics.Addr))
	}

	// 2 Register
	for _, m := range mods {
		m.OnAppConfigurationLoaded(this)
		this.manager.Register(m)
	}
	if err := this.OnInit(); err != nil {
		_ = this.OnDestroy()
		return err
	}

	// 3 init modules
	if err := this.manager.Init(this, this.opts.ProcessEnv); err != nil {
		_ = this.OnDestroy()
		return err
	}

	// 4 startup callback
	if this.onStartup != nil {
		this.onStartup()
	}
	log.Info("vair %v started", this.opts.Version)

	g, gctx := errgroup.WithContext(ctx)
	if this.opts.Watch && this.source != nil {
		w := conf.NewWatcher(this.source, conf.Conf, func(cfg conf.Config) {
			log.Info("configuration %s changed", this.opts.ConfigKey)
			conf.Conf = cfg
			this.manager.ConfChanged(cfg, this.opts.ProcessEnv)
		}, func(err error) {
			log.Warning("watch configuration: %v", err)
		})
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	// 超时则强制返回
	timeout := time.NewTimer(this.opts.KillWaitTTL)
	defer timeout.Stop()
	wait := make(chan error, 1)
	go func() {
		wait <- this.OnDestroy()
	}()
	select {
	case <-timeout.C:
		return errors.Errorf("vair close timeout after %v", this.opts.KillWaitTTL)
	case err := <-wait:
		log.Info("vair closing down")
		_ = log.Close()
		if runErr != nil {
			return runErr
		}
		return err
	}
}

// Config 获取启动配置
func (this *DefaultApp) Config() conf.Config { return conf.Conf }

// Options 获取应用选项
func (this *DefaultApp) Options() app.Options { return this.opts }

// Fabric 获取消息传输对象
func (this *DefaultApp) Fabric() *fabric.Fabric { return this.opts.Fabric }

// DB 获取关系存储
func (this *DefaultApp) DB() *uow.DB { return this.opts.DB }

// Events 获取审计事件记录器
func (this *DefaultApp) Events() lifecycle.EventRecorder { return this.opts.Events }

// WorkDir 获取进程工作目录
func (this *DefaultApp) WorkDir() string { return this.opts.WorkDir }

// GetProcessEnv 获取应用进程分组环境ID
func (this *DefaultApp) GetProcessEnv() string { return this.opts.ProcessEnv }

// UpdateOptions 允许再次更新应用配置(before app.Run)
func (this *DefaultApp) UpdateOptions(opts ...app.Option) error {
	for _, o := range opts {
		o(&this.opts)
	}
	return nil
}

// GetServer 获取模块服务的访问代理
func (this *DefaultApp) GetServer(moduleType string) app.IModuleServerSession {
	return module.NewModuleServerSession(moduleType, moduleType, this.clientPool())
}

func (this *DefaultApp) clientPool() *module.Clients {
	if this.clients == nil {
		this.clients = module.NewClients(this.opts.Fabric)
		this.closers = append(this.closers, this.clients.Close)
	}
	return this.clients
}

// Call RPC调用(需要等待结果)
func (this *DefaultApp) Call(ctx context.Context, moduleType, _func string, opts ...mqrpc.CallOption) (any, error) {
	if this.opts.Fabric == nil {
		return nil, fmt.Errorf("call %s.%s: %w", moduleType, _func, mqrpc.ErrRpcClientInitialized)
	}
	return this.GetServer(moduleType).Call(ctx, _func, opts...)
}

// Cast RPC调用(无需等待结果)
func (this *DefaultApp) Cast(ctx context.Context, moduleType, _func string, opts ...mqrpc.CallOption) error {
	if this.opts.Fabric == nil {
		return fmt.Errorf("cast %s.%s: %w", moduleType, _func, mqrpc.ErrRpcClientInitialized)
	}
	return this.GetServer(moduleType).Cast(ctx, _func, opts...)
}

// --------------- 回调(hook)

// OnConfigurationLoaded 设置应用启动配置初始化完成后回调
func (this *DefaultApp) OnConfigurationLoaded(_func func()) error {
	this.onConfigurationLoaded = _func
	return nil
}

// OnModuleInited 设置每个模块初始化完成后回调
func (this *DefaultApp) OnModuleInited(_func func(module app.IModule)) error {
	this.onModuleInited = _func
	return nil
}

// GetModuleInited 获取每个模块初始化完成后回调函数
func (this *DefaultApp) GetModuleInited() func(module app.IModule) { return this.onModuleInited }

// OnStartup 设置应用启动完成后回调
func (this *DefaultApp) OnStartup(_func func()) error {
	this.onStartup = _func
	return nil
}
