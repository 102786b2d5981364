package app

import (
	"context"

	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/mqrpc/fabric"
	"github.com/cloudapex/vair/uow"
)

// IApp 应用定义
type IApp interface {
	OnInit() error
	OnDestroy() error

	Run(ctx context.Context, mods ...IModule) error

	// Config 获取启动配置
	Config() conf.Config

	// Options 获取应用配置
	Options() Options
	// Fabric 获取消息传输对象
	Fabric() *fabric.Fabric
	// DB 获取关系存储
	DB() *uow.DB
	// Events 获取审计事件记录器
	Events() lifecycle.EventRecorder
	// WorkDir 获取进程工作目录
	WorkDir() string
	// GetProcessEnv 获取应用进程分组ID(dev,test,...)
	GetProcessEnv() string

	// UpdateOptions 允许再次更新应用配置(before app.Run)
	UpdateOptions(opts ...Option) error

	// GetServer 获取模块服务的访问代理(通过服务类型moduleType)
	GetServer(moduleType string) IModuleServerSession

	// Call RPC调用(需要等待结果)
	Call(ctx context.Context, moduleType, _func string, opts ...mqrpc.CallOption) (any, error)
	// Cast RPC调用(无需等待结果)
	Cast(ctx context.Context, moduleType, _func string, opts ...mqrpc.CallOption) error

	// 回调(hook)
	OnConfigurationLoaded(func()) error        // 设置应用启动配置初始化完成后回调
	OnModuleInited(func(module IModule)) error // 设置每个模块初始化完成后回调
	GetModuleInited() func(module IModule)     // 获取每个模块初始化完成后回调函数
	OnStartup(func()) error                    // 设置应用启动完成后回调
}

// IModule 基本模块定义
type IModule interface {
	GetType() string // 模块类型
	Version() string // 模块版本

	Run(closeSig chan bool)

	OnInit(app IApp, settings *conf.ModuleSettings) error // 所有初始化逻辑都放到OnInit中(由派生类调用base.Init)
	OnDestroy()
	OnAppConfigurationLoaded(app IApp)           // 当App初始化时调用，这个接口不管这个模块是否在这个进程运行都会调用
	OnConfChanged(settings *conf.ModuleSettings) // 配置中心的模块配置变化时调用
}

// IRPCModule RPC模块定义
type IRPCModule interface {
	IModule

	// 模块服务ID
	GetServerID() string
	GetModuleSettings() (settings *conf.ModuleSettings)

	// 注册RPC方法(按方法名分发, 未注册的方法返回ErrUnknownMethod)
	Register(method string, f mqrpc.HandlerFunc)

	// 获取其他模块服务的访问代理
	GetServer(moduleType string) IModuleServerSession

	// RPC方法
	Call(ctx context.Context, moduleType, _func string, opts ...mqrpc.CallOption) (any, error)
	Cast(ctx context.Context, moduleType, _func string, opts ...mqrpc.CallOption) error
}

// IModuleServerSession Module服务会话代理(兄弟服务只通过rpc访问)
type IModuleServerSession interface {
	// 服务名称(moduleType)
	GetName() string
	// 服务队列
	GetQueue() string

	Call(ctx context.Context, _func string, opts ...mqrpc.CallOption) (any, error) // 等待返回结果
	Cast(ctx context.Context, _func string, opts ...mqrpc.CallOption) error        // 无需等待结果
}

// FileNameHandler 自定义日志文件名字
type FileNameHandler func(logdir, prefix, processID, suffix string) string
