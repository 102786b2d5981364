package app

import (
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/juju/clock"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/mqrpc/fabric"
	"github.com/cloudapex/vair/uow"
)

// NewOptions APP选项, Option指定的值优先, 其次是启动参数
func NewOptions(opts ...Option) Options {
	opt := Options{
		Version:     "1.0.0",
		KillWaitTTL: 60 * time.Second,
		Debug:       true,
		Parse:       true,
		Clock:       clock.WallClock,
		LogFileName: defaultLogFileName,
	}
	for _, o := range opts {
		o(&opt)
	}

	var args startUpArgs
	if opt.Parse {
		args = parseStartUpArgs()
	}
	opt.fill(args)

	if opt.PProfAddr != "" {
		go servePProf(opt.PProfAddr)
	}
	return opt
}

func defaultLogFileName(logdir, prefix, processID, suffix string) string {
	return filepath.Join(logdir, prefix+processID+suffix)
}

// parseStartUpArgs 读取VAIR_*环境变量, 命令行参数覆盖环境变量
func parseStartUpArgs() startUpArgs {
	var args startUpArgs
	if err := cleanenv.ReadEnv(&args); err != nil {
		panic(err)
	}
	if flag.Parsed() {
		return args
	}
	flag.StringVar(&args.WorkDir, "wd", args.WorkDir, "work directory")
	flag.StringVar(&args.ProcessEnv, "env", args.ProcessEnv, "process env of the modules to run")
	flag.StringVar(&args.ConsulAddr, "consul", args.ConsulAddr, "consul server addr (comma separated)")
	flag.StringVar(&args.ConfigFile, "conf", args.ConfigFile, "local config file (consul is not used when set)")
	flag.StringVar(&args.LogDir, "log", args.LogDir, "log file directory")
	flag.StringVar(&args.PProfAddr, "pprof", args.PProfAddr, "listen pprof addr")
	flag.Parse()
	return args
}

// fill 补全Option没有指定的项
func (o *Options) fill(args startUpArgs) {
	o.ProcessEnv = firstOf(o.ProcessEnv, args.ProcessEnv, "dev")
	o.WorkDir = resolveWorkDir(firstOf(o.WorkDir, args.WorkDir))
	if len(o.ConsulAddr) == 0 && args.ConsulAddr != "" {
		o.ConsulAddr = strings.Split(args.ConsulAddr, ",")
	}
	o.ConfigKey = firstOf(o.ConfigKey, fmt.Sprintf("config/%s/server", o.ProcessEnv))
	o.ConfigFile = firstOf(o.ConfigFile, args.ConfigFile)
	o.LogDir = firstOf(o.LogDir, args.LogDir, filepath.Join(o.WorkDir, "bin", "logs"))
	if err := os.MkdirAll(o.LogDir, 0o755); err != nil {
		log.Warning("create log dir %s: %v", o.LogDir, err)
	}
	o.PProfAddr = firstOf(o.PProfAddr, args.PProfAddr)
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveWorkDir 切换到指定的工作目录并返回绝对路径
func resolveWorkDir(dir string) string {
	if dir != "" {
		if err := os.Chdir(dir); err != nil {
			panic(err)
		}
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	exe, _ := os.Executable()
	return filepath.Dir(exe)
}

// servePProf 独立端口上的pprof
func servePProf(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info("pprof listening on %s", addr)
	if err := server.ListenAndServe(); err != nil {
		log.Warning("pprof %s: %v", addr, err)
	}
}

// Options 应用级别配置
type Options struct {
	Version     string        // app的版本
	Debug       bool          // 是否打印日志到控制台(true)
	Parse       bool          // 是否由框架解析启动环境变量,默认为true
	WorkDir     string        // 工作目录(VAIR_WD)
	ProcessEnv  string        // 进程分组名称(VAIR_ENV, 默认dev)
	ConfigKey   string        // consul configKey(默认config/{env}/server)
	ConsulAddr  []string      // consul地址(VAIR_CONSUL)
	ConfigFile  string        // 本地配置文件, 设置后不使用consul(VAIR_CONF)
	LogDir      string        // 日志目录(VAIR_LOG, 默认{wd}/bin/logs)
	PProfAddr   string        // pprof监听地址(VAIR_PPROF)
	KillWaitTTL time.Duration // 服务关闭超时强杀(60s)
	Watch       bool          // 是否监视consul配置变化

	Fabric *fabric.Fabric          // 预先创建的消息传输(nil时按配置创建)
	DB     *uow.DB                 // 预先打开的关系存储(nil时按配置打开)
	Events lifecycle.EventRecorder // 审计事件(nil时按配置创建)
	Clock  clock.Clock             // 周期任务使用的时钟

	LogFileName FileNameHandler // 日志文件名(默认{logdir}/{prefix}{processID}{suffix})
}

// Option 应用级别配置项
type Option func(*Options)

// Version 应用版本
func Version(v string) Option {
	return func(o *Options) {
		o.Version = v
	}
}

// Debug 只有是在调试模式下才会在控制台打印日志, 非调试模式下只在日志文件中输出日志
func Debug(t bool) Option {
	return func(o *Options) {
		o.Debug = t
	}
}

// WorkDir 进程工作目录
func WorkDir(v string) Option {
	return func(o *Options) {
		o.WorkDir = v
	}
}

// ProcessEnv 进程分组环境
func ProcessEnv(v string) Option {
	return func(o *Options) {
		o.ProcessEnv = v
	}
}

// ConfigKey consul configKey
func ConfigKey(v string) Option {
	return func(o *Options) {
		o.ConfigKey = v
	}
}

// ConsulAddr consul地址
func ConsulAddr(v ...string) Option {
	return func(o *Options) {
		o.ConsulAddr = v
	}
}

// ConfigFile 本地配置文件
func ConfigFile(v string) Option {
	return func(o *Options) {
		o.ConfigFile = v
	}
}

// LogDir 日志存储路径
func LogDir(v string) Option {
	return func(o *Options) {
		o.LogDir = v
	}
}

// PProfAddr pprof监听地址
func PProfAddr(v string) Option {
	return func(o *Options) {
		o.PProfAddr = v
	}
}

// KillWaitTTL 服务关闭超时强杀
func KillWaitTTL(t time.Duration) Option {
	return func(o *Options) {
		o.KillWaitTTL = t
	}
}

// Watch 监视consul配置变化
func Watch(t bool) Option {
	return func(o *Options) {
		o.Watch = t
	}
}

// Parse 是否由框架解析启动环境变量
func Parse(t bool) Option {
	return func(o *Options) {
		o.Parse = t
	}
}

// WithFabric 使用已创建的消息传输
func WithFabric(f *fabric.Fabric) Option {
	return func(o *Options) {
		o.Fabric = f
	}
}

// WithDB 使用已打开的关系存储
func WithDB(db *uow.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithEvents 使用指定的审计事件记录器
func WithEvents(e lifecycle.EventRecorder) Option {
	return func(o *Options) {
		o.Events = e
	}
}

// WithClock 周期任务使用的时钟(测试中使用testclock)
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// WithLogFile 日志文件名称
func WithLogFile(name FileNameHandler) Option {
	return func(o *Options) {
		o.LogFileName = name
	}
}
