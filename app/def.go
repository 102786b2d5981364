// Package app 应用与模块接口定义
package app

import "sync"

var (
	defaultMu  sync.RWMutex
	defaultApp IApp
)

// App 获取默认应用(传入set时设置)
func App(set ...IApp) IApp {
	if len(set) != 0 {
		defaultMu.Lock()
		defaultApp = set[0]
		defaultMu.Unlock()
		return set[0]
	}
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultApp
}

// startUpArgs 启动参数(环境变量, 命令行参数优先)
type startUpArgs struct {
	WorkDir    string `env:"VAIR_WD"`
	ProcessEnv string `env:"VAIR_ENV" env-default:"dev"`
	ConsulAddr string `env:"VAIR_CONSUL"`
	ConfigFile string `env:"VAIR_CONF"`
	LogDir     string `env:"VAIR_LOG"`
	PProfAddr  string `env:"VAIR_PPROF"`
}
