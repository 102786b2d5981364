package log

import "fmt"

// FileNameHandler 日志文件名生成函数
type FileNameHandler func(logdir, prefix, processID, suffix string) string

// Options 日志选项
type Options struct {
	Debug       bool            // 调试模式(同时输出到控制台)
	ProcessID   string          // 进程分组ID
	LogDir      string          // 日志目录(为空不写文件)
	LogFileName FileNameHandler // 日志文件名
	LogSetting  map[string]any  // level, maxsize, maxbackups, maxage, compress
}

// Option 日志选项设置函数
type Option func(cc *Options)

// WithDebug 调试模式
func WithDebug(v bool) Option {
	return func(cc *Options) {
		cc.Debug = v
	}
}

// WithProcessID 进程分组ID
func WithProcessID(v string) Option {
	return func(cc *Options) {
		cc.ProcessID = v
	}
}

// WithLogDir 日志目录
func WithLogDir(v string) Option {
	return func(cc *Options) {
		cc.LogDir = v
	}
}

// WithLogFileName 日志文件名
func WithLogFileName(v FileNameHandler) Option {
	return func(cc *Options) {
		cc.LogFileName = v
	}
}

// WithLogSetting 日志设置
func WithLogSetting(v map[string]any) Option {
	return func(cc *Options) {
		cc.LogSetting = v
	}
}

// NewOptions 创建选项
func NewOptions(opts ...Option) *Options {
	cc := newDefaultOptions()
	for _, opt := range opts {
		opt(cc)
	}
	return cc
}

func newDefaultOptions() *Options {
	return &Options{
		Debug:      false,
		LogSetting: map[string]any{},
		LogFileName: func(logdir, prefix, processID, suffix string) string {
			return fmt.Sprintf("%s/%v%s%s", logdir, prefix, processID, suffix)
		},
	}
}

func (cc *Options) settingString(key, def string) string {
	if v, ok := cc.LogSetting[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (cc *Options) settingInt(key string, def int) int {
	switch v := cc.LogSetting[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func (cc *Options) settingBool(key string, def bool) bool {
	if v, ok := cc.LogSetting[key].(bool); ok {
		return v
	}
	return def
}
