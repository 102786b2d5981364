// Package log 日志(loggo输出, lumberjack按大小切割文件)
package log

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	"go.opentelemetry.io/otel/trace"
)

const rootName = "vair"

var (
	mu     sync.Mutex
	logger = loggo.GetLogger(rootName)
	rotate *lumberjack.Logger
)

// Init 初始化日志
func Init(opts ...Option) error {
	o := NewOptions(opts...)

	mu.Lock()
	defer mu.Unlock()

	spec := o.settingString("level", "INFO")
	if err := loggo.ConfigureLoggers(fmt.Sprintf("<root>=%s", spec)); err != nil {
		return err
	}
	if more := o.settingString("spec", ""); more != "" {
		if err := loggo.ConfigureLoggers(more); err != nil {
			return err
		}
	}

	if o.Debug {
		loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(os.Stderr, loggo.DefaultFormatter))
	} else if o.LogDir != "" {
		_, _ = loggo.RemoveWriter(loggo.DefaultWriterName)
	}

	if rotate != nil {
		_, _ = loggo.RemoveWriter("file")
		_ = rotate.Close()
		rotate = nil
	}
	if o.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(o.LogDir, 0o755); err != nil {
		return err
	}
	rotate = &lumberjack.Logger{
		Filename:   o.LogFileName(o.LogDir, "", o.ProcessID, ".log"),
		MaxSize:    o.settingInt("maxsize", 300), // megabytes
		MaxBackups: o.settingInt("maxbackups", 5),
		MaxAge:     o.settingInt("maxage", 7),
		Compress:   o.settingBool("compress", true),
	}
	return loggo.RegisterWriter("file", loggo.NewSimpleWriter(rotate, loggo.DefaultFormatter))
}

// Close 关闭日志文件
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotate == nil {
		return nil
	}
	_, _ = loggo.RemoveWriter("file")
	err := rotate.Close()
	rotate = nil
	return err
}

// Logger 子日志器(如 vair.storage)
func Logger(name string) loggo.Logger {
	return logger.Child(name)
}

// Debug Debug
func Debug(format string, a ...any) {
	logger.LogCallf(2, loggo.DEBUG, format, a...)
}

// Info Info
func Info(format string, a ...any) {
	logger.LogCallf(2, loggo.INFO, format, a...)
}

// Warning Warning
func Warning(format string, a ...any) {
	logger.LogCallf(2, loggo.WARNING, format, a...)
}

// Error Error
func Error(format string, a ...any) {
	logger.LogCallf(2, loggo.ERROR, format, a...)
}

// TDebug 带链路信息的Debug
func TDebug(ctx context.Context, format string, a ...any) {
	logger.LogCallf(2, loggo.DEBUG, traceTag(ctx)+format, a...)
}

// TInfo 带链路信息的Info
func TInfo(ctx context.Context, format string, a ...any) {
	logger.LogCallf(2, loggo.INFO, traceTag(ctx)+format, a...)
}

// TWarning 带链路信息的Warning
func TWarning(ctx context.Context, format string, a ...any) {
	logger.LogCallf(2, loggo.WARNING, traceTag(ctx)+format, a...)
}

// TError 带链路信息的Error
func TError(ctx context.Context, format string, a ...any) {
	logger.LogCallf(2, loggo.ERROR, traceTag(ctx)+format, a...)
}

// traceTag "[trace] [span] "(ctx中没有span时为空)
func traceTag(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return fmt.Sprintf("[%s] [%s] ", sc.TraceID(), sc.SpanID())
}
