// Package tools 运行时辅助
package tools

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// Catch 把recover()的结果转换成带调用栈的错误(没有panic时返回nil)
func Catch(desc string, x interface{}) error {
	if x == nil {
		return nil
	}
	head := fmt.Sprintf("%s panic: %v\n", desc, x)

	buf := make([]byte, 256*10)
	size := runtime.Stack(buf, false)
	stack := string(buf[0:size])
	return fmt.Errorf("%v, stack:\n%v", head, stack)
}

// FuncFullNameRef 函数名, 指定分隔符时只取最后一段
func FuncFullNameRef(valFun reflect.Value, seps ...rune) string {
	fn := runtime.FuncForPC(valFun.Pointer()).Name()
	if len(seps) == 0 {
		return fn
	}

	fields := strings.FieldsFunc(fn, func(sep rune) bool {
		for _, s := range seps {
			if sep == s {
				return true
			}
		}
		return false
	})
	if size := len(fields); size > 0 {
		return strings.Split(fields[size-1], "-")[0]
	}
	return fn
}
