package mqrpc

import (
	"fmt"

	"github.com/pkg/errors"
)

// rpc错误分类
var (
	ErrRpcCall               = errors.New("rpc call failed")
	ErrRpcCallTimeout        = errors.New("rpc call timeout")
	ErrRpcDeserializeMessage = errors.New("rpc message deserialize failed")
	ErrRpcClientInitialized  = errors.New("rpc client initialize failed")
	ErrRpcServerInitialized  = errors.New("rpc server initialize failed")
	ErrUnknownMethod         = errors.New("unknown rpc method")
	ErrClientClosed          = errors.New("rpc client closed")
)

// RpcCallError 远端方法执行失败(来自reply.err)
type RpcCallError struct {
	Method  string
	Message string
}

func (e *RpcCallError) Error() string {
	return fmt.Sprintf("rpc call %s: %s", e.Method, e.Message)
}

// Unwrap 支持errors.Is(err, ErrRpcCall)
func (e *RpcCallError) Unwrap() error { return ErrRpcCall }

// IsCallError 是否为远端执行错误
func IsCallError(err error) bool { return errors.Is(err, ErrRpcCall) }

// IsTimeout 是否为调用超时
func IsTimeout(err error) bool { return errors.Is(err, ErrRpcCallTimeout) }

// IsRemote 远端执行错误或超时(工作流中需要转换成error状态的错误)
func IsRemote(err error) bool { return IsCallError(err) || IsTimeout(err) }
