package mqrpc

import (
	"reflect"

	"github.com/pkg/errors"
)

// ErrNil 回复为空
var ErrNil = errors.New("mqrpc: nil returned")

// as 把回复断言为T, err不为nil时原样返回
func as[T any](name string, reply any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if reply == nil {
		return zero, ErrNil
	}
	v, ok := reply.(T)
	if !ok {
		return zero, errors.Errorf("mqrpc: unexpected type for %s, got type %T", name, reply)
	}
	return v, nil
}

// String 字符串回复
func String(reply any, err error) (string, error) {
	return as[string]("String", reply, err)
}

// JsMap 对象回复
func JsMap(reply any, err error) (map[string]any, error) {
	return as[map[string]any]("JsMap", reply, err)
}

// List 数组回复, nil视为空列表
func List(reply any, err error) ([]any, error) {
	l, err := as[[]any]("List", reply, err)
	if errors.Is(err, ErrNil) {
		return []any{}, nil
	}
	return l, err
}

// Int64 数值回复. json解码后是float64, msgpack解码后可能是任意宽度的整数
func Int64(reply any, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	if reply == nil {
		return 0, ErrNil
	}
	v := reflect.ValueOf(reply)
	switch {
	case v.CanInt():
		return v.Int(), nil
	case v.CanUint():
		return int64(v.Uint()), nil
	case v.CanFloat():
		return int64(v.Float()), nil
	}
	return 0, errors.Errorf("mqrpc: unexpected type for Int64, got type %T", reply)
}

// Unmarshal 把回复解码到pObj(json tag)
func Unmarshal(pObj any, reply any, err error) error {
	if err != nil {
		return err
	}
	if reply == nil {
		return ErrNil
	}
	return Decode(reply, pObj)
}
