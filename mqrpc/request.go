package mqrpc

import (
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/cloudapex/vair/mqrpc/core"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator 共享的参数校验器
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.SetTagName("validate")
	})
	return validate
}

// Request 服务端收到的请求
type Request struct {
	Method         string
	DataForMethod  map[string]any
	DataForManager map[string]any
	Header         core.Header
}

// NewRequest 由信封创建请求
func NewRequest(env *core.Envelope, header core.Header) *Request {
	return &Request{
		Method:         env.MethodName,
		DataForMethod:  env.DataForMethod,
		DataForManager: env.DataForManager,
		Header:         header,
	}
}

// Bind 解析data_for_method到v(json tag)并校验
func (r *Request) Bind(v any) error {
	return BindValid(r.DataForMethod, v)
}

// BindManager 解析data_for_manager到v并校验
func (r *Request) BindManager(v any) error {
	return BindValid(r.DataForManager, v)
}

// Decode 把map/slice等结构解码成v(json tag, 弱类型转换)
func Decode(input any, v any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           v,
		Squash:           true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return errors.Wrap(dec.Decode(input), "decode arguments")
}

// BindValid Decode之后再校验结构体(validate tag)
func BindValid(input any, v any) error {
	if err := Decode(input, v); err != nil {
		return err
	}
	if err := Validator().Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil // 非结构体不需要校验
		}
		return errors.Wrap(err, "validate arguments")
	}
	return nil
}
