package mqrpc

import (
	"bytes"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cloudapex/vair/mqrpc/core"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// 支持的序列化类型
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
	CodecProto   = "proto"
)

// Codec 信封编解码(wire上只有map结构)
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v map[string]any) ([]byte, error)
	Unmarshal(data []byte) (map[string]any, error)
}

// NewCodec 按名称创建codec(空名称使用json)
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	case CodecProto:
		return ProtoCodec{}, nil
	}
	return nil, errors.Errorf("unsupported serializer %q", name)
}

// CodecFor 按消息头Content-Type选择codec, 未知类型使用def
func CodecFor(contentType string, def Codec) Codec {
	for _, c := range []Codec{JSONCodec{}, MsgpackCodec{}, ProtoCodec{}} {
		if c.ContentType() == contentType {
			return c
		}
	}
	return def
}

// JSONCodec utf-8 json(默认)
type JSONCodec struct{}

func (JSONCodec) Name() string        { return CodecJSON }
func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Marshal(v map[string]any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("empty object")
	}
	return m, nil
}

// MsgpackCodec msgpack编码
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string        { return CodecMsgpack }
func (MsgpackCodec) ContentType() string { return "application/msgpack" }

func (MsgpackCodec) Marshal(v map[string]any) ([]byte, error) { return msgpack.Marshal(v) }

func (MsgpackCodec) Unmarshal(data []byte) (map[string]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("empty object")
	}
	return m, nil
}

// ProtoCodec google.protobuf.Struct编码
type ProtoCodec struct{}

func (ProtoCodec) Name() string        { return CodecProto }
func (ProtoCodec) ContentType() string { return "application/x-protobuf" }

func (ProtoCodec) Marshal(v map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(v)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func (ProtoCodec) Unmarshal(data []byte) (map[string]any, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}

// Normalize 把任意结果转换成json兼容结构(map[string]any, []any, float64, string, bool, nil)
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch v.(type) {
	case string, bool, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "normalize %T", v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, errors.Wrapf(err, "normalize %T", v)
	}
	return out, nil
}

// NormalizeMap 同Normalize, 要求结果为对象
func NormalizeMap(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	m, ok := n.(map[string]any)
	if !ok {
		return nil, errors.Errorf("expected object, got %T", v)
	}
	return m, nil
}

// EncodeEnvelope 序列化请求信封
func EncodeEnvelope(c Codec, env *core.Envelope) ([]byte, error) {
	m := env.ToMap()
	for _, k := range []string{"data_for_method", "data_for_manager"} {
		if m[k] == nil {
			continue
		}
		n, err := Normalize(m[k])
		if err != nil {
			return nil, err
		}
		m[k] = n
	}
	return c.Marshal(m)
}

// DecodeEnvelope 反序列化请求信封, 失败返回ErrRpcDeserializeMessage
func DecodeEnvelope(c Codec, data []byte) (*core.Envelope, error) {
	m, err := c.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrap(ErrRpcDeserializeMessage, err.Error())
	}
	name, ok := m["method_name"].(string)
	if !ok || name == "" {
		return nil, errors.Wrap(ErrRpcDeserializeMessage, "missing method_name")
	}
	env := &core.Envelope{MethodName: name}
	if env.DataForMethod, err = optionalMap(m, "data_for_method"); err != nil {
		return nil, err
	}
	if env.DataForManager, err = optionalMap(m, "data_for_manager"); err != nil {
		return nil, err
	}
	return env, nil
}

func optionalMap(m map[string]any, key string) (map[string]any, error) {
	switch v := m[key].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	default:
		return nil, errors.Wrapf(ErrRpcDeserializeMessage, "%s must be an object, got %T", key, v)
	}
}

// EncodeReply 序列化回复
func EncodeReply(c Codec, r *core.Reply) ([]byte, error) {
	if r.Err == "" {
		n, err := Normalize(r.Data)
		if err != nil {
			return nil, err
		}
		r = &core.Reply{Data: n}
	}
	return c.Marshal(r.ToMap())
}

// DecodeReply 反序列化回复
func DecodeReply(c Codec, data []byte) (*core.Reply, error) {
	m, err := c.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrap(ErrRpcDeserializeMessage, err.Error())
	}
	if e, ok := m["err"]; ok {
		s, ok := e.(string)
		if !ok {
			return nil, errors.Wrapf(ErrRpcDeserializeMessage, "err must be a string, got %T", e)
		}
		return &core.Reply{Err: s}, nil
	}
	data2, ok := m["data"]
	if !ok {
		return nil, errors.Wrap(ErrRpcDeserializeMessage, "reply has neither data nor err")
	}
	return &core.Reply{Data: data2}, nil
}
