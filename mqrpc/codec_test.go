package mqrpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudapex/vair/mqrpc/core"
)

func allCodecs() []Codec {
	return []Codec{JSONCodec{}, MsgpackCodec{}, ProtoCodec{}}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	envs := []*core.Envelope{
		{MethodName: "get_storage", DataForMethod: map[string]any{"storage_id": "abc"}},
		{MethodName: "create_storage", DataForMethod: map[string]any{
			"name":  "s1",
			"specs": map[string]any{"path": "/dev/sdb1", "fs_type": "xfs"},
			"tags":  []any{"a", "b"},
			"size":  float64(1024),
		}, DataForManager: map[string]any{"user_id": "u1"}},
		{MethodName: "ping"},
	}
	for _, c := range allCodecs() {
		for _, env := range envs {
			data, err := EncodeEnvelope(c, env)
			require.NoError(t, err, c.Name())
			got, err := DecodeEnvelope(c, data)
			require.NoError(t, err, c.Name())
			assert.Equal(t, env, got, c.Name())
		}
	}
}

func TestEnvelopeNullFields(t *testing.T) {
	data, err := EncodeEnvelope(JSONCodec{}, &core.Envelope{MethodName: "ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"method_name":"ping","data_for_method":null,"data_for_manager":null}`, string(data))
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	bad := [][]byte{
		[]byte("not json"),
		[]byte(`{"data_for_method":{}}`),
		[]byte(`{"method_name":"x","data_for_method":[1,2]}`),
		[]byte(`null`),
	}
	for _, b := range bad {
		_, err := DecodeEnvelope(JSONCodec{}, b)
		assert.ErrorIs(t, err, ErrRpcDeserializeMessage, string(b))
	}
}

func TestReplyRoundTrip(t *testing.T) {
	type storage struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	for _, c := range allCodecs() {
		data, err := EncodeReply(c, &core.Reply{Data: storage{ID: "1", Status: "new"}})
		require.NoError(t, err)
		r, err := DecodeReply(c, data)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"id": "1", "status": "new"}, r.Data, c.Name())

		data, err = EncodeReply(c, &core.Reply{Err: "boom"})
		require.NoError(t, err)
		r, err = DecodeReply(c, data)
		require.NoError(t, err)
		assert.Equal(t, "boom", r.Err, c.Name())
	}
}

func TestDecodeReplyMalformed(t *testing.T) {
	_, err := DecodeReply(JSONCodec{}, []byte(`{"other":1}`))
	assert.ErrorIs(t, err, ErrRpcDeserializeMessage)
	_, err = DecodeReply(JSONCodec{}, []byte(`{"err":1}`))
	assert.ErrorIs(t, err, ErrRpcDeserializeMessage)
}

func TestCodecFor(t *testing.T) {
	assert.Equal(t, CodecMsgpack, CodecFor("application/msgpack", JSONCodec{}).Name())
	assert.Equal(t, CodecJSON, CodecFor("", JSONCodec{}).Name())
	_, err := NewCodec("xml")
	assert.Error(t, err)
}

func TestRequestBind(t *testing.T) {
	type args struct {
		Name    string `json:"name" validate:"required"`
		Size    int64  `json:"size"`
		Comment string `json:"comment"`
	}
	req := &Request{DataForMethod: map[string]any{"name": "v1", "size": float64(10)}}
	var a args
	require.NoError(t, req.Bind(&a))
	assert.Equal(t, args{Name: "v1", Size: 10}, a)

	req = &Request{DataForMethod: map[string]any{"size": "12"}}
	assert.Error(t, req.Bind(&args{}))
}

func TestReplyHelpers(t *testing.T) {
	n, err := Int64(float64(3), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = Int64(int8(-2), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), n)
	_, err = Int64("3", nil)
	assert.Error(t, err)

	_, err = String(nil, nil)
	assert.ErrorIs(t, err, ErrNil)

	l, err := List(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, l)

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, Unmarshal(&out, map[string]any{"id": "x"}, nil))
	assert.Equal(t, "x", out.ID)
}

func TestRpcCallError(t *testing.T) {
	err := error(&RpcCallError{Method: "m", Message: "boom"})
	assert.True(t, IsCallError(err))
	assert.True(t, IsRemote(err))
	assert.False(t, IsTimeout(err))
	assert.Equal(t, "rpc call m: boom", err.Error())
}
