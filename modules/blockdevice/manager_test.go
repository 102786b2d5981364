package blockdevice

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/modules/modtest"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/mqrpc/rpctest"
)

type env struct {
	*modtest.Harness
	m      *Manager
	domain *rpctest.FakeServer
}

func setup(t *testing.T, domain map[string]mqrpc.HandlerFunc) *env {
	t.Helper()
	h := modtest.New(t)
	e := &env{Harness: h, m: new(Manager)}
	e.domain = rpctest.Serve(t, h.Fabric, ModuleType+".domain", domain)
	h.Start(t, e.m, nil)
	return e
}

func (e *env) sessions(t *testing.T) []Session {
	t.Helper()
	var out []Session
	e.MustCall(t, ModuleType, MethodGetAllSessions, nil, &out)
	return out
}

func TestLoginLogout(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainLogin:  rpctest.Handle(map[string]any{"port": 3260}, nil),
		domainLogout: rpctest.Handle("logged out", nil),
	})

	var sess Session
	e.MustCall(t, ModuleType, MethodLogin, map[string]any{"ip": "10.0.0.5"}, &sess)
	assert.Equal(t, lifecycle.StatusAvailable, sess.Status)
	assert.Equal(t, "3260", sess.Port)
	assert.Equal(t, TypeISCSI, sess.InfType)
	assert.Len(t, e.EventsMatching(sess.ID, "Successfully logged into"), 1)

	_, err := e.Call(ModuleType, MethodLogin, map[string]any{"ip": "10.0.0.5"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	res, err := mqrpc.String(e.Call(ModuleType, MethodLogout, map[string]any{"ip": "10.0.0.5"}))
	require.NoError(t, err)
	assert.Equal(t, "logged out", res)
	assert.Empty(t, e.sessions(t))
}

func TestLoginFailureRollsBack(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainLogin: rpctest.Handle(nil, errors.New("iscsiadm: no portal found")),
	})
	_, err := e.Call(ModuleType, MethodLogin, map[string]any{"ip": "10.0.0.6", "port": "3260"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no portal found")
	assert.Empty(t, e.sessions(t))
	assert.Len(t, e.EventsMatching("", "An error occurred while logging in"), 1)
}

func TestLogoutFailureStillDeletes(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainLogin:  rpctest.Handle(map[string]any{}, nil),
		domainLogout: rpctest.Handle(nil, errors.New("session busy")),
	})
	e.MustCall(t, ModuleType, MethodLogin, map[string]any{"ip": "10.0.0.7"}, nil)
	_, err := e.Call(ModuleType, MethodLogout, map[string]any{"ip": "10.0.0.7"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session busy")
	assert.Empty(t, e.sessions(t))

	_, err = e.Call(ModuleType, MethodLogout, map[string]any{"ip": "10.0.0.7"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestHostIQNAndLipScan(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainGetHostIQN: rpctest.Handle("iqn.1993-08.org.debian:01:abc", nil),
		domainLipScan:    rpctest.Handle(map[string]any{"hosts": []any{"host1"}}, nil),
	})
	out, err := mqrpc.JsMap(e.Call(ModuleType, MethodGetHostIQN, nil))
	require.NoError(t, err)
	assert.Equal(t, "iqn.1993-08.org.debian:01:abc", out["iqn"])

	scan, err := mqrpc.JsMap(e.Call(ModuleType, MethodLipScan, nil))
	require.NoError(t, err)
	assert.Equal(t, []any{"host1"}, scan["hosts"])

	calls := e.domain.Calls()
	require.Len(t, calls, 2)
}
