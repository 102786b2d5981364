package network

import (
	"context"
	"errors"
	"testing"
	"time"

	jujuerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/modules/modtest"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/mqrpc/rpctest"
	"github.com/cloudapex/vair/uow"
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

func (e *env) seed(t *testing.T, rec Interface) {
	t.Helper()
	rec.CreatedAt = time.Now().UTC()
	require.NoError(t, uow.Do(context.Background(), e.DB, func(u *uow.UnitOfWork) error {
		if err := interfaces.Add(u, rec); err != nil {
			return err
		}
		return u.Commit()
	}))
}

func (e *env) load(t *testing.T, id string) Interface {
	t.Helper()
	rec, err := e.m.flow.Load(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (e *env) byName(t *testing.T, name string) (Interface, error) {
	t.Helper()
	var rec Interface
	err := uow.Do(context.Background(), e.DB, func(u *uow.UnitOfWork) error {
		var err error
		rec, err = interfaces.FindOne(u, map[string]any{"name": name})
		return err
	})
	return rec, err
}

func TestCreateBridge(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainCreate: rpctest.Handle(map[string]any{"name": "br0", "mac": "aa:bb:cc:dd:ee:ff", "power_state": PowerUp}, nil),
	})

	var created View
	e.MustCall(t, ModuleType, MethodCreateBridge, map[string]any{"name": "br0", "ip": "10.0.0.1/24", "interfaces": []string{"eth1"}}, &created)
	assert.Equal(t, lifecycle.StatusNew, created.Status)
	assert.Equal(t, TypeBridge, created.InfType)
	assert.Equal(t, PowerDown, created.PowerState)

	rpctest.Eventually(t, func() bool { return e.load(t, created.ID).Status == lifecycle.StatusAvailable })
	rec := e.load(t, created.ID)
	assert.Equal(t, PowerUp, rec.PowerState)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", rec.MAC)
	assert.Len(t, e.EventsMatching(created.ID, "Interface created successfully"), 1)

	calls := e.domain.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []any{"eth1"}, calls[0].Args["interfaces"])

	_, err := e.Call(ModuleType, MethodCreateBridge, map[string]any{"name": "br0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = e.Call(ModuleType, MethodCreateBridge, map[string]any{"name": "br1", "ip": "not-an-ip"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create bridge")
}

func TestCreateBridgeDomainFailure(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainCreate: rpctest.Handle(nil, errors.New("ovs-vsctl: no such bridge")),
	})
	var created View
	e.MustCall(t, ModuleType, MethodCreateBridge, map[string]any{"name": "br2"}, &created)
	rpctest.Eventually(t, func() bool { return e.load(t, created.ID).Status == lifecycle.StatusError })
	assert.Contains(t, e.load(t, created.ID).Information, "while creating a new bridge")
}

func TestDeleteBridge(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainDelete: rpctest.Handle(nil, nil),
	})
	e.seed(t, Interface{ID: "b1", Name: "br-old", InfType: TypeBridge, Status: lifecycle.StatusAvailable})
	e.seed(t, Interface{ID: "p1", Name: "eth0", InfType: TypePhysical, Status: lifecycle.StatusAvailable})

	_, err := e.Call(ModuleType, MethodDeleteBridge, map[string]any{"id": "p1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid")

	var deleting Interface
	e.MustCall(t, ModuleType, MethodDeleteBridge, map[string]any{"id": "b1"}, &deleting)
	assert.Equal(t, lifecycle.StatusDeleting, deleting.Status)
	rpctest.Eventually(t, func() bool {
		_, err := e.m.flow.Load(context.Background(), "b1")
		return jujuerrors.Is(err, jujuerrors.NotFound)
	})
	assert.Len(t, e.EventsMatching("b1", "Bridge was deleted successfully"), 1)
}

func TestTurnOnOff(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainEnable:  rpctest.Handle(nil, nil),
		domainDisable: rpctest.Handle(nil, nil),
	})
	e.seed(t, Interface{ID: "p2", Name: "eth2", InfType: TypePhysical, PowerState: PowerDown, Status: lifecycle.StatusAvailable})

	_, err := e.Call(ModuleType, MethodTurnOn, map[string]any{"name": "eth2"})
	require.NoError(t, err)
	_, err = e.Call(ModuleType, MethodTurnOff, map[string]any{"name": "eth2"})
	require.NoError(t, err)
	rpctest.Eventually(t, func() bool { return e.domain.Count(domainEnable) == 1 && e.domain.Count(domainDisable) == 1 })

	_, err = e.Call(ModuleType, MethodTurnOn, map[string]any{"name": "eth9"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMonitoring(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainGetInterfaces: rpctest.Handle([]any{
			map[string]any{"name": "lo", "inf_type": "physical", "power_state": PowerUp},
			map[string]any{"name": "eth0", "mac": "00:11:22:33:44:55", "ip": "192.168.1.10", "netmask": 24, "mtu": 1500, "power_state": PowerUp,
				"extra_specs": map[string]any{"driver": "e1000"}},
			map[string]any{"name": "eth1", "power_state": PowerDown},
		}, nil),
	})
	e.seed(t, Interface{ID: "p1", Name: "eth0", InfType: TypePhysical, PowerState: PowerDown, Status: lifecycle.StatusError})
	e.seed(t, Interface{ID: "gone", Name: "eth5", InfType: TypePhysical, Status: lifecycle.StatusAvailable})
	e.seed(t, Interface{ID: "vnet", Name: "vnet3", InfType: TypePhysical, Status: lifecycle.StatusAvailable})
	e.seed(t, Interface{ID: "busy", Name: "br9", InfType: TypeBridge, Status: lifecycle.StatusCreating})

	require.NoError(t, e.m.Monitoring(context.Background()))

	eth0 := e.load(t, "p1")
	assert.Equal(t, lifecycle.StatusAvailable, eth0.Status)
	assert.Equal(t, PowerUp, eth0.PowerState)
	assert.Equal(t, 24, eth0.Netmask)

	gone := e.load(t, "gone")
	assert.Equal(t, lifecycle.StatusError, gone.Status)
	assert.Equal(t, "Interface eth5 not found in os.", gone.Information)

	_, err := e.m.flow.Load(context.Background(), "vnet")
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotFound))
	assert.Equal(t, lifecycle.StatusCreating, e.load(t, "busy").Status)

	eth1, err := e.byName(t, "eth1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusAvailable, eth1.Status)
	assert.Equal(t, TypePhysical, eth1.InfType)

	var all []View
	e.MustCall(t, ModuleType, MethodGetAllInterfaces, map[string]any{"is_need_filter": true}, &all)
	names := map[string]View{}
	for _, v := range all {
		names[v.Name] = v
	}
	assert.NotContains(t, names, "lo")
	assert.Equal(t, "e1000", names["eth0"].ExtraSpecs["driver"])

	var one View
	e.MustCall(t, ModuleType, MethodGetInterface, map[string]any{"iface_id": "p1"}, &one)
	assert.Equal(t, "eth0", one.Name)
}

func TestTransientNames(t *testing.T) {
	assert.True(t, transient("ovs-system"))
	assert.True(t, transient("vnet12"))
	assert.False(t, transient("vnet"))
	assert.False(t, transient("vnetx"))
	assert.False(t, transient("eth0"))
}
