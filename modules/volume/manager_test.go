package volume

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
	"github.com/cloudapex/vair/modules/storage"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/mqrpc/rpctest"
	"github.com/cloudapex/vair/uow"
)

const gib = int64(1) << 30

type env struct {
	*modtest.Harness
	m       *Manager
	domain  *rpctest.FakeServer
	storage *rpctest.FakeServer
}

func storagePool(status string, available int64) map[string]any {
	return map[string]any{
		"id": "s1", "name": "pool", "storage_type": "nfs", "status": status, "available": available,
		"specs": map[string]any{"ip": "10.0.0.5", "path": "/export", "mount_point": "/mnt/pool"},
	}
}

func setup(t *testing.T, domain map[string]mqrpc.HandlerFunc, pool map[string]any) *env {
	t.Helper()
	h := modtest.New(t)
	e := &env{Harness: h, m: new(Manager)}
	e.domain = rpctest.Serve(t, h.Fabric, ModuleType+".domain", domain)
	e.storage = rpctest.Serve(t, h.Fabric, storageModule, map[string]mqrpc.HandlerFunc{
		storage.MethodGetStorage:     rpctest.Handle(pool, nil),
		storage.MethodGetAllStorages: rpctest.Handle([]any{pool}, nil),
	})
	h.Start(t, e.m, nil)
	return e
}

func (e *env) seed(t *testing.T, rec Volume, vms ...string) {
	t.Helper()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.StorageID == "" {
		rec.StorageID = "s1"
	}
	require.NoError(t, uow.Do(context.Background(), e.DB, func(u *uow.UnitOfWork) error {
		if err := volumes.Add(u, rec); err != nil {
			return err
		}
		for _, vm := range vms {
			if err := attachments.Add(u, Attachment{ID: rec.ID + "-" + vm, VolumeID: rec.ID, VMID: vm}); err != nil {
				return err
			}
		}
		return u.Commit()
	}))
}

func (e *env) load(t *testing.T, id string) View {
	t.Helper()
	v, err := e.m.view(context.Background(), id)
	require.NoError(t, err)
	return v
}

func TestCreateVolume(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainCreate: rpctest.Handle(map[string]any{"size": 2 * gib, "used": 196608}, nil),
	}, storagePool("available", 10*gib))

	var created View
	e.MustCall(t, ModuleType, MethodCreateVolume, map[string]any{
		"name": "disk0", "storage_id": "s1", "size": 2 * gib, "user_id": "u1",
	}, &created)
	assert.Equal(t, lifecycle.StatusNew, created.Status)
	assert.Equal(t, FormatQcow2, created.Format)
	assert.Empty(t, created.Attachments)

	rpctest.Eventually(t, func() bool { return e.load(t, created.ID).Status == lifecycle.StatusAvailable })
	v := e.load(t, created.ID)
	assert.Equal(t, "/mnt/pool", v.Path)
	assert.Equal(t, "nfs", v.StorageType)
	assert.Equal(t, int64(196608), v.Used)
	assert.Equal(t, 1, e.domain.Count(domainCreate))
	rpctest.Eventually(t, func() bool { return len(e.EventsMatching(created.ID, "successfully created")) == 1 })

	// 同一存储上不能重名
	_, err := e.Call(ModuleType, MethodCreateVolume, map[string]any{"name": "disk0", "storage_id": "s1", "size": gib})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCreateVolumeValidation(t *testing.T) {
	e := setup(t, nil, storagePool("available", gib))
	_, err := e.Call(ModuleType, MethodCreateVolume, map[string]any{"name": "x", "storage_id": "s1", "size": 0})
	require.Error(t, err)
	_, err = e.Call(ModuleType, MethodCreateVolume, map[string]any{"name": "x", "storage_id": "s1", "size": gib, "format": "vmdk"})
	require.Error(t, err)

	var all []View
	e.MustCall(t, ModuleType, MethodGetAllVolumes, nil, &all)
	assert.Empty(t, all)
}

func TestCreateVolumeNoSpace(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainCreate: rpctest.Handle(map[string]any{}, nil),
	}, storagePool("available", gib))

	var created View
	e.MustCall(t, ModuleType, MethodCreateVolume, map[string]any{"name": "big", "storage_id": "s1", "size": 5 * gib}, &created)
	rpctest.Eventually(t, func() bool { return e.load(t, created.ID).Status == lifecycle.StatusError })
	assert.Contains(t, e.load(t, created.ID).Information, "An error occurred while creating volume")
	assert.Zero(t, e.domain.Count(domainCreate))
	rpctest.Eventually(t, func() bool { return len(e.EventsMatching(created.ID, "not enough free space")) == 1 })
}

func TestCreateVolumeDomainFailure(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainCreate: rpctest.Handle(nil, errors.New("qemu-img failed")),
	}, storagePool("available", 10*gib))

	var created View
	e.MustCall(t, ModuleType, MethodCreateVolume, map[string]any{"name": "d", "storage_id": "s1", "size": gib}, &created)
	rpctest.Eventually(t, func() bool { return e.load(t, created.ID).Status == lifecycle.StatusError })
	v := e.load(t, created.ID)
	assert.Contains(t, v.Information, "calling the domain layer")
	assert.Contains(t, v.Information, "qemu-img failed")
}

func TestExtendVolume(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainExtend: rpctest.Handle(nil, nil),
	}, storagePool("available", 10*gib))
	rpctest.Serve(t, e.Fabric, vmModule, map[string]mqrpc.HandlerFunc{
		siblingGetVM: rpctest.Handle(map[string]any{"id": "vm1", "power_state": "shut_off"}, nil),
	})
	e.seed(t, Volume{ID: "v1", Name: "d", StorageType: "nfs", Size: gib, Status: lifecycle.StatusAvailable}, "vm1")

	_, err := e.Call(ModuleType, MethodExtendVolume, map[string]any{"volume_id": "v1", "new_size": gib})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be bigger")

	var extending View
	e.MustCall(t, ModuleType, MethodExtendVolume, map[string]any{"volume_id": "v1", "new_size": 3 * gib}, &extending)
	assert.Equal(t, lifecycle.StatusExtending, extending.Status)

	rpctest.Eventually(t, func() bool { return e.load(t, "v1").Status == lifecycle.StatusAvailable })
	assert.Equal(t, 3*gib, e.load(t, "v1").Size)
	calls := e.domain.Calls()
	require.Len(t, calls, 1)
	assert.EqualValues(t, 3*gib, calls[0].Args["new_size"])
}

func TestExtendVolumeAttachedToRunningVM(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainExtend: rpctest.Handle(nil, nil),
	}, storagePool("available", 10*gib))
	rpctest.Serve(t, e.Fabric, vmModule, map[string]mqrpc.HandlerFunc{
		siblingGetVM: rpctest.Handle(map[string]any{"id": "vm1", "power_state": "running"}, nil),
	})
	e.seed(t, Volume{ID: "v2", Name: "d", StorageType: "nfs", Size: gib, Status: lifecycle.StatusAvailable}, "vm1")

	e.MustCall(t, ModuleType, MethodExtendVolume, map[string]any{"volume_id": "v2", "new_size": 2 * gib}, nil)
	rpctest.Eventually(t, func() bool { return len(e.EventsMatching("v2", "not shut off")) == 1 })
	v := e.load(t, "v2")
	assert.Equal(t, lifecycle.StatusAvailable, v.Status)
	assert.Equal(t, gib, v.Size)
	assert.Contains(t, v.Information, "vm1")
	assert.Zero(t, e.domain.Count(domainExtend))
}

func TestDeleteVolume(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainDelete: rpctest.Handle(nil, nil),
	}, storagePool("available", gib))
	e.seed(t, Volume{ID: "v3", Name: "d", StorageType: "nfs", Status: lifecycle.StatusAvailable})
	e.seed(t, Volume{ID: "v4", Name: "attached", Status: lifecycle.StatusAvailable}, "vm9")
	e.seed(t, Volume{ID: "v5", Name: "fresh", Status: lifecycle.StatusNew})
	e.seed(t, Volume{ID: "v6", Name: "busy", Status: lifecycle.StatusExtending})

	var deleting View
	e.MustCall(t, ModuleType, MethodDeleteVolume, map[string]any{"volume_id": "v3"}, &deleting)
	assert.Equal(t, lifecycle.StatusDeleting, deleting.Status)
	rpctest.Eventually(t, func() bool {
		_, err := e.m.view(context.Background(), "v3")
		return jujuerrors.Is(err, jujuerrors.NotFound)
	})
	assert.Equal(t, 1, e.domain.Count(domainDelete))

	_, err := e.Call(ModuleType, MethodDeleteVolume, map[string]any{"volume_id": "v4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vm9")
	assert.Equal(t, lifecycle.StatusAvailable, e.load(t, "v4").Status)

	e.MustCall(t, ModuleType, MethodDeleteVolume, map[string]any{"volume_id": "v5"}, nil)
	_, err = e.m.view(context.Background(), "v5")
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotFound))
	assert.Equal(t, 1, e.domain.Count(domainDelete))

	_, err = e.Call(ModuleType, MethodDeleteVolume, map[string]any{"volume_id": "v6"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status is extending")
}

func TestDeleteVolumeWithoutStorageType(t *testing.T) {
	e := setup(t, nil, storagePool("available", gib))
	e.seed(t, Volume{ID: "v7", Name: "never-created", Status: lifecycle.StatusError})

	e.MustCall(t, ModuleType, MethodDeleteVolume, map[string]any{"volume_id": "v7"}, nil)
	rpctest.Eventually(t, func() bool {
		_, err := e.m.view(context.Background(), "v7")
		return jujuerrors.Is(err, jujuerrors.NotFound)
	})
	assert.Zero(t, e.domain.Count(domainDelete))
}

func TestEditVolume(t *testing.T) {
	e := setup(t, nil, storagePool("available", gib))
	e.seed(t, Volume{ID: "v8", Name: "a", Status: lifecycle.StatusAvailable})
	e.seed(t, Volume{ID: "v9", Name: "b", Status: lifecycle.StatusAvailable})
	e.seed(t, Volume{ID: "v10", Name: "c", Status: lifecycle.StatusError})

	var edited View
	e.MustCall(t, ModuleType, MethodEditVolume, map[string]any{
		"volume_id": "v8", "name": "a2", "description": "boot disk", "read_only": true,
	}, &edited)
	assert.Equal(t, "a2", edited.Name)
	assert.Equal(t, "boot disk", edited.Description)
	assert.True(t, edited.ReadOnly)

	_, err := e.Call(ModuleType, MethodEditVolume, map[string]any{"volume_id": "v8", "name": "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = e.Call(ModuleType, MethodEditVolume, map[string]any{"volume_id": "v10", "name": "c2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status is error")
}

func TestAttachDetachVolume(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainAttachInfo: rpctest.Handle(map[string]any{"path": "/mnt/pool/volume-v11", "format": "qcow2"}, nil),
	}, storagePool("available", gib))
	e.seed(t, Volume{ID: "v11", Name: "d", StorageType: "nfs", Status: lifecycle.StatusAvailable})

	info, err := mqrpc.JsMap(e.Call(ModuleType, MethodAttachVolume, map[string]any{"volume_id": "v11", "vm_id": "vm1", "target": "vda"}))
	require.NoError(t, err)
	assert.Equal(t, "/mnt/pool/volume-v11", info["path"])

	_, err = e.Call(ModuleType, MethodAttachVolume, map[string]any{"volume_id": "v11", "vm_id": "vm1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	var free []View
	e.MustCall(t, ModuleType, MethodGetAllVolumes, map[string]any{"free_volumes": true}, &free)
	assert.Empty(t, free)

	var detached View
	e.MustCall(t, ModuleType, MethodDetachVolume, map[string]any{"volume_id": "v11", "vm_id": "vm1"}, &detached)
	assert.Empty(t, detached.Attachments)

	_, err = e.Call(ModuleType, MethodDetachVolume, map[string]any{"volume_id": "v11", "vm_id": "vm1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMonitoring(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainAttachInfo: func(ctx context.Context, req *mqrpc.Request) (any, error) {
			if req.DataForManager["name"] == "gone" {
				return nil, errors.New("no such file")
			}
			return map[string]any{"size": 4 * gib, "used": gib}, nil
		},
	}, storagePool("available", gib))
	e.seed(t, Volume{ID: "m1", Name: "ok", Size: gib, Status: lifecycle.StatusError, Information: "old"})
	e.seed(t, Volume{ID: "m2", Name: "gone", Status: lifecycle.StatusAvailable})
	e.seed(t, Volume{ID: "m3", Name: "orphan", StorageID: "s-missing", Status: lifecycle.StatusAvailable})
	e.seed(t, Volume{ID: "m4", Name: "busy", Status: lifecycle.StatusDeleting})

	require.NoError(t, e.m.Monitoring(context.Background()))

	ok := e.load(t, "m1")
	assert.Equal(t, lifecycle.StatusAvailable, ok.Status)
	assert.Equal(t, 4*gib, ok.Size)
	assert.Equal(t, gib, ok.Used)
	assert.Empty(t, ok.Information)

	gone := e.load(t, "m2")
	assert.Equal(t, lifecycle.StatusError, gone.Status)
	assert.Contains(t, gone.Information, "no such file")

	orphan := e.load(t, "m3")
	assert.Equal(t, lifecycle.StatusError, orphan.Status)
	assert.Contains(t, orphan.Information, "s-missing")

	assert.Equal(t, lifecycle.StatusDeleting, e.load(t, "m4").Status)
	assert.Equal(t, 2, e.domain.Count(domainAttachInfo))
}
