package template

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

type env struct {
	*modtest.Harness
	m       *Manager
	domain  *rpctest.FakeServer
	volumes *rpctest.FakeServer
}

func setup(t *testing.T, domain map[string]mqrpc.HandlerFunc, related []any) *env {
	t.Helper()
	h := modtest.New(t)
	e := &env{Harness: h, m: new(Manager)}
	e.domain = rpctest.Serve(t, h.Fabric, ModuleType+".domain", domain)
	rpctest.Serve(t, h.Fabric, storage.ModuleType, map[string]mqrpc.HandlerFunc{
		storage.MethodGetStorage: rpctest.Handle(map[string]any{
			"id": "s1", "status": "available", "available": 100 << 20,
			"specs": map[string]any{"mount_point": "/mnt/pool"},
		}, nil),
	})
	e.volumes = rpctest.Serve(t, h.Fabric, volumeModule, map[string]mqrpc.HandlerFunc{
		siblingGetVolume: func(ctx context.Context, req *mqrpc.Request) (any, error) {
			if req.DataForMethod["volume_id"] == "busy" {
				return map[string]any{"id": "busy", "status": "extending", "size": 1 << 20, "path": "/mnt/pool"}, nil
			}
			return map[string]any{"id": "vol1", "name": "base", "status": "available", "size": 1 << 20, "path": "/mnt/pool"}, nil
		},
		siblingListVolumes: rpctest.Handle(related, nil),
		siblingCreateVolume: func(ctx context.Context, req *mqrpc.Request) (any, error) {
			return map[string]any{"id": "new-vol", "name": req.DataForMethod["name"], "status": "new"}, nil
		},
	})
	h.Start(t, e.m, nil)
	return e
}

func (e *env) seed(t *testing.T, rec Template) {
	t.Helper()
	rec.CreatedAt = time.Now().UTC()
	if rec.StorageID == "" {
		rec.StorageID = "s1"
	}
	if rec.Format == "" {
		rec.Format = "qcow2"
	}
	require.NoError(t, uow.Do(context.Background(), e.DB, func(u *uow.UnitOfWork) error {
		if err := templates.Add(u, rec); err != nil {
			return err
		}
		return u.Commit()
	}))
}

func (e *env) load(t *testing.T, id string) Template {
	t.Helper()
	rec, err := e.m.flow.Load(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestCreateTemplate(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainCreate: rpctest.Handle(map[string]any{"path": "/mnt/pool/template-ubuntu", "size": 2 << 20}, nil),
	}, nil)

	var created Template
	e.MustCall(t, ModuleType, MethodCreateTemplate, map[string]any{
		"name": "ubuntu", "storage_id": "s1", "base_volume_id": "vol1", "is_backing": true,
	}, &created)
	assert.Equal(t, lifecycle.StatusNew, created.Status)
	assert.Equal(t, "/mnt/pool/template-ubuntu", created.Path)

	rpctest.Eventually(t, func() bool { return e.load(t, created.ID).Status == lifecycle.StatusAvailable })
	assert.Equal(t, int64(2<<20), e.load(t, created.ID).Size)
	calls := e.domain.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/mnt/pool/volume-vol1", calls[0].Args["source_disk_path"])

	_, err := e.Call(ModuleType, MethodCreateTemplate, map[string]any{"name": "ubuntu", "storage_id": "s1", "base_volume_id": "vol1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = e.Call(ModuleType, MethodCreateTemplate, map[string]any{"name": "other", "storage_id": "s1", "base_volume_id": "busy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status is extending")
}

func TestCreateTemplateDomainFailure(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainCreate: rpctest.Handle(nil, errors.New("qemu-img convert failed")),
	}, nil)
	var created Template
	e.MustCall(t, ModuleType, MethodCreateTemplate, map[string]any{"name": "bad", "storage_id": "s1", "base_volume_id": "vol1"}, &created)
	rpctest.Eventually(t, func() bool { return e.load(t, created.ID).Status == lifecycle.StatusError })
	assert.Contains(t, e.load(t, created.ID).Information, "qemu-img convert failed")
}

func TestEditTemplate(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainEdit: rpctest.Handle(map[string]any{"path": "/mnt/pool/template-debian"}, nil),
	}, nil)
	e.seed(t, Template{ID: "t1", Name: "deb", Path: "/mnt/pool/template-deb", Status: lifecycle.StatusAvailable})

	var edited Template
	e.MustCall(t, ModuleType, MethodEditTemplate, map[string]any{"template_id": "t1", "description": "stable"}, &edited)
	assert.Equal(t, "stable", edited.Description)
	assert.Zero(t, e.domain.Count(domainEdit))

	e.MustCall(t, ModuleType, MethodEditTemplate, map[string]any{"template_id": "t1", "name": "debian"}, &edited)
	assert.Equal(t, "debian", edited.Name)
	assert.Equal(t, "/mnt/pool/template-debian", edited.Path)
	assert.Equal(t, lifecycle.StatusAvailable, edited.Status)
	assert.Equal(t, 1, e.domain.Count(domainEdit))
}

func TestBackingTemplateInUse(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainEdit:   rpctest.Handle(map[string]any{}, nil),
		domainDelete: rpctest.Handle(nil, nil),
	}, []any{map[string]any{"id": "v1", "name": "web-1"}})
	e.seed(t, Template{ID: "t2", Name: "golden", IsBacking: true, Status: lifecycle.StatusAvailable})

	_, err := e.Call(ModuleType, MethodEditTemplate, map[string]any{"template_id": "t2", "name": "platinum"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web-1")

	_, err = e.Call(ModuleType, MethodDeleteTemplate, map[string]any{"template_id": "t2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web-1")
	assert.Equal(t, lifecycle.StatusAvailable, e.load(t, "t2").Status)
	assert.Zero(t, e.domain.Count(domainEdit))
	assert.Zero(t, e.domain.Count(domainDelete))
}

func TestDeleteTemplate(t *testing.T) {
	e := setup(t, map[string]mqrpc.HandlerFunc{
		domainDelete: rpctest.Handle(nil, nil),
	}, nil)
	e.seed(t, Template{ID: "t3", Name: "old", Status: lifecycle.StatusError})

	var deleting Template
	e.MustCall(t, ModuleType, MethodDeleteTemplate, map[string]any{"template_id": "t3"}, &deleting)
	assert.Equal(t, lifecycle.StatusDeleting, deleting.Status)
	rpctest.Eventually(t, func() bool {
		_, err := e.m.flow.Load(context.Background(), "t3")
		return jujuerrors.Is(err, jujuerrors.NotFound)
	})
	assert.Equal(t, 1, e.domain.Count(domainDelete))
}

func TestCreateVolumeFromTemplate(t *testing.T) {
	e := setup(t, nil, nil)
	e.seed(t, Template{ID: "t4", Name: "base", Path: "/mnt/pool/template-base", Size: 1 << 20, IsBacking: true, Status: lifecycle.StatusAvailable})

	vol, err := mqrpc.JsMap(e.Call(ModuleType, MethodCreateVolumeFromTemplate, map[string]any{"template_id": "t4", "name": "web-2"}))
	require.NoError(t, err)
	assert.Equal(t, "new-vol", vol["id"])

	var create rpctest.Call
	for _, c := range e.volumes.Calls() {
		if c.Method == siblingCreateVolume {
			create = c
		}
	}
	assert.Equal(t, "s1", create.Args["storage_id"])
	assert.Equal(t, "/mnt/pool/template-base", create.Args["template_path"])
	assert.Equal(t, true, create.Args["is_backing"])
	assert.Equal(t, "t4", create.Args["template_id"])

	_, err = e.Call(ModuleType, MethodCreateVolumeFromTemplate, map[string]any{"template_id": "t4", "name": "web-3", "storage_id": "s2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid")
}
