package storage

import (
	"context"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/uow"
)

// specField 巡检结果中要写入规格附属表的列前缀
const specField = "spec."

// domainStorage domain层返回的存储状态
type domainStorage struct {
	Size        int64  `json:"size"`
	Available   int64  `json:"available"`
	Initialized bool   `json:"initialized"`
	MountPoint  string `json:"mount_point"`
	FsUUID      string `json:"fs_uuid"`
	Path        string `json:"path"`
}

func (m *Manager) loadDomainView(ctx context.Context, id string) (Storage, map[string]any, error) {
	v, err := m.view(ctx, id)
	if err != nil {
		return Storage{}, nil, err
	}
	return v.Storage, domainView(v.Storage, v.Specs), nil
}

// continueCreate new -> creating -> available|error
func (m *Manager) continueCreate(ctx context.Context, job lifecycle.Job) error {
	var args jobArgs
	if err := job.Bind(&args); err != nil {
		return err
	}
	if _, err := m.flow.Transition(ctx, args.ID, lifecycle.StatusCreating, nil, lifecycle.StatusNew); err != nil {
		return err
	}
	rec, dv, err := m.loadDomainView(ctx, args.ID)
	if err != nil {
		m.flow.Fail(ctx, args.ID, args.UserID, MethodCreateStorage, errors.Annotate(err, "loading storage"))
		return nil
	}

	res, err := m.callDomain(ctx, domainCreate, dv, nil, 10)
	if err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateStorage,
			errors.Errorf("While creating storage in the system handle error: %v", err))
		return nil
	}
	var out domainStorage
	if err := mqrpc.Decode(res, &out); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateStorage,
			errors.Errorf("While creating storage in the system handle error: %v", err))
		return nil
	}

	err = uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		if err := setSpec(u, rec.ID, SpecMountPoint, out.MountPoint); err != nil {
			return err
		}
		if rec.StorageType == TypeLocalFS {
			if err := setSpec(u, rec.ID, SpecFsUUID, out.FsUUID); err != nil {
				return err
			}
		}
		return u.Commit()
	})
	if err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateStorage, errors.Annotate(err, "saving storage specs"))
		return nil
	}
	if _, err := m.flow.Transition(ctx, rec.ID, lifecycle.StatusAvailable, map[string]any{
		"size":                      out.Size,
		"available":                 out.Available,
		"initialized":               true,
		lifecycle.ColumnInformation: "",
	}, lifecycle.StatusCreating); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateStorage, err)
		return nil
	}
	log.TInfo(ctx, "storage %s created, %s free of %s", storageName(rec),
		humanize.IBytes(uint64(out.Available)), humanize.IBytes(uint64(out.Size)))
	m.flow.Event(ctx, rec.ID, args.UserID, MethodCreateStorage, "Storage successfully created in the system.")
	return nil
}

// continueDelete deleting -> (删除记录) | error
func (m *Manager) continueDelete(ctx context.Context, job lifecycle.Job) error {
	var args jobArgs
	if err := job.Bind(&args); err != nil {
		return err
	}
	rec, dv, err := m.loadDomainView(ctx, args.ID)
	if err != nil {
		m.flow.Fail(ctx, args.ID, args.UserID, MethodDeleteStorage, errors.Annotate(err, "loading storage"))
		return nil
	}
	if err := lifecycle.Require(ModuleType, rec.ID, rec.Status, lifecycle.StatusDeleting); err != nil {
		return err
	}
	if err := m.checkDependants(ctx, rec.ID); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodDeleteStorage, err)
		return nil
	}
	if _, err := m.callDomain(ctx, domainDelete, dv, nil, 10); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodDeleteStorage, err)
		return nil
	}
	if err := m.flow.Remove(ctx, rec.ID, removeSpecs(rec.ID)); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodDeleteStorage, err)
		return nil
	}
	log.TInfo(ctx, "storage %s deleted", storageName(rec))
	m.flow.Event(ctx, rec.ID, args.UserID, MethodDeleteStorage, "Storage successfully deleted from the system and db.")
	return nil
}

// Monitoring 周期巡检
func (m *Manager) Monitoring(ctx context.Context) error {
	return m.monitor.Sweep(ctx)
}

// probe 通过do_setup获取存储的实际容量与挂载点
func (m *Manager) probe(ctx context.Context, rec Storage) (map[string]any, error) {
	v, err := m.view(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	dv := domainView(rec, v.Specs)
	if rec.StorageType == TypeLocalFS && v.Specs[SpecFsUUID] != "" {
		// 设备名可能变化, 按文件系统uuid重新定位
		if disk, err := m.diskByFsUUID(ctx, v.Specs[SpecFsUUID]); err == nil && disk.Path != "" {
			dv[SpecPath] = disk.Path
		}
	}
	res, err := m.callDomain(ctx, domainSetup, dv, nil, 5)
	if err != nil {
		return nil, err
	}
	info, err := mqrpc.JsMap(res, nil)
	if err != nil || len(info) == 0 {
		return nil, errors.New("Get empty domain storage information.")
	}
	var out domainStorage
	if err := mqrpc.Decode(info, &out); err != nil {
		return nil, err
	}
	fields := map[string]any{
		"size":        out.Size,
		"available":   out.Available,
		"initialized": out.Initialized,
	}
	if out.MountPoint != "" {
		fields[specField+SpecMountPoint] = out.MountPoint
	}
	if p, ok := dv[SpecPath].(string); ok && p != "" && p != v.Specs[SpecPath] {
		fields[specField+SpecPath] = p
	}
	return fields, nil
}

// applySpecFields 把巡检结果中的规格项写入附属表
func applySpecFields(u *uow.UnitOfWork, id string, fields map[string]any) error {
	for k, v := range fields {
		if !strings.HasPrefix(k, specField) {
			continue
		}
		s, _ := v.(string)
		if err := setSpec(u, id, strings.TrimPrefix(k, specField), s); err != nil {
			return err
		}
		delete(fields, k)
	}
	return nil
}
