// Package storage 存储池服务: localfs/nfs存储的创建, 删除, 巡检以及本地分区管理
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/pborman/uuid"

	"github.com/cloudapex/vair/app"
	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/module"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/uow"
)

// ModuleType 模块类型(也是服务队列名)
const ModuleType = "storage"

// 服务方法
const (
	MethodGetStorage             = "get_storage"
	MethodGetAllStorages         = "get_all_storages"
	MethodCreateStorage          = "create_storage"
	MethodDeleteStorage          = "delete_storage"
	MethodGetLocalDisks          = "get_local_disks"
	MethodCreateLocalPartition   = "create_local_partition"
	MethodDeleteLocalPartition   = "delete_local_partition"
	MethodGetLocalPartitionsInfo = "get_local_disk_partitions_info"
)

// 续作
const (
	jobCreate = "_create_storage"
	jobDelete = "_delete_storage"
)

// domain层方法
const (
	domainCreate            = "create"
	domainDelete            = "delete"
	domainSetup             = "do_setup"
	domainLocalDisks        = "get_local_disks"
	domainCreatePartition   = "create_partition"
	domainDeletePartition   = "delete_partition"
	domainGetPartitionsInfo = "get_partitions_info"
)

// 兄弟服务
const (
	volumeModule       = "volume"
	imageModule        = "image"
	siblingListVolumes = "get_all_volumes"
	siblingListImages  = "get_all_images"
)

const domainTimeLimit = 180 * time.Second

// Module 创建存储模块
var Module = func() app.IModule {
	return new(Manager)
}

// Manager 存储服务
type Manager struct {
	module.ModuleBase

	flow    *lifecycle.Workflow[Storage]
	monitor *lifecycle.Reconciler[Storage]
}

func (m *Manager) GetType() string { return ModuleType }
func (m *Manager) Version() string { return "1.0.0" }

func (m *Manager) OnInit(a app.IApp, settings *conf.ModuleSettings) error {
	interval := settings.GetSeconds(module.SettingMonitoringInterval, 10*time.Second)
	if err := m.ModuleBase.Init(a, m, settings, module.Periodic("storage.monitoring", interval, m.Monitoring)); err != nil {
		return err
	}
	if err := a.DB().Migrate(context.Background(), Schema...); err != nil {
		return err
	}
	m.flow = &lifecycle.Workflow[Storage]{
		Resource: ModuleType,
		DB:       a.DB(),
		Table:    storages,
		Graph:    graph,
		Events:   a.Events(),
	}
	m.monitor = &lifecycle.Reconciler[Storage]{
		Resource: ModuleType,
		DB:       a.DB(),
		Table:    storages,
		Probe:    m.probe,
		Name:     func(s Storage) string { return s.Name },
		Extra:    applySpecFields,
	}

	m.Register(MethodGetStorage, m.getStorage)
	m.Register(MethodGetAllStorages, m.getAllStorages)
	m.Register(MethodCreateStorage, m.createStorage)
	m.Register(MethodDeleteStorage, m.deleteStorage)
	m.Register(MethodGetLocalDisks, m.getLocalDisks)
	m.Register(MethodCreateLocalPartition, m.createLocalPartition)
	m.Register(MethodDeleteLocalPartition, m.deleteLocalPartition)
	m.Register(MethodGetLocalPartitionsInfo, m.getLocalPartitionsInfo)

	m.HandleJob(jobCreate, m.continueCreate)
	m.HandleJob(jobDelete, m.continueDelete)
	return nil
}

// GetRequest 查询单个存储
type GetRequest struct {
	StorageID string `json:"storage_id" validate:"required"`
}

// ListRequest 按条件查询存储
type ListRequest struct {
	StorageType string `json:"storage_type" validate:"omitempty,oneof=localfs nfs"`
	Status      string `json:"status"`
}

// CreateRequest 创建存储
type CreateRequest struct {
	Name        string            `json:"name" validate:"required,max=40"`
	Description string            `json:"description" validate:"max=255"`
	StorageType string            `json:"storage_type" validate:"required,oneof=localfs nfs"`
	Specs       map[string]string `json:"specs" validate:"required"`
	UserID      string            `json:"user_id"`
}

// DeleteRequest 删除存储
type DeleteRequest struct {
	StorageID string `json:"storage_id" validate:"required"`
	UserID    string `json:"user_id"`
}

// jobArgs 续作参数
type jobArgs struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
}

func (m *Manager) view(ctx context.Context, id string) (View, error) {
	var v View
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rec, err := storages.Get(u, id)
		if err != nil {
			return err
		}
		sp, err := specsOf(u, id)
		if err != nil {
			return err
		}
		v = View{Storage: rec, Specs: sp}
		return nil
	})
	return v, err
}

func (m *Manager) getStorage(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in GetRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "get storage")
	}
	return m.view(ctx, in.StorageID)
}

func (m *Manager) getAllStorages(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in ListRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "list storages")
	}
	filters := map[string]any{}
	if in.StorageType != "" {
		filters["storage_type"] = in.StorageType
	}
	if in.Status != "" {
		filters[lifecycle.ColumnStatus] = in.Status
	}
	out := []View{}
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rows, err := storages.FilterBy(u, filters)
		if err != nil {
			return err
		}
		for _, r := range rows {
			sp, err := specsOf(u, r.ID)
			if err != nil {
				return err
			}
			out = append(out, View{Storage: r, Specs: sp})
		}
		return nil
	})
	return out, err
}

// createStorage 校验并插入new状态的记录, 真正的创建由续作完成
func (m *Manager) createStorage(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in CreateRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "create storage")
	}
	// 重名时不访问domain层
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		return checkNameFree(u, in.Name)
	})
	if err != nil {
		return nil, err
	}
	sp, err := m.prepareSpecs(ctx, in.StorageType, in.Specs)
	if err != nil {
		return nil, err
	}

	rec := Storage{
		ID:          uuid.New(),
		Name:        in.Name,
		Description: in.Description,
		StorageType: in.StorageType,
		Status:      lifecycle.StatusNew,
		UserID:      in.UserID,
		CreatedAt:   time.Now().UTC(),
	}
	err = uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		// 再次检查, 两次请求之间可能插入了同名记录
		if err := checkNameFree(u, in.Name); err != nil {
			return err
		}
		if err := checkSpecCollision(u, in.StorageType, sp); err != nil {
			return err
		}
		if err := storages.Add(u, rec); err != nil {
			return err
		}
		for k, v := range sp {
			if err := specs.Add(u, Spec{ID: uuid.New(), StorageID: rec.ID, Key: k, Value: v}); err != nil {
				return err
			}
		}
		return u.Commit()
	})
	if err != nil {
		return nil, err
	}
	log.TInfo(ctx, "storage %s (%s) inserted into db", rec.Name, rec.ID)

	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobCreate, Payload: jobArgs{ID: rec.ID, UserID: in.UserID}}); err != nil {
		m.flow.Fail(ctx, rec.ID, in.UserID, MethodCreateStorage, errors.Annotate(err, "scheduling storage creation"))
		return nil, err
	}
	m.flow.Event(ctx, rec.ID, in.UserID, MethodCreateStorage, "Storage successfully inserted into db.")
	return View{Storage: rec, Specs: sp}, nil
}

// prepareSpecs 按存储类型检查规格并补全domain层会回填的项
func (m *Manager) prepareSpecs(ctx context.Context, storageType string, in map[string]string) (map[string]string, error) {
	sp := make(map[string]string, len(in)+2)
	for k, v := range in {
		sp[k] = v
	}
	validate := mqrpc.Validator()
	switch storageType {
	case TypeLocalFS:
		if err := validate.Var(sp[SpecPath], "required"); err != nil {
			return nil, lifecycle.Invalid(err, "localfs storage path")
		}
		if err := m.checkDevice(ctx, sp[SpecPath]); err != nil {
			return nil, err
		}
		sp[SpecFsUUID] = ""
		sp[SpecMountPoint] = ""
	case TypeNFS:
		if err := validate.Var(sp[SpecIP], "required,ip"); err != nil {
			return nil, lifecycle.Invalid(err, "nfs storage ip")
		}
		if err := validate.Var(sp[SpecPath], "required"); err != nil {
			return nil, lifecycle.Invalid(err, "nfs storage path")
		}
		sp[SpecMountPoint] = ""
	default:
		return nil, errors.NotValidf("storage type %q", storageType)
	}
	return sp, nil
}

func checkNameFree(u *uow.UnitOfWork, name string) error {
	exists, err := storages.Exists(u, map[string]any{"name": name})
	if err != nil {
		return err
	}
	if exists {
		return errors.AlreadyExistsf("storage with name %q", name)
	}
	return nil
}

// checkSpecCollision localfs按路径, nfs按ip+路径判断是否已被使用
func checkSpecCollision(u *uow.UnitOfWork, storageType string, sp map[string]string) error {
	rows, err := specs.FilterBy(u, map[string]any{"spec_key": SpecPath, "spec_value": sp[SpecPath]})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if storageType == TypeLocalFS {
			return errors.AlreadyExistsf("storage %s with path %s", row.StorageID, sp[SpecPath])
		}
		other, err := specsOf(u, row.StorageID)
		if err != nil {
			return err
		}
		if other[SpecIP] == sp[SpecIP] {
			return errors.AlreadyExistsf("storage %s with ip %s and path %s", row.StorageID, sp[SpecIP], sp[SpecPath])
		}
	}
	return nil
}

// deleteStorage 检查依赖后置为deleting, 真正的删除由续作完成
func (m *Manager) deleteStorage(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in DeleteRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "delete storage")
	}
	v, err := m.view(ctx, in.StorageID)
	if err != nil {
		return nil, err
	}

	// 还没有开始创建的记录直接删除
	if v.Status == lifecycle.StatusNew {
		if err := m.flow.Remove(ctx, v.ID, removeSpecs(v.ID)); err != nil {
			return nil, err
		}
		m.flow.Event(ctx, v.ID, in.UserID, MethodDeleteStorage, "Storage successfully deleted from db.")
		return v, nil
	}
	if err := lifecycle.Require(ModuleType, v.ID, v.Status, lifecycle.StatusAvailable, lifecycle.StatusError, lifecycle.StatusDisconnected); err != nil {
		return nil, err
	}
	if err := m.checkDependants(ctx, v.ID); err != nil {
		if lifecycle.IsDependencyError(err) {
			m.flow.Event(ctx, v.ID, in.UserID, MethodDeleteStorage, err.Error())
		}
		return nil, err
	}
	rec, err := m.flow.Transition(ctx, v.ID, lifecycle.StatusDeleting, nil,
		lifecycle.StatusAvailable, lifecycle.StatusError, lifecycle.StatusDisconnected)
	if err != nil {
		return nil, err
	}
	v.Storage = rec

	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobDelete, Payload: jobArgs{ID: v.ID, UserID: in.UserID}, Priority: 8}); err != nil {
		m.flow.Fail(ctx, v.ID, in.UserID, MethodDeleteStorage, errors.Annotate(err, "scheduling storage deletion"))
		return nil, err
	}
	return v, nil
}

// checkDependants 通过兄弟服务查询存储上的卷和镜像
func (m *Manager) checkDependants(ctx context.Context, storageID string) error {
	filter := mqrpc.WithMethodData(map[string]any{"storage_id": storageID})
	volumes, err := mqrpc.List(m.GetServer(volumeModule).Call(ctx, siblingListVolumes, filter))
	if err != nil {
		return errors.Annotatef(err, "listing volumes of storage %s", storageID)
	}
	images, err := mqrpc.List(m.GetServer(imageModule).Call(ctx, siblingListImages, filter))
	if err != nil {
		return errors.Annotatef(err, "listing images of storage %s", storageID)
	}
	var deps []string
	if len(volumes) > 0 {
		deps = append(deps, "volumes")
	}
	if len(images) > 0 {
		deps = append(deps, "images")
	}
	if len(deps) > 0 {
		return &lifecycle.DependencyError{Resource: "Storage", ID: storageID, Dependants: deps}
	}
	return nil
}

func removeSpecs(storageID string) func(u *uow.UnitOfWork) error {
	return func(u *uow.UnitOfWork) error {
		return specs.DeleteBy(u, "storage_id", storageID)
	}
}

// callDomain 调用domain层, manager为存储描述
func (m *Manager) callDomain(ctx context.Context, method string, manager, args any, priority int) (any, error) {
	return m.DomainServer().Call(ctx, method,
		mqrpc.WithManagerData(manager),
		mqrpc.WithMethodData(args),
		mqrpc.WithPriority(priority),
		mqrpc.WithTimeLimit(m.DomainTimeLimit(domainTimeLimit)))
}

func storageName(s Storage) string {
	return fmt.Sprintf("%s (%s)", s.Name, s.ID)
}
