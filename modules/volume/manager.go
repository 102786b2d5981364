// Package volume 卷服务: 卷的创建, 扩容, 删除, 挂载关系以及巡检
package volume

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
	"github.com/cloudapex/vair/modules/storage"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/uow"
)

// ModuleType 模块类型(也是服务队列名)
const ModuleType = "volume"

// 服务方法
const (
	MethodGetVolume     = "get_volume"
	MethodGetAllVolumes = "get_all_volumes"
	MethodCreateVolume  = "create_volume"
	MethodExtendVolume  = "extend_volume"
	MethodDeleteVolume  = "delete_volume"
	MethodEditVolume    = "edit_volume"
	MethodAttachVolume  = "attach_volume"
	MethodDetachVolume  = "detach_volume"
)

// 续作
const (
	jobCreate = "_create_volume"
	jobExtend = "_extend_volume"
	jobDelete = "_delete_volume"
)

// domain层方法
const (
	domainCreate     = "create"
	domainDelete     = "delete"
	domainExtend     = "extend"
	domainAttachInfo = "attach_volume_info"
)

// 兄弟服务
const (
	storageModule = storage.ModuleType
	vmModule      = "vm"
	siblingGetVM  = "get_vm"
)

const domainTimeLimit = 180 * time.Second

// Module 创建卷模块
var Module = func() app.IModule {
	return new(Manager)
}

// Manager 卷服务
type Manager struct {
	module.ModuleBase

	flow    *lifecycle.Workflow[Volume]
	monitor *lifecycle.Reconciler[Volume]
}

func (m *Manager) GetType() string { return ModuleType }
func (m *Manager) Version() string { return "1.0.0" }

func (m *Manager) OnInit(a app.IApp, settings *conf.ModuleSettings) error {
	interval := settings.GetSeconds(module.SettingMonitoringInterval, 10*time.Second)
	if err := m.ModuleBase.Init(a, m, settings, module.Periodic("volume.monitoring", interval, m.Monitoring)); err != nil {
		return err
	}
	if err := a.DB().Migrate(context.Background(), Schema...); err != nil {
		return err
	}
	m.flow = &lifecycle.Workflow[Volume]{
		Resource: ModuleType,
		DB:       a.DB(),
		Table:    volumes,
		Graph:    graph,
		Events:   a.Events(),
	}
	m.monitor = &lifecycle.Reconciler[Volume]{
		Resource: ModuleType,
		DB:       a.DB(),
		Table:    volumes,
		Name:     func(v Volume) string { return v.Name },
	}

	m.Register(MethodGetVolume, m.getVolume)
	m.Register(MethodGetAllVolumes, m.getAllVolumes)
	m.Register(MethodCreateVolume, m.createVolume)
	m.Register(MethodExtendVolume, m.extendVolume)
	m.Register(MethodDeleteVolume, m.deleteVolume)
	m.Register(MethodEditVolume, m.editVolume)
	m.Register(MethodAttachVolume, m.attachVolume)
	m.Register(MethodDetachVolume, m.detachVolume)

	m.HandleJob(jobCreate, m.continueCreate)
	m.HandleJob(jobExtend, m.continueExtend)
	m.HandleJob(jobDelete, m.continueDelete)
	return nil
}

// GetRequest 查询单个卷
type GetRequest struct {
	VolumeID string `json:"volume_id" validate:"required"`
}

// ListRequest 按存储或状态查询卷
type ListRequest struct {
	StorageID  string `json:"storage_id"`
	TemplateID string `json:"template_id"`
	Status     string `json:"status"`
	FreeVolume bool   `json:"free_volumes"` // 只返回没有挂载的卷
}

// CreateRequest 创建卷
type CreateRequest struct {
	Name        string `json:"name" validate:"required,max=40"`
	Description string `json:"description" validate:"max=255"`
	StorageID   string `json:"storage_id" validate:"required"`
	Format      string `json:"format" validate:"omitempty,oneof=qcow2 raw"`
	Size        int64  `json:"size" validate:"gt=0"`
	ReadOnly    bool   `json:"read_only"`
	UserID      string `json:"user_id"`

	// 从模板创建
	TemplateID   string `json:"template_id"`
	TemplatePath string `json:"template_path" validate:"required_with=TemplateID"`
	IsBacking    bool   `json:"is_backing"`
}

// ExtendRequest 扩容
type ExtendRequest struct {
	VolumeID string `json:"volume_id" validate:"required"`
	NewSize  int64  `json:"new_size" validate:"gt=0"`
	UserID   string `json:"user_id"`
}

// DeleteRequest 删除卷
type DeleteRequest struct {
	VolumeID string `json:"volume_id" validate:"required"`
	UserID   string `json:"user_id"`
}

// EditRequest 修改卷的元数据
type EditRequest struct {
	VolumeID    string  `json:"volume_id" validate:"required"`
	Name        string  `json:"name" validate:"omitempty,max=40"`
	Description *string `json:"description" validate:"omitempty,max=255"`
	ReadOnly    *bool   `json:"read_only"`
	UserID      string  `json:"user_id"`
}

// AttachRequest 挂载到虚拟机
type AttachRequest struct {
	VolumeID  string `json:"volume_id" validate:"required"`
	VMID      string `json:"vm_id" validate:"required"`
	Target    string `json:"target"`
	BootOrder int    `json:"boot_order"`
	UserID    string `json:"user_id"`
}

// DetachRequest 从虚拟机卸载
type DetachRequest struct {
	VolumeID string `json:"volume_id" validate:"required"`
	VMID     string `json:"vm_id" validate:"required"`
	UserID   string `json:"user_id"`
}

// jobArgs 续作参数
type jobArgs struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	NewSize  int64           `json:"new_size,omitempty"`
	Template *templateSource `json:"template,omitempty"`
}

// templateSource 从模板创建时传给domain层的模板文件
type templateSource struct {
	Path      string `json:"template_path"`
	IsBacking bool   `json:"is_backing"`
}

func (m *Manager) view(ctx context.Context, id string) (View, error) {
	var v View
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rec, err := volumes.Get(u, id)
		if err != nil {
			return err
		}
		att, err := attachmentsOf(u, id)
		if err != nil {
			return err
		}
		v = View{Volume: rec, Attachments: att}
		return nil
	})
	return v, err
}

func (m *Manager) getVolume(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in GetRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "get volume")
	}
	return m.view(ctx, in.VolumeID)
}

func (m *Manager) getAllVolumes(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in ListRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "list volumes")
	}
	filters := map[string]any{}
	if in.StorageID != "" {
		filters["storage_id"] = in.StorageID
	}
	if in.TemplateID != "" {
		filters["template_id"] = in.TemplateID
	}
	if in.Status != "" {
		filters[lifecycle.ColumnStatus] = in.Status
	}
	out := []View{}
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rows, err := volumes.FilterBy(u, filters)
		if err != nil {
			return err
		}
		for _, r := range rows {
			att, err := attachmentsOf(u, r.ID)
			if err != nil {
				return err
			}
			if in.FreeVolume && len(att) > 0 {
				continue
			}
			out = append(out, View{Volume: r, Attachments: att})
		}
		return nil
	})
	return out, err
}

// createVolume 名字在存储内唯一, 插入new状态的记录后由续作创建
func (m *Manager) createVolume(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in CreateRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "create volume")
	}
	if in.Format == "" {
		in.Format = FormatQcow2
	}
	rec := Volume{
		ID:          uuid.New(),
		Name:        in.Name,
		Description: in.Description,
		StorageID:   in.StorageID,
		Format:      in.Format,
		Size:        in.Size,
		Status:      lifecycle.StatusNew,
		ReadOnly:    in.ReadOnly,
		TemplateID:  in.TemplateID,
		UserID:      in.UserID,
		CreatedAt:   time.Now().UTC(),
	}
	args := jobArgs{ID: rec.ID, UserID: in.UserID}
	if in.TemplateID != "" {
		args.Template = &templateSource{Path: in.TemplatePath, IsBacking: in.IsBacking}
	}
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		if err := checkName(u, in.StorageID, in.Name, ""); err != nil {
			return err
		}
		if err := volumes.Add(u, rec); err != nil {
			return err
		}
		return u.Commit()
	})
	if err != nil {
		return nil, err
	}
	log.TInfo(ctx, "volume %s inserted into db", volumeName(rec))

	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobCreate, Payload: args}); err != nil {
		m.flow.Fail(ctx, rec.ID, in.UserID, MethodCreateVolume, errors.Annotate(err, "scheduling volume creation"))
		return nil, err
	}
	m.flow.Event(ctx, rec.ID, in.UserID, MethodCreateVolume, "Volume successfully inserted into db.")
	return View{Volume: rec, Attachments: []Attachment{}}, nil
}

// checkName 同一存储上卷名不能重复(except为修改时的自身)
func checkName(u *uow.UnitOfWork, storageID, name, except string) error {
	rows, err := volumes.FilterBy(u, map[string]any{"storage_id": storageID, "name": name})
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.ID != except {
			return errors.AlreadyExistsf("volume with name %q on storage %s", name, storageID)
		}
	}
	return nil
}

// extendVolume 只有available的卷可以扩容, 新容量必须更大
func (m *Manager) extendVolume(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in ExtendRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "extend volume")
	}
	v, err := m.view(ctx, in.VolumeID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Require(ModuleType, v.ID, v.Status, lifecycle.StatusAvailable); err != nil {
		return nil, err
	}
	if in.NewSize <= v.Size {
		return nil, errors.NotValidf("New size %d of volume %s must be bigger than current size %d", in.NewSize, v.ID, v.Size)
	}
	rec, err := m.flow.Transition(ctx, v.ID, lifecycle.StatusExtending, nil, lifecycle.StatusAvailable)
	if err != nil {
		return nil, err
	}
	v.Volume = rec
	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobExtend, Payload: jobArgs{ID: v.ID, UserID: in.UserID, NewSize: in.NewSize}}); err != nil {
		m.flow.Fail(ctx, v.ID, in.UserID, MethodExtendVolume, errors.Annotate(err, "scheduling volume extension"))
		return nil, err
	}
	m.flow.Event(ctx, v.ID, in.UserID, MethodExtendVolume, "Volume successfully marked as extending.")
	return v, nil
}

// deleteVolume 挂载中的卷不能删除
func (m *Manager) deleteVolume(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in DeleteRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "delete volume")
	}
	v, err := m.view(ctx, in.VolumeID)
	if err != nil {
		return nil, err
	}
	if v.Status == lifecycle.StatusNew {
		if err := m.flow.Remove(ctx, v.ID, removeAttachments(v.ID)); err != nil {
			return nil, err
		}
		m.flow.Event(ctx, v.ID, in.UserID, MethodDeleteVolume, "Volume successfully deleted from db.")
		return v, nil
	}
	if err := lifecycle.Require(ModuleType, v.ID, v.Status, lifecycle.StatusAvailable, lifecycle.StatusError); err != nil {
		return nil, err
	}
	if len(v.Attachments) > 0 {
		vms := make([]string, 0, len(v.Attachments))
		for _, a := range v.Attachments {
			vms = append(vms, a.VMID)
		}
		err := &lifecycle.DependencyError{Resource: "Volume", ID: v.ID, Dependants: []string{fmt.Sprintf("attachments to vms %v", vms)}}
		m.flow.Event(ctx, v.ID, in.UserID, MethodDeleteVolume, err.Error())
		return nil, err
	}
	rec, err := m.flow.Transition(ctx, v.ID, lifecycle.StatusDeleting, nil, lifecycle.StatusAvailable, lifecycle.StatusError)
	if err != nil {
		return nil, err
	}
	v.Volume = rec
	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobDelete, Payload: jobArgs{ID: v.ID, UserID: in.UserID}, Priority: 8}); err != nil {
		m.flow.Fail(ctx, v.ID, in.UserID, MethodDeleteVolume, errors.Annotate(err, "scheduling volume deletion"))
		return nil, err
	}
	m.flow.Event(ctx, v.ID, in.UserID, MethodDeleteVolume, "Volume successfully marked as deleting.")
	return v, nil
}

// editVolume 修改名字, 描述和只读标志, 不涉及domain层
func (m *Manager) editVolume(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in EditRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "edit volume")
	}
	var out View
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rec, err := volumes.Get(u, in.VolumeID)
		if err != nil {
			return err
		}
		if err := lifecycle.Require(ModuleType, rec.ID, rec.Status, lifecycle.StatusAvailable); err != nil {
			return err
		}
		fields := map[string]any{}
		if in.Name != "" && in.Name != rec.Name {
			if err := checkName(u, rec.StorageID, in.Name, rec.ID); err != nil {
				return err
			}
			fields["name"] = in.Name
		}
		if in.Description != nil {
			fields["description"] = *in.Description
		}
		if in.ReadOnly != nil {
			fields["read_only"] = *in.ReadOnly
		}
		if len(fields) > 0 {
			if err := volumes.Patch(u, rec.ID, fields); err != nil {
				return err
			}
			if err := u.Commit(); err != nil {
				return err
			}
		}
		if rec, err = volumes.Get(u, rec.ID); err != nil {
			return err
		}
		att, err := attachmentsOf(u, rec.ID)
		if err != nil {
			return err
		}
		out = View{Volume: rec, Attachments: att}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.flow.Event(ctx, out.ID, in.UserID, MethodEditVolume, "Volume successfully edited.")
	return out, nil
}

// attachVolume 通过domain层获取挂载信息后保存挂载关系
func (m *Manager) attachVolume(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in AttachRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "attach volume")
	}
	v, err := m.view(ctx, in.VolumeID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Require(ModuleType, v.ID, v.Status, lifecycle.StatusAvailable); err != nil {
		return nil, err
	}
	for _, a := range v.Attachments {
		if a.VMID == in.VMID {
			return nil, errors.AlreadyExistsf("volume %s attachment to vm %s", v.ID, in.VMID)
		}
	}
	res, err := m.callDomain(ctx, domainAttachInfo, domainView(v.Volume), nil, 1)
	info, err := mqrpc.JsMap(res, err)
	if err != nil {
		return nil, errors.Annotatef(err, "getting attach info of volume %s", v.ID)
	}
	err = uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		if err := attachments.Add(u, Attachment{
			ID:        uuid.New(),
			VolumeID:  v.ID,
			VMID:      in.VMID,
			Target:    in.Target,
			BootOrder: in.BootOrder,
		}); err != nil {
			return err
		}
		return u.Commit()
	})
	if err != nil {
		return nil, err
	}
	m.flow.Event(ctx, v.ID, in.UserID, MethodAttachVolume, fmt.Sprintf("Volume successfully attached to vm %s.", in.VMID))
	return info, nil
}

func (m *Manager) detachVolume(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in DetachRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "detach volume")
	}
	var out View
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rec, err := volumes.Get(u, in.VolumeID)
		if err != nil {
			return err
		}
		if err := lifecycle.Require(ModuleType, rec.ID, rec.Status, lifecycle.StatusAvailable, lifecycle.StatusError); err != nil {
			return err
		}
		a, err := attachments.FindOne(u, map[string]any{"volume_id": rec.ID, "vm_id": in.VMID})
		if err != nil {
			return err
		}
		if err := attachments.Delete(u, a.ID); err != nil {
			return err
		}
		if err := u.Commit(); err != nil {
			return err
		}
		att, err := attachmentsOf(u, rec.ID)
		if err != nil {
			return err
		}
		out = View{Volume: rec, Attachments: att}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.flow.Event(ctx, out.ID, in.UserID, MethodDetachVolume, fmt.Sprintf("Volume successfully detached from vm %s.", in.VMID))
	return out, nil
}

func removeAttachments(volumeID string) func(u *uow.UnitOfWork) error {
	return func(u *uow.UnitOfWork) error {
		return attachments.DeleteBy(u, "volume_id", volumeID)
	}
}

// callDomain 调用domain层, manager为卷描述
func (m *Manager) callDomain(ctx context.Context, method string, manager, args any, priority int) (any, error) {
	return m.DomainServer().Call(ctx, method,
		mqrpc.WithManagerData(manager),
		mqrpc.WithMethodData(args),
		mqrpc.WithPriority(priority),
		mqrpc.WithTimeLimit(m.DomainTimeLimit(domainTimeLimit)))
}

func volumeName(v Volume) string {
	return fmt.Sprintf("%s (%s)", v.Name, v.ID)
}
