// Package vm 虚拟机服务: 创建时挂载卷和镜像, 开关机, 编辑, 删除时卸载磁盘
package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/pborman/uuid"

	"github.com/cloudapex/vair/app"
	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/module"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/uow"
)

// ModuleType 模块类型(也是服务队列名)
const ModuleType = "vm"

// 服务方法
const (
	MethodGetVM     = "get_vm"
	MethodGetAllVMs = "get_all_vms"
	MethodCreateVM  = "create_vm"
	MethodDeleteVM  = "delete_vm"
	MethodStartVM   = "start_vm"
	MethodShutOffVM = "shut_off_vm"
	MethodEditVM    = "edit_vm"
)

const (
	jobCreate  = "_create_vm"
	jobDelete  = "_delete_vm"
	jobStart   = "_start_vm"
	jobShutOff = "_shut_off_vm"
	jobEdit    = "_edit_vm"
)

// domain层方法
const (
	domainStart    = "start"
	domainTurnOff  = "turn_off"
	domainDelete   = "delete"
	domainVMsState = "get_vms_state"
)

// 等待自动创建的卷可用
const (
	SettingVolumeWaitAttempts = "volume_wait_attempts"
	SettingVolumeWaitDelay    = "volume_wait_delay"
)

const domainTimeLimit = 180 * time.Second

// Module 创建虚拟机模块
var Module = func() app.IModule {
	return new(Manager)
}

// Manager 虚拟机服务
type Manager struct {
	module.ModuleBase

	waitAttempts int
	waitDelay    time.Duration
	flow         *lifecycle.Workflow[VM]
}

func (m *Manager) GetType() string { return ModuleType }
func (m *Manager) Version() string { return "1.0.0" }

func (m *Manager) OnInit(a app.IApp, settings *conf.ModuleSettings) error {
	interval := settings.GetSeconds(module.SettingMonitoringInterval, 10*time.Second)
	if err := m.ModuleBase.Init(a, m, settings, module.Periodic("vm.monitoring", interval, m.Monitoring)); err != nil {
		return err
	}
	if err := a.DB().Migrate(context.Background(), Schema...); err != nil {
		return err
	}
	m.waitAttempts = settings.GetInt(SettingVolumeWaitAttempts, 30)
	m.waitDelay = settings.GetSeconds(SettingVolumeWaitDelay, time.Second)
	m.flow = &lifecycle.Workflow[VM]{
		Resource: ModuleType,
		DB:       a.DB(),
		Table:    vms,
		Graph:    graph,
		Events:   a.Events(),
	}

	m.Register(MethodGetVM, m.getVM)
	m.Register(MethodGetAllVMs, m.getAllVMs)
	m.Register(MethodCreateVM, m.createVM)
	m.Register(MethodDeleteVM, m.deleteVM)
	m.Register(MethodStartVM, m.startVM)
	m.Register(MethodShutOffVM, m.shutOffVM)
	m.Register(MethodEditVM, m.editVM)

	m.HandleJob(jobCreate, m.continueCreate)
	m.HandleJob(jobDelete, m.continueDelete)
	m.HandleJob(jobStart, m.continueStart)
	m.HandleJob(jobShutOff, m.continueShutOff)
	m.HandleJob(jobEdit, m.continueEdit)
	return nil
}

// GetRequest 查询单个虚拟机
type GetRequest struct {
	VMID string `json:"vm_id" validate:"required"`
}

// CPU 处理器配置
type CPU struct {
	Cores   int    `json:"cores" validate:"omitempty,min=1"`
	Sockets int    `json:"sockets" validate:"omitempty,min=1"`
	Threads int    `json:"threads" validate:"omitempty,min=1"`
	Model   string `json:"model"`
}

// RAM 内存配置(字节)
type RAM struct {
	Size int64 `json:"size" validate:"gt=0"`
}

// OS 启动配置
type OS struct {
	OSType     string `json:"os_type"`
	BootDevice string `json:"boot_device" validate:"omitempty,oneof=hd cdrom network"`
}

// DiskRequest 要挂载的磁盘: 已有卷, 镜像, 或在存储上新建的卷
type DiskRequest struct {
	VolumeID  string `json:"volume_id"`
	ImageID   string `json:"image_id"`
	StorageID string `json:"storage_id"`
	Name      string `json:"name"`
	Size      int64  `json:"size" validate:"omitempty,gt=0"`
	Format    string `json:"format" validate:"omitempty,oneof=qcow2 raw"`
	ReadOnly  bool   `json:"read_only"`
	BootOrder int    `json:"boot_order"`
	Target    string `json:"target"`
}

func (d DiskRequest) check() error {
	n := 0
	for _, id := range []string{d.VolumeID, d.ImageID, d.StorageID} {
		if id != "" {
			n++
		}
	}
	if n != 1 {
		return errors.NewNotValid(nil, "disk must set exactly one of volume_id, image_id or storage_id")
	}
	if d.StorageID != "" && d.Size <= 0 {
		return errors.NotValidf("size of new volume on storage %s", d.StorageID)
	}
	return nil
}

// CreateRequest 创建虚拟机
type CreateRequest struct {
	Name        string        `json:"name" validate:"required,max=40"`
	Description string        `json:"description" validate:"max=255"`
	CPU         CPU           `json:"cpu"`
	RAM         RAM           `json:"ram"`
	OS          OS            `json:"os"`
	GraphicType string        `json:"graphic_type" validate:"omitempty,oneof=vnc spice"`
	Disks       []DiskRequest `json:"disks" validate:"dive"`
	UserID      string        `json:"user_id"`
}

// EditRequest 编辑关机状态的虚拟机
type EditRequest struct {
	VMID        string        `json:"vm_id" validate:"required"`
	Name        string        `json:"name" validate:"max=40"`
	Description *string       `json:"description"`
	CPU         *CPU          `json:"cpu"`
	RAM         *RAM          `json:"ram"`
	OS          *OS           `json:"os"`
	AttachDisks []DiskRequest `json:"attach_disks" validate:"dive"`
	DetachDisks []string      `json:"detach_disks"`
	UserID      string        `json:"user_id"`
}

// ActionRequest 开机/关机/删除
type ActionRequest struct {
	VMID   string `json:"vm_id" validate:"required"`
	UserID string `json:"user_id"`
}

type jobArgs struct {
	ID     string        `json:"id"`
	UserID string        `json:"user_id"`
	Disks  []DiskRequest `json:"disks,omitempty"`
	Edit   *EditRequest  `json:"edit,omitempty"`
}

func (m *Manager) view(ctx context.Context, id string) (View, error) {
	var v View
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rec, err := vms.Get(u, id)
		if err != nil {
			return err
		}
		ds, err := disksOf(u, id)
		v = View{VM: rec, Disks: ds}
		return err
	})
	return v, err
}

func (m *Manager) getVM(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in GetRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "get vm")
	}
	return m.view(ctx, in.VMID)
}

func (m *Manager) getAllVMs(ctx context.Context, req *mqrpc.Request) (any, error) {
	out := []View{}
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rows, err := vms.GetAll(u)
		if err != nil {
			return err
		}
		for _, r := range rows {
			ds, err := disksOf(u, r.ID)
			if err != nil {
				return err
			}
			out = append(out, View{VM: r, Disks: ds})
		}
		return nil
	})
	return out, err
}

// createVM 插入new状态的记录, 磁盘在续作中创建和挂载
func (m *Manager) createVM(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in CreateRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "create vm")
	}
	for _, d := range in.Disks {
		if err := d.check(); err != nil {
			return nil, err
		}
	}
	rec := VM{
		ID:          uuid.New(),
		Name:        in.Name,
		Description: in.Description,
		Cores:       max(in.CPU.Cores, 1),
		Sockets:     max(in.CPU.Sockets, 1),
		Threads:     max(in.CPU.Threads, 1),
		CPUModel:    in.CPU.Model,
		RAM:         in.RAM.Size,
		OSType:      in.OS.OSType,
		BootDevice:  in.OS.BootDevice,
		GraphicType: in.GraphicType,
		Status:      lifecycle.StatusNew,
		PowerState:  PowerShutOff,
		UserID:      in.UserID,
		CreatedAt:   time.Now().UTC(),
	}
	if rec.BootDevice == "" {
		rec.BootDevice = "hd"
	}
	if rec.GraphicType == "" {
		rec.GraphicType = "vnc"
	}
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		if err := m.checkName(u, in.Name, ""); err != nil {
			return err
		}
		if err := vms.Add(u, rec); err != nil {
			return err
		}
		return u.Commit()
	})
	if err != nil {
		return nil, err
	}
	m.flow.Event(ctx, rec.ID, in.UserID, MethodCreateVM, fmt.Sprintf("VM %s was successfully inserted into DB.", rec.Name))
	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobCreate, Payload: jobArgs{ID: rec.ID, UserID: in.UserID, Disks: in.Disks}}); err != nil {
		m.flow.Fail(ctx, rec.ID, in.UserID, MethodCreateVM, errors.Annotate(err, "scheduling vm creation"))
		return nil, err
	}
	return View{VM: rec, Disks: []Disk{}}, nil
}

func (m *Manager) checkName(u *uow.UnitOfWork, name, except string) error {
	rows, err := vms.FilterBy(u, map[string]any{"name": name})
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.ID != except {
			return errors.AlreadyExistsf("vm with name %q", name)
		}
	}
	return nil
}

// requirePower 检查电源状态
func requirePower(v VM, allowed ...string) error {
	for _, p := range allowed {
		if v.PowerState == p {
			return nil
		}
	}
	return errors.NewNotValid(nil, fmt.Sprintf("Vm power state is %s, but must be in %v", v.PowerState, allowed))
}

func (m *Manager) startVM(ctx context.Context, req *mqrpc.Request) (any, error) {
	return m.powerAction(ctx, req, MethodStartVM, StatusStarting, PowerShutOff, jobStart, "Set starting status for VM %s.")
}

func (m *Manager) shutOffVM(ctx context.Context, req *mqrpc.Request) (any, error) {
	return m.powerAction(ctx, req, MethodShutOffVM, StatusShutOffing, PowerRunning, jobShutOff, "Set shut_off status for VM %s.")
}

// powerAction 检查状态和电源后进入中间状态, 由续作调用domain层
func (m *Manager) powerAction(ctx context.Context, req *mqrpc.Request, action string, to lifecycle.Status, power, job, msg string) (any, error) {
	var in ActionRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "%s", action)
	}
	rec, err := m.flow.Load(ctx, in.VMID)
	if err != nil {
		return nil, err
	}
	if err := requirePower(rec, power); err != nil {
		return nil, err
	}
	rec, err = m.flow.Transition(ctx, rec.ID, to, nil, lifecycle.StatusAvailable, lifecycle.StatusError)
	if err != nil {
		return nil, err
	}
	m.flow.Event(ctx, rec.ID, in.UserID, action, fmt.Sprintf(msg, rec.Name))
	if err := m.Enqueue(ctx, lifecycle.Job{Name: job, Payload: jobArgs{ID: rec.ID, UserID: in.UserID}}); err != nil {
		m.flow.Fail(ctx, rec.ID, in.UserID, action, errors.Annotatef(err, "scheduling %s", action))
		return nil, err
	}
	return rec, nil
}

// editVM 只允许编辑关机的虚拟机
func (m *Manager) editVM(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in EditRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "edit vm")
	}
	for _, d := range in.AttachDisks {
		if err := d.check(); err != nil {
			return nil, err
		}
	}
	rec, err := m.flow.Load(ctx, in.VMID)
	if err != nil {
		return nil, err
	}
	if err := requirePower(rec, PowerShutOff); err != nil {
		return nil, err
	}
	if in.Name != "" && in.Name != rec.Name {
		err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
			return m.checkName(u, in.Name, rec.ID)
		})
		if err != nil {
			return nil, err
		}
	}
	rec, err = m.flow.Transition(ctx, rec.ID, StatusEditing, nil, lifecycle.StatusAvailable, lifecycle.StatusError)
	if err != nil {
		return nil, err
	}
	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobEdit, Payload: jobArgs{ID: rec.ID, UserID: in.UserID, Edit: &in}}); err != nil {
		m.flow.Fail(ctx, rec.ID, in.UserID, MethodEditVM, errors.Annotate(err, "scheduling vm edit"))
		return nil, err
	}
	return rec, nil
}

func (m *Manager) deleteVM(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in ActionRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "delete vm")
	}
	rec, err := m.flow.Load(ctx, in.VMID)
	if err != nil {
		return nil, err
	}
	if rec.Status == lifecycle.StatusNew {
		if err := m.flow.Remove(ctx, rec.ID, removeDisks(rec.ID)); err != nil {
			return nil, err
		}
		return rec, nil
	}
	if err := requirePower(rec, PowerShutOff); err != nil {
		return nil, err
	}
	rec, err = m.flow.Transition(ctx, rec.ID, lifecycle.StatusDeleting, nil, lifecycle.StatusAvailable, lifecycle.StatusError)
	if err != nil {
		return nil, err
	}
	m.flow.Event(ctx, rec.ID, in.UserID, MethodDeleteVM, fmt.Sprintf("Set deleting status for VM %s.", rec.Name))
	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobDelete, Payload: jobArgs{ID: rec.ID, UserID: in.UserID}, Priority: 8}); err != nil {
		m.flow.Fail(ctx, rec.ID, in.UserID, MethodDeleteVM, errors.Annotate(err, "scheduling vm deletion"))
		return nil, err
	}
	return rec, nil
}

func (m *Manager) callDomain(ctx context.Context, method string, manager any, priority int) (any, error) {
	return m.DomainServer().Call(ctx, method,
		mqrpc.WithManagerData(manager),
		mqrpc.WithPriority(priority),
		mqrpc.WithTimeLimit(m.DomainTimeLimit(domainTimeLimit)))
}
