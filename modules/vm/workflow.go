package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/pborman/uuid"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/metrics"
	"github.com/cloudapex/vair/modules/image"
	"github.com/cloudapex/vair/modules/volume"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/uow"
)

// attachInfo 卷或镜像服务返回的挂载信息
type attachInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// continueCreate new -> creating -> available|error
func (m *Manager) continueCreate(ctx context.Context, job lifecycle.Job) error {
	var args jobArgs
	if err := job.Bind(&args); err != nil {
		return err
	}
	rec, err := m.flow.Transition(ctx, args.ID, lifecycle.StatusCreating, nil, lifecycle.StatusNew)
	if err != nil {
		return err
	}
	if err := m.addDisks(ctx, rec, args.UserID, args.Disks); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateVM,
			errors.Errorf("Handle error: %v while creating vm.", err))
		return nil
	}
	if _, err := m.flow.Transition(ctx, rec.ID, lifecycle.StatusAvailable,
		map[string]any{lifecycle.ColumnInformation: ""}, lifecycle.StatusCreating); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateVM, err)
		return nil
	}
	m.flow.Event(ctx, rec.ID, args.UserID, MethodCreateVM, fmt.Sprintf("VM %s was successfully created.", rec.Name))
	return nil
}

// addDisks 依次创建(如需要)并挂载磁盘, 每挂载一个就写入记录
func (m *Manager) addDisks(ctx context.Context, rec VM, userID string, reqs []DiskRequest) error {
	for i, d := range reqs {
		if d.StorageID != "" {
			id, err := m.createVolume(ctx, rec, userID, i, d)
			if err != nil {
				return err
			}
			d.VolumeID = id
		}
		disk, err := m.attach(ctx, rec.ID, userID, d)
		if err != nil {
			return err
		}
		err = uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
			if err := disks.Add(u, disk); err != nil {
				return err
			}
			return u.Commit()
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) attach(ctx context.Context, vmID, userID string, d DiskRequest) (Disk, error) {
	disk := Disk{
		ID:        uuid.New(),
		VMID:      vmID,
		ReadOnly:  d.ReadOnly,
		BootOrder: d.BootOrder,
		Target:    d.Target,
	}
	var (
		res any
		err error
	)
	if d.ImageID != "" {
		disk.DiskType, disk.DiskID, disk.ReadOnly = DiskImage, d.ImageID, true
		res, err = m.GetServer(image.ModuleType).Call(ctx, image.MethodAttachImage, mqrpc.WithMethodData(map[string]any{
			"image_id": d.ImageID, "vm_id": vmID, "target": d.Target, "user_id": userID,
		}))
	} else {
		disk.DiskType, disk.DiskID = DiskVolume, d.VolumeID
		res, err = m.GetServer(volume.ModuleType).Call(ctx, volume.MethodAttachVolume, mqrpc.WithMethodData(map[string]any{
			"volume_id": d.VolumeID, "vm_id": vmID, "target": d.Target, "boot_order": d.BootOrder, "user_id": userID,
		}))
	}
	var info attachInfo
	if err := mqrpc.Unmarshal(&info, res, err); err != nil {
		return Disk{}, errors.Annotatef(err, "attaching %s %s", disk.DiskType, disk.DiskID)
	}
	disk.Path, disk.Size = info.Path, info.Size
	return disk, nil
}

// createVolume 在存储上新建卷并等待它可用
func (m *Manager) createVolume(ctx context.Context, rec VM, userID string, n int, d DiskRequest) (string, error) {
	name := d.Name
	if name == "" {
		name = fmt.Sprintf("%s-disk-%d", rec.Name, n)
	}
	res, err := m.GetServer(volume.ModuleType).Call(ctx, volume.MethodCreateVolume, mqrpc.WithMethodData(map[string]any{
		"name": name, "storage_id": d.StorageID, "size": d.Size, "format": d.Format, "user_id": userID,
	}))
	var created struct {
		ID string `json:"id"`
	}
	if err := mqrpc.Unmarshal(&created, res, err); err != nil {
		return "", errors.Annotatef(err, "creating volume %s", name)
	}
	return created.ID, m.waitVolume(ctx, created.ID)
}

func (m *Manager) waitVolume(ctx context.Context, id string) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			res, err := m.GetServer(volume.ModuleType).Call(ctx, volume.MethodGetVolume, mqrpc.WithMethodData(map[string]any{"volume_id": id}))
			var v struct {
				Status      lifecycle.Status `json:"status"`
				Information string           `json:"information"`
			}
			if err := mqrpc.Unmarshal(&v, res, err); err != nil {
				return err
			}
			switch v.Status {
			case lifecycle.StatusAvailable:
				return nil
			case lifecycle.StatusError:
				return errors.NewNotValid(nil, fmt.Sprintf("volume %s status is error: %s", id, v.Information))
			}
			return errors.Errorf("volume %s is %s", id, v.Status)
		},
		IsFatalError: func(err error) bool { return errors.Is(err, errors.NotValid) },
		Attempts:     max(m.waitAttempts, 1),
		Delay:        m.waitDelay,
		Clock:        clock.WallClock,
		Stop:         ctx.Done(),
	})
	return retry.LastError(err)
}

// continueStart starting -> available(running)|error
func (m *Manager) continueStart(ctx context.Context, job lifecycle.Job) error {
	var args jobArgs
	if err := job.Bind(&args); err != nil {
		return err
	}
	v, err := m.view(ctx, args.ID)
	if err != nil {
		m.flow.Fail(ctx, args.ID, args.UserID, MethodStartVM, errors.Annotate(err, "loading vm"))
		return nil
	}
	if err := lifecycle.Require(ModuleType, v.ID, v.Status, StatusStarting); err != nil {
		return err
	}
	res, err := m.callDomain(ctx, domainStart, domainView(v), 10)
	if err != nil {
		m.flow.Fail(ctx, v.ID, args.UserID, MethodStartVM, errors.Errorf("Handle error: %v while starting vm.", err))
		return nil
	}
	power := PowerRunning
	if out, err := mqrpc.JsMap(res, nil); err == nil {
		if p, ok := out["power_state"].(string); ok && p != "" {
			power = p
		}
	}
	if _, err := m.flow.Transition(ctx, v.ID, lifecycle.StatusAvailable, map[string]any{
		"power_state":               power,
		lifecycle.ColumnInformation: "",
	}, StatusStarting); err != nil {
		m.flow.Fail(ctx, v.ID, args.UserID, MethodStartVM, err)
		return nil
	}
	log.TInfo(ctx, "vm %s started", v.Name)
	m.flow.Event(ctx, v.ID, args.UserID, MethodStartVM, fmt.Sprintf("VM %s was successfully started.", v.Name))
	return nil
}

// continueShutOff shut_offing -> available(shut_off)|error
func (m *Manager) continueShutOff(ctx context.Context, job lifecycle.Job) error {
	var args jobArgs
	if err := job.Bind(&args); err != nil {
		return err
	}
	v, err := m.view(ctx, args.ID)
	if err != nil {
		m.flow.Fail(ctx, args.ID, args.UserID, MethodShutOffVM, errors.Annotate(err, "loading vm"))
		return nil
	}
	if err := lifecycle.Require(ModuleType, v.ID, v.Status, StatusShutOffing); err != nil {
		return err
	}
	if _, err := m.callDomain(ctx, domainTurnOff, domainView(v), 10); err != nil {
		m.flow.Fail(ctx, v.ID, args.UserID, MethodShutOffVM, errors.Errorf("Handle error: %v while shutting off vm.", err))
		return nil
	}
	if _, err := m.flow.Transition(ctx, v.ID, lifecycle.StatusAvailable, map[string]any{
		"power_state":               PowerShutOff,
		lifecycle.ColumnInformation: "",
	}, StatusShutOffing); err != nil {
		m.flow.Fail(ctx, v.ID, args.UserID, MethodShutOffVM, err)
		return nil
	}
	m.flow.Event(ctx, v.ID, args.UserID, MethodShutOffVM, fmt.Sprintf("VM %s was successfully shut off.", v.Name))
	return nil
}

// continueEdit 修改元数据, 卸载和挂载磁盘
func (m *Manager) continueEdit(ctx context.Context, job lifecycle.Job) error {
	var args jobArgs
	if err := job.Bind(&args); err != nil {
		return err
	}
	if args.Edit == nil {
		m.flow.Fail(ctx, args.ID, args.UserID, MethodEditVM, errors.NotValidf("edit job without edit request"))
		return nil
	}
	in := args.Edit
	v, err := m.view(ctx, args.ID)
	if err != nil {
		m.flow.Fail(ctx, args.ID, args.UserID, MethodEditVM, errors.Annotate(err, "loading vm"))
		return nil
	}
	if err := lifecycle.Require(ModuleType, v.ID, v.Status, StatusEditing); err != nil {
		return err
	}
	if err := m.flow.Patch(ctx, v.ID, editFields(in)); err != nil {
		m.flow.Fail(ctx, v.ID, args.UserID, MethodEditVM, errors.Errorf("Handle error: %v while editing VM.", err))
		return nil
	}
	for _, id := range in.DetachDisks {
		if err := m.detachDisk(ctx, v.ID, args.UserID, id); err != nil {
			m.flow.Fail(ctx, v.ID, args.UserID, MethodEditVM, errors.Errorf("Handle error: %v while editing VM.", err))
			return nil
		}
	}
	if err := m.addDisks(ctx, v.VM, args.UserID, in.AttachDisks); err != nil {
		m.flow.Fail(ctx, v.ID, args.UserID, MethodEditVM, errors.Errorf("Handle error: %v while editing VM.", err))
		return nil
	}
	if _, err := m.flow.Transition(ctx, v.ID, lifecycle.StatusAvailable,
		map[string]any{lifecycle.ColumnInformation: ""}, StatusEditing); err != nil {
		m.flow.Fail(ctx, v.ID, args.UserID, MethodEditVM, err)
		return nil
	}
	m.flow.Event(ctx, v.ID, args.UserID, MethodEditVM, fmt.Sprintf("VM %s was successfully edited.", v.Name))
	return nil
}

func editFields(in *EditRequest) map[string]any {
	fields := map[string]any{}
	if in.Name != "" {
		fields["name"] = in.Name
	}
	if in.Description != nil {
		fields["description"] = *in.Description
	}
	if in.CPU != nil {
		if in.CPU.Cores > 0 {
			fields["cores"] = in.CPU.Cores
		}
		if in.CPU.Sockets > 0 {
			fields["sockets"] = in.CPU.Sockets
		}
		if in.CPU.Threads > 0 {
			fields["threads"] = in.CPU.Threads
		}
		if in.CPU.Model != "" {
			fields["cpu_model"] = in.CPU.Model
		}
	}
	if in.RAM != nil && in.RAM.Size > 0 {
		fields["ram"] = in.RAM.Size
	}
	if in.OS != nil {
		if in.OS.OSType != "" {
			fields["os_type"] = in.OS.OSType
		}
		if in.OS.BootDevice != "" {
			fields["boot_device"] = in.OS.BootDevice
		}
	}
	return fields
}

// detachDisk 通知卷或镜像服务后删除磁盘记录
func (m *Manager) detachDisk(ctx context.Context, vmID, userID, diskID string) error {
	var d Disk
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		var err error
		d, err = disks.FindOne(u, map[string]any{"id": diskID, "vm_id": vmID})
		return err
	})
	if err != nil {
		return err
	}
	switch d.DiskType {
	case DiskImage:
		_, err = m.GetServer(image.ModuleType).Call(ctx, image.MethodDetachImage, mqrpc.WithMethodData(map[string]any{
			"image_id": d.DiskID, "vm_id": vmID, "user_id": userID,
		}))
	case DiskVolume:
		_, err = m.GetServer(volume.ModuleType).Call(ctx, volume.MethodDetachVolume, mqrpc.WithMethodData(map[string]any{
			"volume_id": d.DiskID, "vm_id": vmID, "user_id": userID,
		}))
	default:
		err = errors.NotValidf("disk type %q", d.DiskType)
	}
	if err != nil {
		return errors.Annotatef(err, "detaching %s %s", d.DiskType, d.DiskID)
	}
	return uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		if err := disks.Delete(u, d.ID); err != nil {
			return err
		}
		return u.Commit()
	})
}

// continueDelete deleting -> detaching_disks -> (删除记录) | error
func (m *Manager) continueDelete(ctx context.Context, job lifecycle.Job) error {
	var args jobArgs
	if err := job.Bind(&args); err != nil {
		return err
	}
	if _, err := m.flow.Transition(ctx, args.ID, StatusDetachingDisks, nil, lifecycle.StatusDeleting); err != nil {
		if lifecycle.IsPreconditionError(err) {
			return err
		}
		m.flow.Fail(ctx, args.ID, args.UserID, MethodDeleteVM, err)
		return nil
	}
	v, err := m.view(ctx, args.ID)
	if err != nil {
		m.flow.Fail(ctx, args.ID, args.UserID, MethodDeleteVM, errors.Annotate(err, "loading vm"))
		return nil
	}
	for _, d := range v.Disks {
		if err := m.detachDisk(ctx, v.ID, args.UserID, d.ID); err != nil {
			m.flow.Fail(ctx, v.ID, args.UserID, MethodDeleteVM, errors.Errorf("Handle error: %v while deleting vm.", err))
			return nil
		}
	}
	if _, err := m.callDomain(ctx, domainDelete, domainView(View{VM: v.VM, Disks: []Disk{}}), 10); err != nil {
		m.flow.Fail(ctx, v.ID, args.UserID, MethodDeleteVM, errors.Errorf("Handle error: %v while deleting vm.", err))
		return nil
	}
	if err := m.flow.Remove(ctx, v.ID, removeDisks(v.ID)); err != nil {
		m.flow.Fail(ctx, v.ID, args.UserID, MethodDeleteVM, err)
		return nil
	}
	m.flow.Event(ctx, v.ID, args.UserID, MethodDeleteVM, fmt.Sprintf("VM %s was successfully deleted.", v.Name))
	return nil
}

// Monitoring 按domain层上报的libvirt状态同步电源状态, 运行中的虚拟机恢复为available
func (m *Manager) Monitoring(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { metrics.RecordSweep(ModuleType, time.Since(start), err) }()

	res, err := m.callDomain(ctx, domainVMsState, map[string]any{}, 5)
	states := map[string]string{}
	if err = mqrpc.Unmarshal(&states, res, err); err != nil && !errors.Is(err, mqrpc.ErrNil) {
		return errors.Annotate(err, "listing vm states")
	}
	db := m.App.DB()
	return db.Critical(func() error {
		return uow.Do(ctx, db, func(u *uow.UnitOfWork) error {
			rows, err := vms.GetAll(u)
			if err != nil {
				return err
			}
			patches := make(map[string]map[string]any)
			for _, r := range rows {
				if !lifecycle.IsSettled(r.Status) {
					metrics.RecordSweepRecord(ModuleType, lifecycle.OutcomeSkipped)
					continue
				}
				power := states[r.Name]
				if power == "" {
					power = PowerShutOff
				}
				fields := map[string]any{}
				if power != r.PowerState {
					fields["power_state"] = power
				}
				if power == PowerRunning && r.Status != lifecycle.StatusAvailable {
					fields[lifecycle.ColumnStatus] = string(lifecycle.StatusAvailable)
					fields[lifecycle.ColumnInformation] = ""
				}
				if len(fields) == 0 {
					metrics.RecordSweepRecord(ModuleType, lifecycle.OutcomeOK)
					continue
				}
				patches[r.ID] = fields
				metrics.RecordSweepRecord(ModuleType, lifecycle.OutcomeOK)
			}
			if err := vms.BulkUpdate(u, patches); err != nil {
				return err
			}
			return u.Commit()
		})
	})
}
