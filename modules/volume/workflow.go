package volume

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/modules/storage"
	"github.com/cloudapex/vair/mqrpc"
)

const powerStateShutOff = "shut_off"

// domainVolume domain层返回的卷状态
type domainVolume struct {
	Size int64  `json:"size"`
	Used int64  `json:"used"`
	Path string `json:"path"`
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
	s, err := storage.Lookup(ctx, m.GetServer(storageModule), rec.StorageID)
	if err == nil {
		err = s.CheckCapacity(rec.Size)
	}
	if err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateVolume,
			errors.Errorf("An error occurred while creating volume: %v", err))
		return nil
	}
	rec.Path = s.MountPoint()
	rec.StorageType = s.StorageType
	if err := m.flow.Patch(ctx, rec.ID, map[string]any{"path": rec.Path, "storage_type": rec.StorageType}); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateVolume, err)
		return nil
	}

	var data any
	if args.Template != nil {
		data = args.Template
	}
	res, err := m.callDomain(ctx, domainCreate, domainView(rec), data, 10)
	var out domainVolume
	if err := mqrpc.Unmarshal(&out, res, err); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateVolume,
			errors.Errorf("An error occurred when calling the domain layer while creating volume: %v", err))
		return nil
	}
	fields := map[string]any{"used": out.Used, lifecycle.ColumnInformation: ""}
	if out.Size > 0 {
		fields["size"] = out.Size
	}
	if _, err := m.flow.Transition(ctx, rec.ID, lifecycle.StatusAvailable, fields, lifecycle.StatusCreating); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateVolume, err)
		return nil
	}
	log.TInfo(ctx, "volume %s created on storage %s (%s)", volumeName(rec), rec.StorageID, humanize.IBytes(uint64(rec.Size)))
	m.flow.Event(ctx, rec.ID, args.UserID, MethodCreateVolume, "Volume successfully created in the system.")
	return nil
}

// continueExtend extending -> available|error, 挂载的虚拟机必须是关机状态
func (m *Manager) continueExtend(ctx context.Context, job lifecycle.Job) error {
	var args jobArgs
	if err := job.Bind(&args); err != nil {
		return err
	}
	v, err := m.view(ctx, args.ID)
	if err != nil {
		m.flow.Fail(ctx, args.ID, args.UserID, MethodExtendVolume, errors.Annotate(err, "loading volume"))
		return nil
	}
	if err := lifecycle.Require(ModuleType, v.ID, v.Status, lifecycle.StatusExtending); err != nil {
		return err
	}

	if running := m.runningVMs(ctx, v.Attachments); len(running) > 0 {
		msg := fmt.Sprintf("Volume %s is attached to vms %s which are not shut off.", v.ID, strings.Join(running, ", "))
		if _, err := m.flow.Transition(ctx, v.ID, lifecycle.StatusAvailable,
			map[string]any{lifecycle.ColumnInformation: msg}, lifecycle.StatusExtending); err != nil {
			m.flow.Fail(ctx, v.ID, args.UserID, MethodExtendVolume, err)
			return nil
		}
		m.flow.Event(ctx, v.ID, args.UserID, MethodExtendVolume, msg)
		return nil
	}

	s, err := storage.Lookup(ctx, m.GetServer(storageModule), v.StorageID)
	if err == nil {
		err = s.CheckCapacity(args.NewSize - v.Size)
	}
	if err != nil {
		m.flow.Fail(ctx, v.ID, args.UserID, MethodExtendVolume,
			errors.Errorf("An error occurred while extending volume: %v", err))
		return nil
	}
	if _, err := m.callDomain(ctx, domainExtend, domainView(v.Volume), map[string]any{"new_size": args.NewSize}, 10); err != nil {
		m.flow.Fail(ctx, v.ID, args.UserID, MethodExtendVolume,
			errors.Errorf("An error occurred when calling the domain layer while extending volume: %v", err))
		return nil
	}
	if _, err := m.flow.Transition(ctx, v.ID, lifecycle.StatusAvailable, map[string]any{
		"size":                      args.NewSize,
		lifecycle.ColumnInformation: "",
	}, lifecycle.StatusExtending); err != nil {
		m.flow.Fail(ctx, v.ID, args.UserID, MethodExtendVolume, err)
		return nil
	}
	log.TInfo(ctx, "volume %s extended to %s", volumeName(v.Volume), humanize.IBytes(uint64(args.NewSize)))
	m.flow.Event(ctx, v.ID, args.UserID, MethodExtendVolume, "Volume successfully extended.")
	return nil
}

// runningVMs 返回不是关机状态(或无法确认)的虚拟机
func (m *Manager) runningVMs(ctx context.Context, att []Attachment) []string {
	var out []string
	for _, a := range att {
		res, err := m.GetServer(vmModule).Call(ctx, siblingGetVM, mqrpc.WithMethodData(map[string]any{"vm_id": a.VMID}))
		var vm struct {
			PowerState string `json:"power_state"`
		}
		if err := mqrpc.Unmarshal(&vm, res, err); err != nil {
			log.TWarning(ctx, "getting power state of vm %s: %v", a.VMID, err)
			out = append(out, a.VMID)
			continue
		}
		if vm.PowerState != powerStateShutOff {
			out = append(out, a.VMID)
		}
	}
	return out
}

// continueDelete deleting -> (删除记录) | error
func (m *Manager) continueDelete(ctx context.Context, job lifecycle.Job) error {
	var args jobArgs
	if err := job.Bind(&args); err != nil {
		return err
	}
	rec, err := m.flow.Load(ctx, args.ID)
	if err != nil {
		m.flow.Fail(ctx, args.ID, args.UserID, MethodDeleteVolume, errors.Annotate(err, "loading volume"))
		return nil
	}
	if err := lifecycle.Require(ModuleType, rec.ID, rec.Status, lifecycle.StatusDeleting); err != nil {
		return err
	}
	// 创建失败的卷可能从未到达存储
	if rec.StorageType != "" {
		if _, err := m.callDomain(ctx, domainDelete, domainView(rec), nil, 10); err != nil {
			m.flow.Fail(ctx, rec.ID, args.UserID, MethodDeleteVolume,
				errors.Errorf("An error occurred when calling the domain layer while deleting volume: %v", err))
			return nil
		}
	}
	if err := m.flow.Remove(ctx, rec.ID, removeAttachments(rec.ID)); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodDeleteVolume, err)
		return nil
	}
	log.TInfo(ctx, "volume %s deleted", volumeName(rec))
	m.flow.Event(ctx, rec.ID, args.UserID, MethodDeleteVolume, "Volume successfully deleted from the system.")
	return nil
}

// Monitoring 周期巡检: 先取全部存储, 再逐个卷向domain层查询实际容量
func (m *Manager) Monitoring(ctx context.Context) error {
	byID, err := storage.LookupAll(ctx, m.GetServer(storageModule))
	if err != nil {
		return err
	}
	sweep := *m.monitor
	sweep.Probe = func(ctx context.Context, v Volume) (map[string]any, error) {
		return m.probe(ctx, v, byID)
	}
	return sweep.Sweep(ctx)
}

func (m *Manager) probe(ctx context.Context, v Volume, storages map[string]storage.Ref) (map[string]any, error) {
	s, ok := storages[v.StorageID]
	if !ok {
		return nil, errors.NotFoundf("storage %s of volume", v.StorageID)
	}
	if s.Status != string(lifecycle.StatusAvailable) {
		return nil, errors.Errorf("storage %s status is %s", s.ID, s.Status)
	}
	res, err := m.callDomain(ctx, domainAttachInfo, domainView(v), nil, 5)
	var out domainVolume
	if err := mqrpc.Unmarshal(&out, res, err); err != nil {
		return nil, err
	}
	fields := map[string]any{"used": out.Used}
	if out.Size > 0 {
		fields["size"] = out.Size
	}
	return fields, nil
}
