package vm

import (
	"time"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/uow"
)

// 虚拟机特有的中间状态
const (
	StatusStarting       lifecycle.Status = "starting"
	StatusShutOffing     lifecycle.Status = "shut_offing"
	StatusEditing        lifecycle.Status = "editing"
	StatusDetachingDisks lifecycle.Status = "detaching_disks"
)

// 电源状态(与libvirt一致)
const (
	PowerRunning   = "running"
	PowerIdle      = "idle"
	PowerPaused    = "paused"
	PowerShutOff   = "shut_off"
	PowerCrashed   = "crashed"
	PowerSuspended = "suspended"
	PowerStopped   = "stopped"
)

// 磁盘类型
const (
	DiskVolume = "volume"
	DiskImage  = "image"
)

// VM 虚拟机
type VM struct {
	ID          string           `db:"id" json:"id"`
	Name        string           `db:"name" json:"name"`
	Description string           `db:"description" json:"description"`
	Cores       int              `db:"cores" json:"cores"`
	Sockets     int              `db:"sockets" json:"sockets"`
	Threads     int              `db:"threads" json:"threads"`
	CPUModel    string           `db:"cpu_model" json:"cpu_model"`
	RAM         int64            `db:"ram" json:"ram"`
	OSType      string           `db:"os_type" json:"os_type"`
	BootDevice  string           `db:"boot_device" json:"boot_device"`
	GraphicType string           `db:"graphic_type" json:"graphic_type"`
	Status      lifecycle.Status `db:"status" json:"status"`
	PowerState  string           `db:"power_state" json:"power_state"`
	Information string           `db:"information" json:"information"`
	UserID      string           `db:"user_id" json:"user_id"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}

func (v VM) RecordID() string               { return v.ID }
func (v VM) RecordStatus() lifecycle.Status { return v.Status }

// Disk 挂载到虚拟机的卷或镜像
type Disk struct {
	ID        string `db:"id" json:"id"`
	VMID      string `db:"vm_id" json:"vm_id"`
	DiskType  string `db:"disk_type" json:"type"`
	DiskID    string `db:"disk_id" json:"disk_id"`
	Path      string `db:"path" json:"path"`
	Size      int64  `db:"size" json:"size"`
	ReadOnly  bool   `db:"read_only" json:"read_only"`
	BootOrder int    `db:"boot_order" json:"boot_order"`
	Target    string `db:"target" json:"target"`
}

// View 虚拟机及其磁盘
type View struct {
	VM
	Disks []Disk `json:"disks"`
}

var (
	vms   = uow.MustTable[VM]("virtual_machines", "vm")
	disks = uow.MustTable[Disk]("vm_disks", "vm disk")
)

// Schema 建表语句
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS virtual_machines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		cores INTEGER NOT NULL DEFAULT 1,
		sockets INTEGER NOT NULL DEFAULT 1,
		threads INTEGER NOT NULL DEFAULT 1,
		cpu_model TEXT NOT NULL DEFAULT '',
		ram INTEGER NOT NULL DEFAULT 0,
		os_type TEXT NOT NULL DEFAULT '',
		boot_device TEXT NOT NULL DEFAULT '',
		graphic_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		power_state TEXT NOT NULL DEFAULT 'shut_off',
		information TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS vm_disks (
		id TEXT PRIMARY KEY,
		vm_id TEXT NOT NULL,
		disk_type TEXT NOT NULL,
		disk_id TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		read_only BOOLEAN NOT NULL DEFAULT FALSE,
		boot_order INTEGER NOT NULL DEFAULT 0,
		target TEXT NOT NULL DEFAULT ''
	)`,
}

var graph = lifecycle.NewGraph("vm", lifecycle.Extend(lifecycle.BaseEdges(), map[lifecycle.Status][]lifecycle.Status{
	lifecycle.StatusAvailable: {StatusStarting, StatusShutOffing, StatusEditing},
	lifecycle.StatusError:     {StatusStarting, StatusShutOffing, StatusEditing},
	StatusStarting:            {lifecycle.StatusAvailable, lifecycle.StatusError},
	StatusShutOffing:          {lifecycle.StatusAvailable, lifecycle.StatusError},
	StatusEditing:             {lifecycle.StatusAvailable, lifecycle.StatusError},
	lifecycle.StatusDeleting:  {StatusDetachingDisks},
	StatusDetachingDisks:      {lifecycle.StatusError},
}))

func disksOf(u *uow.UnitOfWork, vmID string) ([]Disk, error) {
	rows, err := disks.FilterBy(u, map[string]any{"vm_id": vmID})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Disk{}
	}
	return rows, nil
}

func removeDisks(vmID string) func(u *uow.UnitOfWork) error {
	return func(u *uow.UnitOfWork) error {
		return disks.DeleteBy(u, "vm_id", vmID)
	}
}

// targets 按磁盘顺序分配sda, sdb...; 镜像用ide模拟
func targets(ds []Disk) []map[string]any {
	out := make([]map[string]any, 0, len(ds))
	for i, d := range ds {
		m := map[string]any{
			"id":         d.ID,
			"type":       d.DiskType,
			"disk_id":    d.DiskID,
			"path":       d.Path,
			"size":       d.Size,
			"read_only":  d.ReadOnly,
			"boot_order": d.BootOrder,
			"target":     d.Target,
		}
		if d.Target == "" {
			m["target"] = "sd" + string(rune('a'+i%26))
		}
		if d.DiskType == DiskImage {
			m["emulation"] = "ide"
		}
		out = append(out, m)
	}
	return out
}

func domainView(v View) map[string]any {
	return map[string]any{
		"id":           v.ID,
		"name":         v.Name,
		"cpu":          map[string]any{"cores": v.Cores, "sockets": v.Sockets, "threads": v.Threads, "model": v.CPUModel},
		"ram":          map[string]any{"size": v.RAM},
		"os":           map[string]any{"os_type": v.OSType, "boot_device": v.BootDevice},
		"graphic_type": v.GraphicType,
		"power_state":  v.PowerState,
		"disks":        targets(v.Disks),
	}
}
