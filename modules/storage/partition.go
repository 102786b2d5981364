package storage

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/uow"
)

const partitionStorageType = "local_partition"

// LocalDisk domain层报告的本地磁盘或分区
type LocalDisk struct {
	Path       string `json:"path"`
	Name       string `json:"name"`
	Type       string `json:"type"` // disk, part
	Parent     string `json:"parent"`
	Size       int64  `json:"size"`
	FsUUID     string `json:"fs_uuid"`
	Mountpoint string `json:"mountpoint"`
	System     bool   `json:"system"`
}

// LocalDisksRequest 查询本地磁盘
type LocalDisksRequest struct {
	FreeLocalDisks bool `json:"free_local_disks"`
}

// CreatePartitionRequest 在本地磁盘上创建分区
type CreatePartitionRequest struct {
	LocalDiskPath string `json:"local_disk_path" validate:"required"`
	StorageType   string `json:"storage_type"`
	SizeValue     string `json:"size_value" validate:"required"`
	SizeUnit      string `json:"size_unit" validate:"required"`
	UserID        string `json:"user_id"`
}

// DeletePartitionRequest 删除本地分区
type DeletePartitionRequest struct {
	LocalDiskPath   string `json:"local_disk_path" validate:"required"`
	PartitionNumber string `json:"partition_number" validate:"required"`
	StorageType     string `json:"storage_type"`
	UserID          string `json:"user_id"`
}

// PartitionsInfoRequest 查询磁盘的分区表
type PartitionsInfoRequest struct {
	DiskPath string `json:"disk_path" validate:"required"`
	Unit     string `json:"unit"`
}

// localDisks 向domain层查询本地磁盘和分区
func (m *Manager) localDisks(ctx context.Context) ([]LocalDisk, error) {
	res, err := m.callDomain(ctx, domainLocalDisks, map[string]any{"storage_type": TypeLocalFS}, nil, 5)
	if err != nil {
		return nil, err
	}
	var out []LocalDisk
	if err := mqrpc.Decode(res, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) diskByFsUUID(ctx context.Context, fsUUID string) (LocalDisk, error) {
	disks, err := m.localDisks(ctx)
	if err != nil {
		return LocalDisk{}, err
	}
	for _, d := range disks {
		if d.FsUUID == fsUUID {
			return d, nil
		}
	}
	return LocalDisk{}, errors.NotFoundf("local disk with fs uuid %s", fsUUID)
}

// checkDevice 设备必须存在且不是系统盘/系统分区
func (m *Manager) checkDevice(ctx context.Context, path string) error {
	disks, err := m.localDisks(ctx)
	if err != nil {
		return errors.Annotate(err, "listing local disks")
	}
	for _, d := range disks {
		if d.Path != path {
			continue
		}
		if d.System {
			if d.Type == "part" {
				return errors.NotValidf("system partition %s, please specify a non-system partition", path)
			}
			return errors.NotValidf("system disk %s, please specify a non-system partition", path)
		}
		return nil
	}
	return errors.NotFoundf("device by path %s", path)
}

func (m *Manager) getLocalDisks(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in LocalDisksRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "get local disks")
	}
	disks, err := m.localDisks(ctx)
	if err != nil {
		return nil, err
	}
	if !in.FreeLocalDisks {
		return disks, nil
	}
	free := []LocalDisk{}
	err = uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		for _, d := range disks {
			used, err := specs.Exists(u, map[string]any{"spec_key": SpecPath, "spec_value": d.Path})
			if err != nil {
				return err
			}
			if !used {
				free = append(free, d)
			}
		}
		return nil
	})
	return free, err
}

func (m *Manager) createLocalPartition(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in CreatePartitionRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "create local partition")
	}
	if in.StorageType == "" {
		in.StorageType = partitionStorageType
	}
	disks, err := m.localDisks(ctx)
	if err != nil {
		return nil, err
	}
	if !hasDisk(disks, in.LocalDiskPath) {
		return nil, errors.NotFoundf("storage path %q", in.LocalDiskPath)
	}

	res, err := m.callDomain(ctx, domainCreatePartition,
		map[string]any{"local_disk_path": in.LocalDiskPath, "storage_type": in.StorageType},
		map[string]any{"size_value": in.SizeValue, "size_unit": in.SizeUnit}, 1)
	var num string // domain层返回新分区号
	if err := mqrpc.Unmarshal(&num, res, err); err != nil {
		return nil, err
	}

	partPath := in.LocalDiskPath + num
	part := LocalDisk{Path: partPath, Type: "part", Parent: in.LocalDiskPath}
	if disks, err := m.localDisks(ctx); err == nil {
		for _, d := range disks {
			if d.Path == partPath {
				part = d
				break
			}
		}
	}
	log.TInfo(ctx, "partition %s created (%s)", partPath, humanize.IBytes(uint64(part.Size)))
	m.flow.Event(ctx, "", in.UserID, MethodCreateLocalPartition,
		fmt.Sprintf("Partition %s was created on disk %s", partPath, in.LocalDiskPath))
	return part, nil
}

func (m *Manager) deleteLocalPartition(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in DeletePartitionRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "delete local partition")
	}
	if in.StorageType == "" {
		in.StorageType = partitionStorageType
	}
	partPath := in.LocalDiskPath + in.PartitionNumber
	disks, err := m.localDisks(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range disks {
		if d.Path == partPath && d.System {
			return nil, errors.NotValidf("deleting system partition %s", partPath)
		}
	}

	var names []string
	err = uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rows, err := specs.FilterBy(u, map[string]any{"spec_key": SpecPath, "spec_value": partPath})
		if err != nil {
			return err
		}
		for _, r := range rows {
			s, err := storages.Get(u, r.StorageID)
			if err != nil {
				return err
			}
			names = append(names, s.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		return nil, &lifecycle.DependencyError{
			Resource:   "Partition",
			ID:         partPath,
			Dependants: []string{fmt.Sprintf("storages %v, please delete them first", names)},
		}
	}

	if _, err := m.callDomain(ctx, domainDeletePartition,
		map[string]any{"local_disk_path": in.LocalDiskPath, "storage_type": in.StorageType},
		map[string]any{"partition_number": in.PartitionNumber}, 1); err != nil {
		return nil, err
	}
	m.flow.Event(ctx, "", in.UserID, MethodDeleteLocalPartition,
		fmt.Sprintf("Partition %s was deleted from disk %s", in.PartitionNumber, in.LocalDiskPath))
	return map[string]any{"message": "partition successfully deleted."}, nil
}

func (m *Manager) getLocalPartitionsInfo(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in PartitionsInfoRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "get partitions info")
	}
	var args any
	if in.Unit != "" {
		args = map[string]any{"unit": in.Unit}
	}
	return m.callDomain(ctx, domainGetPartitionsInfo,
		map[string]any{"local_disk_path": in.DiskPath, "storage_type": partitionStorageType}, args, 1)
}

func hasDisk(disks []LocalDisk, path string) bool {
	for _, d := range disks {
		if d.Path == path {
			return true
		}
	}
	return false
}
