package storage

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"github.com/cloudapex/vair/app"
	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/mqrpc"
)

// Ref 其他模块通过存储服务看到的存储
type Ref struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	StorageType string            `json:"storage_type"`
	Status      string            `json:"status"`
	Available   int64             `json:"available"`
	Specs       map[string]string `json:"specs"`
}

// MountPoint 卷和镜像文件所在目录
func (r Ref) MountPoint() string { return r.Specs[SpecMountPoint] }

// CheckCapacity 存储必须可用且剩余空间不小于need
func (r Ref) CheckCapacity(need int64) error {
	if r.Status != string(lifecycle.StatusAvailable) {
		return errors.Errorf("storage %s status is %s but must be available", r.ID, r.Status)
	}
	if need > r.Available {
		return errors.Errorf("not enough free space on storage %s: need %s, available %s",
			r.ID, humanize.IBytes(uint64(need)), humanize.IBytes(uint64(r.Available)))
	}
	return nil
}

// Lookup 查询单个存储
func Lookup(ctx context.Context, s app.IModuleServerSession, id string) (Ref, error) {
	var r Ref
	res, err := s.Call(ctx, MethodGetStorage, mqrpc.WithMethodData(map[string]any{"storage_id": id}))
	if err := mqrpc.Unmarshal(&r, res, err); err != nil {
		return r, errors.Annotatef(err, "getting storage %s", id)
	}
	return r, nil
}

// LookupAll 所有存储, 按id索引
func LookupAll(ctx context.Context, s app.IModuleServerSession) (map[string]Ref, error) {
	var list []Ref
	res, err := s.Call(ctx, MethodGetAllStorages)
	if err := mqrpc.Unmarshal(&list, res, err); err != nil && !errors.Is(err, mqrpc.ErrNil) {
		return nil, errors.Annotate(err, "listing storages")
	}
	out := make(map[string]Ref, len(list))
	for _, r := range list {
		out[r.ID] = r
	}
	return out, nil
}
