package storage

import (
	"time"

	"github.com/juju/errors"
	"github.com/pborman/uuid"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/uow"
)

// 存储类型
const (
	TypeLocalFS = "localfs"
	TypeNFS     = "nfs"
)

// 附属表中的规格项
const (
	SpecPath       = "path"
	SpecIP         = "ip"
	SpecFsUUID     = "fs_uuid"
	SpecMountPoint = "mount_point"
)

// Storage 存储池记录
type Storage struct {
	ID          string           `db:"id" json:"id"`
	Name        string           `db:"name" json:"name"`
	Description string           `db:"description" json:"description"`
	StorageType string           `db:"storage_type" json:"storage_type"`
	Status      lifecycle.Status `db:"status" json:"status"`
	Information string           `db:"information" json:"information"`
	UserID      string           `db:"user_id" json:"user_id"`
	Size        int64            `db:"size" json:"size"`
	Available   int64            `db:"available" json:"available"`
	Initialized bool             `db:"initialized" json:"initialized"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}

func (s Storage) RecordID() string               { return s.ID }
func (s Storage) RecordStatus() lifecycle.Status { return s.Status }

// Spec 存储规格(key/value附属表)
type Spec struct {
	ID        string `db:"id"`
	StorageID string `db:"storage_id"`
	Key       string `db:"spec_key"`
	Value     string `db:"spec_value"`
}

// View 返回给调用方的存储信息
type View struct {
	Storage
	Specs map[string]string `json:"specs"`
}

var (
	storages = uow.MustTable[Storage]("storages", "storage")
	specs    = uow.MustTable[Spec]("storage_extra_specs", "storage spec")
)

// Schema 建表语句
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS storages (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		storage_type TEXT NOT NULL,
		status TEXT NOT NULL,
		information TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		available INTEGER NOT NULL DEFAULT 0,
		initialized BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS storage_extra_specs (
		id TEXT PRIMARY KEY,
		storage_id TEXT NOT NULL,
		spec_key TEXT NOT NULL,
		spec_value TEXT NOT NULL DEFAULT ''
	)`,
}

// graph new -> creating -> available <-> error, 另外允许disconnected
var graph = lifecycle.NewGraph("storage", lifecycle.Extend(lifecycle.BaseEdges(), map[lifecycle.Status][]lifecycle.Status{
	lifecycle.StatusAvailable:    {lifecycle.StatusDisconnected},
	lifecycle.StatusError:        {lifecycle.StatusDisconnected},
	lifecycle.StatusDisconnected: {lifecycle.StatusAvailable, lifecycle.StatusError, lifecycle.StatusDeleting},
}))

// specsOf 读取存储的规格
func specsOf(u *uow.UnitOfWork, storageID string) (map[string]string, error) {
	rows, err := specs.FilterBy(u, map[string]any{"storage_id": storageID})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// setSpec 更新或新增一个规格项
func setSpec(u *uow.UnitOfWork, storageID, key, value string) error {
	row, err := specs.FindOne(u, map[string]any{"storage_id": storageID, "spec_key": key})
	switch {
	case err == nil:
		return specs.Patch(u, row.ID, map[string]any{"spec_value": value})
	case !errors.Is(err, errors.NotFound):
		return err
	}
	return specs.Add(u, Spec{ID: uuid.New(), StorageID: storageID, Key: key, Value: value})
}

// domainView 发送给domain层的存储描述(规格展开到顶层)
func domainView(s Storage, sp map[string]string) map[string]any {
	m := map[string]any{
		"id":           s.ID,
		"name":         s.Name,
		"storage_type": s.StorageType,
		"status":       string(s.Status),
		"size":         s.Size,
		"available":    s.Available,
		"specs":        sp,
	}
	for k, v := range sp {
		m[k] = v
	}
	return m
}
