package volume

import (
	"time"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/uow"
)

// 卷格式
const (
	FormatQcow2 = "qcow2"
	FormatRaw   = "raw"
)

// Volume 卷记录
type Volume struct {
	ID          string           `db:"id" json:"id"`
	Name        string           `db:"name" json:"name"`
	Description string           `db:"description" json:"description"`
	StorageID   string           `db:"storage_id" json:"storage_id"`
	StorageType string           `db:"storage_type" json:"storage_type"`
	Format      string           `db:"format" json:"format"`
	Size        int64            `db:"size" json:"size"`
	Used        int64            `db:"used" json:"used"`
	Path        string           `db:"path" json:"path"`
	Status      lifecycle.Status `db:"status" json:"status"`
	Information string           `db:"information" json:"information"`
	ReadOnly    bool             `db:"read_only" json:"read_only"`
	TemplateID  string           `db:"template_id" json:"template_id"`
	UserID      string           `db:"user_id" json:"user_id"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}

func (v Volume) RecordID() string               { return v.ID }
func (v Volume) RecordStatus() lifecycle.Status { return v.Status }

// Attachment 卷与虚拟机的挂载关系
type Attachment struct {
	ID        string `db:"id" json:"id"`
	VolumeID  string `db:"volume_id" json:"volume_id"`
	VMID      string `db:"vm_id" json:"vm_id"`
	Target    string `db:"target" json:"target"`
	BootOrder int    `db:"boot_order" json:"boot_order"`
}

// View 返回给调用方的卷信息
type View struct {
	Volume
	Attachments []Attachment `json:"attachments"`
}

var (
	volumes     = uow.MustTable[Volume]("volumes", "volume")
	attachments = uow.MustTable[Attachment]("volume_attachments", "volume attachment")
)

// Schema 建表语句
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS volumes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		storage_id TEXT NOT NULL,
		storage_type TEXT NOT NULL DEFAULT '',
		format TEXT NOT NULL DEFAULT 'qcow2',
		size INTEGER NOT NULL DEFAULT 0,
		used INTEGER NOT NULL DEFAULT 0,
		path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		information TEXT NOT NULL DEFAULT '',
		read_only BOOLEAN NOT NULL DEFAULT 0,
		template_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS volume_attachments (
		id TEXT PRIMARY KEY,
		volume_id TEXT NOT NULL,
		vm_id TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		boot_order INTEGER NOT NULL DEFAULT 0
	)`,
}

// graph 在基础图上增加扩容
var graph = lifecycle.NewGraph("volume", lifecycle.Extend(lifecycle.BaseEdges(), map[lifecycle.Status][]lifecycle.Status{
	lifecycle.StatusAvailable: {lifecycle.StatusExtending},
	lifecycle.StatusExtending: {lifecycle.StatusAvailable, lifecycle.StatusError},
}))

func attachmentsOf(u *uow.UnitOfWork, volumeID string) ([]Attachment, error) {
	rows, err := attachments.FilterBy(u, map[string]any{"volume_id": volumeID})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Attachment{}
	}
	return rows, nil
}

// domainView 发送给domain层的卷描述
func domainView(v Volume) map[string]any {
	return map[string]any{
		"id":           v.ID,
		"name":         v.Name,
		"storage_id":   v.StorageID,
		"storage_type": v.StorageType,
		"format":       v.Format,
		"size":         v.Size,
		"path":         v.Path,
		"read_only":    v.ReadOnly,
	}
}
