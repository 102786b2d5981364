package image

import (
	"time"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/uow"
)

// Image 镜像记录
type Image struct {
	ID          string           `db:"id" json:"id"`
	Name        string           `db:"name" json:"name"`
	Description string           `db:"description" json:"description"`
	StorageID   string           `db:"storage_id" json:"storage_id"`
	StorageType string           `db:"storage_type" json:"storage_type"`
	Size        int64            `db:"size" json:"size"`
	Path        string           `db:"path" json:"path"`
	Status      lifecycle.Status `db:"status" json:"status"`
	Information string           `db:"information" json:"information"`
	UserID      string           `db:"user_id" json:"user_id"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}

func (i Image) RecordID() string               { return i.ID }
func (i Image) RecordStatus() lifecycle.Status { return i.Status }

// Attachment 镜像作为光驱挂载到虚拟机
type Attachment struct {
	ID      string `db:"id" json:"id"`
	ImageID string `db:"image_id" json:"image_id"`
	VMID    string `db:"vm_id" json:"vm_id"`
	UserID  string `db:"user_id" json:"user_id"`
	Target  string `db:"target" json:"target"`
}

// View 返回给调用方的镜像信息
type View struct {
	Image
	Attachments []Attachment `json:"attachments"`
}

var (
	images      = uow.MustTable[Image]("images", "image")
	attachments = uow.MustTable[Attachment]("image_attachments", "image attachment")
)

// Schema 建表语句
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		storage_id TEXT NOT NULL,
		storage_type TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		information TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS image_attachments (
		id TEXT PRIMARY KEY,
		image_id TEXT NOT NULL,
		vm_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL DEFAULT ''
	)`,
}

// graph 镜像用uploading代替creating
var graph = lifecycle.NewGraph("image", lifecycle.Extend(lifecycle.BaseEdges(), map[lifecycle.Status][]lifecycle.Status{
	lifecycle.StatusNew:       {lifecycle.StatusUploading},
	lifecycle.StatusUploading: {lifecycle.StatusAvailable, lifecycle.StatusError},
}))

func attachmentsOf(u *uow.UnitOfWork, imageID string) ([]Attachment, error) {
	rows, err := attachments.FilterBy(u, map[string]any{"image_id": imageID})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Attachment{}
	}
	return rows, nil
}

func domainView(i Image) map[string]any {
	return map[string]any{
		"id":           i.ID,
		"name":         i.Name,
		"storage_id":   i.StorageID,
		"storage_type": i.StorageType,
		"size":         i.Size,
		"path":         i.Path,
		"status":       string(i.Status),
		"information":  i.Information,
	}
}
