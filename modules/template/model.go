package template

import (
	"time"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/uow"
)

// Template 磁盘模板记录
type Template struct {
	ID          string           `db:"id" json:"id"`
	Name        string           `db:"name" json:"name"`
	Description string           `db:"description" json:"description"`
	StorageID   string           `db:"storage_id" json:"storage_id"`
	Path        string           `db:"path" json:"path"`
	Format      string           `db:"tmp_format" json:"tmp_format"`
	Size        int64            `db:"size" json:"size"`
	Status      lifecycle.Status `db:"status" json:"status"`
	Information string           `db:"information" json:"information"`
	IsBacking   bool             `db:"is_backing" json:"is_backing"`
	UserID      string           `db:"user_id" json:"user_id"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}

func (t Template) RecordID() string               { return t.ID }
func (t Template) RecordStatus() lifecycle.Status { return t.Status }

var templates = uow.MustTable[Template]("templates", "template")

// Schema 建表语句
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		storage_id TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		tmp_format TEXT NOT NULL DEFAULT 'qcow2',
		size INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		information TEXT NOT NULL DEFAULT '',
		is_backing BOOLEAN NOT NULL DEFAULT 0,
		user_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
}

var graph = lifecycle.NewGraph("template", lifecycle.Extend(lifecycle.BaseEdges(), map[lifecycle.Status][]lifecycle.Status{
	lifecycle.StatusAvailable: {lifecycle.StatusEditing},
	lifecycle.StatusEditing:   {lifecycle.StatusAvailable, lifecycle.StatusError},
}))

func domainView(t Template, related []string) map[string]any {
	return map[string]any{
		"name":            t.Name,
		"path":            t.Path,
		"tmp_format":      t.Format,
		"description":     t.Description,
		"is_backing":      t.IsBacking,
		"related_volumes": related,
	}
}
