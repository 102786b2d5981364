package blockdevice

import (
	"time"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/uow"
)

// 块设备接口类型
const (
	TypeISCSI        = "iscsi"
	TypeFibreChannel = "fibre_channel"
)

// Session 一个iSCSI会话(登录的target)
type Session struct {
	ID        string           `db:"id" json:"id"`
	IP        string           `db:"ip" json:"ip"`
	Port      string           `db:"port" json:"port"`
	InfType   string           `db:"inf_type" json:"inf_type"`
	Status    lifecycle.Status `db:"status" json:"status"`
	UserID    string           `db:"user_id" json:"user_id"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

func (s Session) RecordID() string               { return s.ID }
func (s Session) RecordStatus() lifecycle.Status { return s.Status }

var sessions = uow.MustTable[Session]("block_device_sessions", "block device session")

// Schema 建表语句
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS block_device_sessions (
		id TEXT PRIMARY KEY,
		ip TEXT NOT NULL,
		port TEXT NOT NULL DEFAULT '',
		inf_type TEXT NOT NULL,
		status TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
}

// 登录是同步的: new直接到available
var graph = lifecycle.NewGraph("block device session", lifecycle.Extend(lifecycle.BaseEdges(), map[lifecycle.Status][]lifecycle.Status{
	lifecycle.StatusNew: {lifecycle.StatusAvailable},
}))

func domainView(s Session) map[string]any {
	return map[string]any{
		"id":       s.ID,
		"ip":       s.IP,
		"port":     s.Port,
		"inf_type": s.InfType,
		"status":   string(s.Status),
	}
}
