package network

import (
	"time"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/uow"
)

// 接口类型
const (
	TypeBridge   = "bridge"
	TypePhysical = "physical"
)

// 接口开关状态
const (
	PowerUp   = "UP"
	PowerDown = "DOWN"
)

// Interface 主机网络接口(物理接口或网桥)
type Interface struct {
	ID          string           `db:"id" json:"id"`
	Name        string           `db:"name" json:"name"`
	MAC         string           `db:"mac" json:"mac"`
	IP          string           `db:"ip" json:"ip"`
	Netmask     int              `db:"netmask" json:"netmask"`
	Gateway     string           `db:"gateway" json:"gateway"`
	InfType     string           `db:"inf_type" json:"inf_type"`
	MTU         int              `db:"mtu" json:"mtu"`
	Speed       int              `db:"speed" json:"speed"`
	PowerState  string           `db:"power_state" json:"power_state"`
	Status      lifecycle.Status `db:"status" json:"status"`
	Information string           `db:"information" json:"information"`
	UserID      string           `db:"user_id" json:"user_id"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}

func (i Interface) RecordID() string               { return i.ID }
func (i Interface) RecordStatus() lifecycle.Status { return i.Status }

// Spec 接口的附加属性(由主机上报)
type Spec struct {
	ID          string `db:"id" json:"id"`
	InterfaceID string `db:"interface_id" json:"interface_id"`
	Key         string `db:"spec_key" json:"key"`
	Value       string `db:"spec_value" json:"value"`
}

// View 接口及其附加属性
type View struct {
	Interface
	ExtraSpecs map[string]string `json:"extra_specs"`
}

var (
	interfaces = uow.MustTable[Interface]("interfaces", "interface")
	specs      = uow.MustTable[Spec]("interface_extra_specs", "interface extra spec")
)

// Schema 建表语句
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS interfaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		mac TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		netmask INTEGER NOT NULL DEFAULT 0,
		gateway TEXT NOT NULL DEFAULT '',
		inf_type TEXT NOT NULL DEFAULT '',
		mtu INTEGER NOT NULL DEFAULT 0,
		speed INTEGER NOT NULL DEFAULT 0,
		power_state TEXT NOT NULL DEFAULT 'DOWN',
		status TEXT NOT NULL,
		information TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS interface_extra_specs (
		id TEXT PRIMARY KEY,
		interface_id TEXT NOT NULL,
		spec_key TEXT NOT NULL,
		spec_value TEXT NOT NULL DEFAULT ''
	)`,
}

var graph = lifecycle.NewGraph("interface", lifecycle.BaseEdges())

func specsOf(u *uow.UnitOfWork, id string) (map[string]string, error) {
	rows, err := specs.FilterBy(u, map[string]any{"interface_id": id})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func removeSpecs(id string) func(u *uow.UnitOfWork) error {
	return func(u *uow.UnitOfWork) error {
		return specs.DeleteBy(u, "interface_id", id)
	}
}

func domainView(i Interface) map[string]any {
	return map[string]any{
		"id":          i.ID,
		"name":        i.Name,
		"ip":          i.IP,
		"netmask":     i.Netmask,
		"gateway":     i.Gateway,
		"inf_type":    i.InfType,
		"power_state": i.PowerState,
	}
}
