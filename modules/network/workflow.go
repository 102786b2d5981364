package network

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/pborman/uuid"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/metrics"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/uow"
)

// hostInterface domain层上报的主机接口
type hostInterface struct {
	Name       string            `json:"name"`
	MAC        string            `json:"mac"`
	IP         string            `json:"ip"`
	Netmask    int               `json:"netmask"`
	Gateway    string            `json:"gateway"`
	InfType    string            `json:"inf_type"`
	MTU        int               `json:"mtu"`
	Speed      int               `json:"speed"`
	PowerState string            `json:"power_state"`
	ExtraSpecs map[string]string `json:"extra_specs"`
}

func (h hostInterface) fields() map[string]any {
	return map[string]any{
		"mac":                       h.MAC,
		"ip":                        h.IP,
		"netmask":                   h.Netmask,
		"gateway":                   h.Gateway,
		"mtu":                       h.MTU,
		"speed":                     h.Speed,
		"power_state":               h.PowerState,
		lifecycle.ColumnStatus:      string(lifecycle.StatusAvailable),
		lifecycle.ColumnInformation: "",
	}
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
	data := domainView(rec)
	data["interfaces"] = args.Interfaces
	data["type"] = m.bridgeType
	res, err := m.callDomain(ctx, domainCreate, data, data, 10)
	if err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateBridge,
			errors.Errorf("An error occurred when calling the domain layer while creating a new bridge: %v", err))
		return nil
	}
	fields := map[string]any{lifecycle.ColumnInformation: ""}
	var out hostInterface
	if err := mqrpc.Decode(res, &out); err == nil && out.PowerState != "" {
		for k, v := range out.fields() {
			fields[k] = v
		}
		delete(fields, lifecycle.ColumnStatus)
	}
	if _, err := m.flow.Transition(ctx, rec.ID, lifecycle.StatusAvailable, fields, lifecycle.StatusCreating); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateBridge, err)
		return nil
	}
	log.TInfo(ctx, "bridge %s created", rec.Name)
	m.flow.Event(ctx, rec.ID, args.UserID, MethodCreateBridge, "Interface created successfully")
	return nil
}

func (m *Manager) continueDelete(ctx context.Context, job lifecycle.Job) error {
	var args jobArgs
	if err := job.Bind(&args); err != nil {
		return err
	}
	rec, err := m.flow.Load(ctx, args.ID)
	if err != nil {
		m.flow.Fail(ctx, args.ID, args.UserID, MethodDeleteBridge, errors.Annotate(err, "loading bridge"))
		return nil
	}
	if err := lifecycle.Require("interface", rec.ID, rec.Status, lifecycle.StatusDeleting); err != nil {
		return err
	}
	data := domainView(rec)
	data["type"] = m.bridgeType
	if _, err := m.callDomain(ctx, domainDelete, data, nil, 10); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodDeleteBridge,
			errors.Errorf("An error occurred when calling the domain layer while deleting the bridge: %v", err))
		return nil
	}
	if err := m.flow.Remove(ctx, rec.ID, removeSpecs(rec.ID)); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodDeleteBridge, err)
		return nil
	}
	m.flow.Event(ctx, rec.ID, args.UserID, MethodDeleteBridge, "Bridge was deleted successfully")
	return nil
}

// Monitoring 按主机上报的接口列表同步: 新接口插入, 已有接口更新, 消失的接口置为error
func (m *Manager) Monitoring(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { metrics.RecordSweep("interface", time.Since(start), err) }()

	res, err := m.callDomain(ctx, domainGetInterfaces, map[string]any{"inf_type": m.bridgeType}, nil, 5)
	var host []hostInterface
	if err = mqrpc.Unmarshal(&host, res, err); err != nil {
		if !errors.Is(err, mqrpc.ErrNil) {
			return errors.Annotate(err, "listing host interfaces")
		}
		err = nil
	}
	db := m.App.DB()
	return db.Critical(func() error {
		return uow.Do(ctx, db, func(u *uow.UnitOfWork) error {
			return syncInterfaces(u, host)
		})
	})
}

func syncInterfaces(u *uow.UnitOfWork, host []hostInterface) error {
	rows, err := interfaces.GetAll(u)
	if err != nil {
		return err
	}
	known := make(map[string]Interface, len(rows))
	for _, r := range rows {
		known[r.Name] = r
	}
	patches := make(map[string]map[string]any)
	for _, h := range host {
		cur, ok := known[h.Name]
		if !ok {
			rec := Interface{
				ID:         uuid.New(),
				Name:       h.Name,
				MAC:        h.MAC,
				IP:         h.IP,
				Netmask:    h.Netmask,
				Gateway:    h.Gateway,
				InfType:    h.InfType,
				MTU:        h.MTU,
				Speed:      h.Speed,
				PowerState: h.PowerState,
				Status:     lifecycle.StatusAvailable,
				CreatedAt:  time.Now().UTC(),
			}
			if rec.InfType == "" {
				rec.InfType = TypePhysical
			}
			if err := interfaces.Add(u, rec); err != nil {
				return err
			}
			if err := replaceSpecs(u, rec.ID, h.ExtraSpecs); err != nil {
				return err
			}
			log.Info("interface %s found on host", h.Name)
			continue
		}
		delete(known, h.Name)
		if !lifecycle.IsSettled(cur.Status) {
			continue
		}
		patches[cur.ID] = h.fields()
		if err := replaceSpecs(u, cur.ID, h.ExtraSpecs); err != nil {
			return err
		}
	}
	for name, cur := range known {
		if !lifecycle.IsSettled(cur.Status) {
			continue
		}
		// 没有ovs端口时ovs-system会自动消失, vnetN随虚拟机消失
		if transient(name) {
			if err := removeSpecs(cur.ID)(u); err != nil {
				return err
			}
			if err := interfaces.Delete(u, cur.ID); err != nil {
				return err
			}
			continue
		}
		patches[cur.ID] = map[string]any{
			lifecycle.ColumnStatus:      string(lifecycle.StatusError),
			lifecycle.ColumnInformation: fmt.Sprintf("Interface %s not found in os.", name),
		}
	}
	if err := interfaces.BulkUpdate(u, patches); err != nil {
		return err
	}
	return u.Commit()
}

func transient(name string) bool {
	if name == "ovs-system" {
		return true
	}
	rest, ok := strings.CutPrefix(name, "vnet")
	if !ok || rest == "" {
		return false
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func replaceSpecs(u *uow.UnitOfWork, id string, sp map[string]string) error {
	if err := specs.DeleteBy(u, "interface_id", id); err != nil {
		return err
	}
	for k, v := range sp {
		if err := specs.Add(u, Spec{ID: uuid.New(), InterfaceID: id, Key: k, Value: v}); err != nil {
			return err
		}
	}
	return nil
}
