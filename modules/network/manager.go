// Package network 网络服务: 主机接口的同步, 网桥的创建和删除, 接口开关
package network

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/pborman/uuid"

	"github.com/cloudapex/vair/app"
	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/module"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/uow"
)

// ModuleType 模块类型(也是服务队列名)
const ModuleType = "network"

// 服务方法
const (
	MethodGetAllInterfaces = "get_all_interfaces"
	MethodGetInterface     = "get_interface"
	MethodGetBridgesList   = "get_bridges_list"
	MethodCreateBridge     = "create_bridge"
	MethodDeleteBridge     = "delete_bridge"
	MethodTurnOn           = "turn_on"
	MethodTurnOff          = "turn_off"
)

const (
	jobCreate = "_create_bridge"
	jobDelete = "_delete_bridge"
)

// domain层方法
const (
	domainCreate        = "create"
	domainDelete        = "delete"
	domainBridgesList   = "get_bridges_list"
	domainGetInterfaces = "get_interfaces"
	domainEnable        = "enable"
	domainDisable       = "disable"
)

// SettingBridgeType 网桥实现(ovs或netplan)
const SettingBridgeType = "bridge_type"

const domainTimeLimit = 60 * time.Second

// Module 创建网络模块
var Module = func() app.IModule {
	return new(Manager)
}

// Manager 网络服务
type Manager struct {
	module.ModuleBase

	bridgeType string
	flow       *lifecycle.Workflow[Interface]
}

func (m *Manager) GetType() string { return ModuleType }
func (m *Manager) Version() string { return "1.0.0" }

func (m *Manager) OnInit(a app.IApp, settings *conf.ModuleSettings) error {
	interval := settings.GetSeconds(module.SettingMonitoringInterval, 10*time.Second)
	if err := m.ModuleBase.Init(a, m, settings, module.Periodic("network.monitoring", interval, m.Monitoring)); err != nil {
		return err
	}
	if err := a.DB().Migrate(context.Background(), Schema...); err != nil {
		return err
	}
	m.bridgeType = settings.GetString(SettingBridgeType, "ovs")
	m.flow = &lifecycle.Workflow[Interface]{
		Resource: "interface",
		DB:       a.DB(),
		Table:    interfaces,
		Graph:    graph,
		Events:   a.Events(),
	}

	m.Register(MethodGetAllInterfaces, m.getAllInterfaces)
	m.Register(MethodGetInterface, m.getInterface)
	m.Register(MethodGetBridgesList, m.getBridgesList)
	m.Register(MethodCreateBridge, m.createBridge)
	m.Register(MethodDeleteBridge, m.deleteBridge)
	m.Register(MethodTurnOn, m.turnOn)
	m.Register(MethodTurnOff, m.turnOff)

	m.HandleJob(jobCreate, m.continueCreate)
	m.HandleJob(jobDelete, m.continueDelete)
	return nil
}

// ListRequest is_need_filter时不返回lo
type ListRequest struct {
	IsNeedFilter bool `json:"is_need_filter"`
}

// GetRequest 查询单个接口
type GetRequest struct {
	IfaceID string `json:"iface_id" validate:"required"`
}

// CreateBridgeRequest 创建网桥
type CreateBridgeRequest struct {
	Name       string   `json:"name" validate:"required,max=15"`
	IP         string   `json:"ip" validate:"omitempty,cidr|ip"`
	Interfaces []string `json:"interfaces"`
	UserID     string   `json:"user_id"`
}

// DeleteBridgeRequest 删除网桥
type DeleteBridgeRequest struct {
	ID     string `json:"id" validate:"required"`
	UserID string `json:"user_id"`
}

// PowerRequest 按名字开关接口
type PowerRequest struct {
	Name string `json:"name" validate:"required"`
}

type jobArgs struct {
	ID         string   `json:"id"`
	UserID     string   `json:"user_id"`
	Interfaces []string `json:"interfaces,omitempty"`
}

var filtered = map[string]bool{"lo": true}

func (m *Manager) getAllInterfaces(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in ListRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "list interfaces")
	}
	out := []View{}
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rows, err := interfaces.GetAll(u)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if in.IsNeedFilter && filtered[r.Name] {
				continue
			}
			sp, err := specsOf(u, r.ID)
			if err != nil {
				return err
			}
			out = append(out, View{Interface: r, ExtraSpecs: sp})
		}
		return nil
	})
	return out, err
}

func (m *Manager) getInterface(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in GetRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "get interface")
	}
	var v View
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rec, err := interfaces.Get(u, in.IfaceID)
		if err != nil {
			return err
		}
		sp, err := specsOf(u, rec.ID)
		v = View{Interface: rec, ExtraSpecs: sp}
		return err
	})
	return v, err
}

func (m *Manager) getBridgesList(ctx context.Context, req *mqrpc.Request) (any, error) {
	return m.callDomain(ctx, domainBridgesList, map[string]any{"inf_type": m.bridgeType}, nil, 1)
}

// createBridge 插入new状态的网桥, 由续作在主机上创建
func (m *Manager) createBridge(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in CreateBridgeRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "create bridge")
	}
	rec := Interface{
		ID:         uuid.New(),
		Name:       in.Name,
		IP:         in.IP,
		InfType:    TypeBridge,
		PowerState: PowerDown,
		Status:     lifecycle.StatusNew,
		UserID:     in.UserID,
		CreatedAt:  time.Now().UTC(),
	}
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		exists, err := interfaces.Exists(u, map[string]any{"name": in.Name})
		if err != nil {
			return err
		}
		if exists {
			return errors.AlreadyExistsf("interface with name %q", in.Name)
		}
		if err := interfaces.Add(u, rec); err != nil {
			return err
		}
		return u.Commit()
	})
	if err != nil {
		return nil, err
	}
	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobCreate, Payload: jobArgs{ID: rec.ID, UserID: in.UserID, Interfaces: in.Interfaces}}); err != nil {
		m.flow.Fail(ctx, rec.ID, in.UserID, MethodCreateBridge, errors.Annotate(err, "scheduling bridge creation"))
		return nil, err
	}
	return View{Interface: rec, ExtraSpecs: map[string]string{}}, nil
}

// deleteBridge 只能删除网桥
func (m *Manager) deleteBridge(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in DeleteBridgeRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "delete bridge")
	}
	rec, err := m.flow.Load(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if rec.InfType != TypeBridge {
		return nil, errors.NotValidf("deleting %s interface %s", rec.InfType, rec.Name)
	}
	if rec.Status == lifecycle.StatusNew {
		if err := m.flow.Remove(ctx, rec.ID, removeSpecs(rec.ID)); err != nil {
			return nil, err
		}
		return rec, nil
	}
	rec, err = m.flow.Transition(ctx, rec.ID, lifecycle.StatusDeleting, nil, lifecycle.StatusAvailable, lifecycle.StatusError)
	if err != nil {
		return nil, err
	}
	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobDelete, Payload: jobArgs{ID: rec.ID, UserID: in.UserID}, Priority: 8}); err != nil {
		m.flow.Fail(ctx, rec.ID, in.UserID, MethodDeleteBridge, errors.Annotate(err, "scheduling bridge deletion"))
		return nil, err
	}
	return rec, nil
}

func (m *Manager) turnOn(ctx context.Context, req *mqrpc.Request) (any, error) {
	return nil, m.power(ctx, req, domainEnable)
}

func (m *Manager) turnOff(ctx context.Context, req *mqrpc.Request) (any, error) {
	return nil, m.power(ctx, req, domainDisable)
}

// power 发给domain层后立即返回, 实际状态由巡检同步
func (m *Manager) power(ctx context.Context, req *mqrpc.Request, method string) error {
	var in PowerRequest
	if err := req.Bind(&in); err != nil {
		return lifecycle.Invalid(err, "interface power")
	}
	var rec Interface
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		var err error
		rec, err = interfaces.FindOne(u, map[string]any{"name": in.Name})
		return err
	})
	if err != nil {
		return err
	}
	log.TInfo(ctx, "sending %s to interface %s", method, rec.Name)
	return m.DomainServer().Cast(ctx, method, mqrpc.WithManagerData(domainView(rec)))
}

func (m *Manager) callDomain(ctx context.Context, method string, manager, args any, priority int) (any, error) {
	return m.DomainServer().Call(ctx, method,
		mqrpc.WithManagerData(manager),
		mqrpc.WithMethodData(args),
		mqrpc.WithPriority(priority),
		mqrpc.WithTimeLimit(m.DomainTimeLimit(domainTimeLimit)))
}
