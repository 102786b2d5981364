// Package blockdevice 块设备服务: iSCSI会话的登录/登出和FC扫描
package blockdevice

import (
	"context"
	"fmt"
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
const ModuleType = "block_device"

// 服务方法
const (
	MethodGetHostIQN     = "get_host_iqn"
	MethodGetAllSessions = "get_all_sessions"
	MethodLogin          = "login"
	MethodLogout         = "logout"
	MethodLipScan        = "lip_scan"
)

// domain层方法
const (
	domainGetHostIQN = "get_host_iqn"
	domainLogin      = "login"
	domainLogout     = "logout"
	domainLipScan    = "lip_scan"
)

const domainTimeLimit = 120 * time.Second

// Module 创建块设备模块
var Module = func() app.IModule {
	return new(Manager)
}

// Manager 块设备服务
type Manager struct {
	module.ModuleBase

	flow *lifecycle.Workflow[Session]
}

func (m *Manager) GetType() string { return ModuleType }
func (m *Manager) Version() string { return "1.0.0" }

func (m *Manager) OnInit(a app.IApp, settings *conf.ModuleSettings) error {
	if err := m.ModuleBase.Init(a, m, settings); err != nil {
		return err
	}
	if err := a.DB().Migrate(context.Background(), Schema...); err != nil {
		return err
	}
	m.flow = &lifecycle.Workflow[Session]{
		Resource: "block device session",
		DB:       a.DB(),
		Table:    sessions,
		Graph:    graph,
		Events:   a.Events(),
	}
	m.Register(MethodGetHostIQN, m.getHostIQN)
	m.Register(MethodGetAllSessions, m.getAllSessions)
	m.Register(MethodLogin, m.login)
	m.Register(MethodLogout, m.logout)
	m.Register(MethodLipScan, m.lipScan)
	return nil
}

// LoginRequest 登录iSCSI target
type LoginRequest struct {
	IP      string `json:"ip" validate:"required,ip"`
	Port    string `json:"port" validate:"omitempty,numeric"`
	InfType string `json:"inf_type" validate:"omitempty,oneof=iscsi"`
	UserID  string `json:"user_id"`
}

// LogoutRequest 按target地址登出
type LogoutRequest struct {
	IP      string `json:"ip" validate:"required,ip"`
	InfType string `json:"inf_type"`
	UserID  string `json:"user_id"`
}

func (m *Manager) getHostIQN(ctx context.Context, req *mqrpc.Request) (any, error) {
	iqn, err := mqrpc.String(m.callDomain(ctx, domainGetHostIQN, map[string]any{"inf_type": TypeISCSI}))
	if err != nil {
		return nil, errors.Annotate(err, "Error while getting host IQN")
	}
	return map[string]any{"iqn": iqn}, nil
}

func (m *Manager) getAllSessions(ctx context.Context, req *mqrpc.Request) (any, error) {
	out := []Session{}
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rows, err := sessions.GetAll(u)
		out = append(out, rows...)
		return err
	})
	return out, err
}

// login 先插入new记录, 登录成功后置为available, 失败时删除记录
func (m *Manager) login(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in LoginRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "login")
	}
	if in.InfType == "" {
		in.InfType = TypeISCSI
	}
	rec := Session{
		ID:        uuid.New(),
		IP:        in.IP,
		Port:      in.Port,
		InfType:   in.InfType,
		Status:    lifecycle.StatusNew,
		UserID:    in.UserID,
		CreatedAt: time.Now().UTC(),
	}
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		exists, err := sessions.Exists(u, map[string]any{"ip": in.IP})
		if err != nil {
			return err
		}
		if exists {
			return errors.AlreadyExistsf("session to %s", in.IP)
		}
		if err := sessions.Add(u, rec); err != nil {
			return err
		}
		return u.Commit()
	})
	if err != nil {
		return nil, err
	}
	m.flow.Event(ctx, rec.ID, in.UserID, MethodLogin, fmt.Sprintf("ISCSI interface inserted into db: %s", in.IP))

	res, err := m.callDomain(ctx, domainLogin, domainView(rec))
	if err != nil {
		msg := fmt.Sprintf("An error occurred while logging in to the ISCSI block device: %v.", err)
		m.rollback(ctx, rec.ID)
		m.flow.Event(ctx, rec.ID, in.UserID, MethodLogin, msg)
		return nil, errors.New(msg)
	}
	fields := map[string]any{}
	if out, err := mqrpc.JsMap(res, nil); err == nil {
		if p, ok := out["port"]; ok {
			fields["port"] = fmt.Sprint(p)
		}
	}
	rec, err = m.flow.Transition(ctx, rec.ID, lifecycle.StatusAvailable, fields, lifecycle.StatusNew)
	if err != nil {
		return nil, err
	}
	m.flow.Event(ctx, rec.ID, in.UserID, MethodLogin, "Successfully logged into the ISCSI block device.")
	return rec, nil
}

// rollback 删除登录失败的会话记录
func (m *Manager) rollback(ctx context.Context, id string) {
	if err := m.flow.Remove(ctx, id); err != nil {
		if errors.Is(err, errors.NotFound) {
			log.TWarning(ctx, "rollback: session %s not found", id)
			return
		}
		log.TError(ctx, "rollback: deleting session %s: %v", id, err)
		return
	}
	log.TInfo(ctx, "rollback: deleted session %s", id)
}

// logout 无论domain层结果如何都删除记录
func (m *Manager) logout(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in LogoutRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "logout")
	}
	var rec Session
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		var err error
		rec, err = sessions.FindOne(u, map[string]any{"ip": in.IP})
		return err
	})
	if err != nil {
		return nil, err
	}
	rec, err = m.flow.Transition(ctx, rec.ID, lifecycle.StatusDeleting, nil, lifecycle.StatusAvailable, lifecycle.StatusError)
	if err != nil {
		return nil, err
	}
	res, callErr := m.callDomain(ctx, domainLogout, domainView(rec))
	if err := m.flow.Remove(ctx, rec.ID); err != nil {
		log.TError(ctx, "deleting session %s: %v", rec.ID, err)
	}
	if callErr != nil {
		msg := fmt.Sprintf("An error occurred while logging out from the ISCSI block device: %v", callErr)
		m.flow.Event(ctx, rec.ID, in.UserID, MethodLogout, msg)
		return nil, errors.New(msg)
	}
	m.flow.Event(ctx, rec.ID, in.UserID, MethodLogout, "Successfully logged out from the ISCSI block device.")
	return res, nil
}

func (m *Manager) lipScan(ctx context.Context, req *mqrpc.Request) (any, error) {
	res, err := m.callDomain(ctx, domainLipScan, map[string]any{"inf_type": TypeFibreChannel})
	return res, errors.Annotate(err, "fibre channel lip scan")
}

func (m *Manager) callDomain(ctx context.Context, method string, manager any) (any, error) {
	return m.DomainServer().Call(ctx, method,
		mqrpc.WithManagerData(manager),
		mqrpc.WithTimeLimit(m.DomainTimeLimit(domainTimeLimit)))
}
