// Package template 磁盘模板服务: 从已有卷复制出模板, 修改, 删除, 以及从模板创建卷
package template

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/pborman/uuid"

	"github.com/cloudapex/vair/app"
	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/module"
	"github.com/cloudapex/vair/modules/storage"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/uow"
)

// ModuleType 模块类型(也是服务队列名)
const ModuleType = "template"

// 服务方法
const (
	MethodGetTemplate              = "get_template"
	MethodGetAllTemplates          = "get_all_templates"
	MethodCreateTemplate           = "create_template"
	MethodEditTemplate             = "edit_template"
	MethodDeleteTemplate           = "delete_template"
	MethodCreateVolumeFromTemplate = "create_volume_from_template"
)

const (
	jobCreate = "_create_template"
	jobDelete = "_delete_template"
)

// domain层方法
const (
	domainCreate = "create"
	domainEdit   = "edit"
	domainDelete = "delete"
)

// 兄弟服务
const (
	volumeModule        = "volume"
	siblingGetVolume    = "get_volume"
	siblingListVolumes  = "get_all_volumes"
	siblingCreateVolume = "create_volume"
)

const domainTimeLimit = 600 * time.Second

// Module 创建模板模块
var Module = func() app.IModule {
	return new(Manager)
}

// Manager 模板服务
type Manager struct {
	module.ModuleBase

	flow *lifecycle.Workflow[Template]
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
	m.flow = &lifecycle.Workflow[Template]{
		Resource: ModuleType,
		DB:       a.DB(),
		Table:    templates,
		Graph:    graph,
		Events:   a.Events(),
	}

	m.Register(MethodGetTemplate, m.getTemplate)
	m.Register(MethodGetAllTemplates, m.getAllTemplates)
	m.Register(MethodCreateTemplate, m.createTemplate)
	m.Register(MethodEditTemplate, m.editTemplate)
	m.Register(MethodDeleteTemplate, m.deleteTemplate)
	m.Register(MethodCreateVolumeFromTemplate, m.createVolumeFromTemplate)

	m.HandleJob(jobCreate, m.continueCreate)
	m.HandleJob(jobDelete, m.continueDelete)
	return nil
}

// GetRequest 查询单个模板
type GetRequest struct {
	TemplateID string `json:"template_id" validate:"required"`
}

// CreateRequest 从卷创建模板
type CreateRequest struct {
	Name         string `json:"name" validate:"required,max=40,excludesall=/"`
	Description  string `json:"description" validate:"max=255"`
	StorageID    string `json:"storage_id" validate:"required"`
	BaseVolumeID string `json:"base_volume_id" validate:"required"`
	IsBacking    bool   `json:"is_backing"`
	UserID       string `json:"user_id"`
}

// EditRequest 修改名字或描述
type EditRequest struct {
	TemplateID  string  `json:"template_id" validate:"required"`
	Name        string  `json:"name" validate:"omitempty,max=40,excludesall=/"`
	Description *string `json:"description" validate:"omitempty,max=255"`
	UserID      string  `json:"user_id"`
}

// DeleteRequest 删除模板
type DeleteRequest struct {
	TemplateID string `json:"template_id" validate:"required"`
	UserID     string `json:"user_id"`
}

// CreateVolumeRequest 从模板创建卷, storage_id为空时使用模板所在存储
type CreateVolumeRequest struct {
	TemplateID  string `json:"template_id" validate:"required"`
	Name        string `json:"name" validate:"required,max=40"`
	Description string `json:"description" validate:"max=255"`
	StorageID   string `json:"storage_id"`
	ReadOnly    bool   `json:"read_only"`
	UserID      string `json:"user_id"`
}

type jobArgs struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	SourceDiskPath string `json:"source_disk_path,omitempty"`
}

// baseVolume 卷服务返回的卷
type baseVolume struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Format string `json:"format"`
	Size   int64  `json:"size"`
	Status string `json:"status"`
}

func (m *Manager) getTemplate(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in GetRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "get template")
	}
	return m.flow.Load(ctx, in.TemplateID)
}

func (m *Manager) getAllTemplates(ctx context.Context, req *mqrpc.Request) (any, error) {
	out := []Template{}
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rows, err := templates.GetAll(u)
		out = append(out, rows...)
		return err
	})
	return out, err
}

// createTemplate 检查源卷和目标存储后插入new状态的记录, 复制由续作完成
func (m *Manager) createTemplate(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in CreateRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "create template")
	}
	var vol baseVolume
	res, err := m.GetServer(volumeModule).Call(ctx, siblingGetVolume, mqrpc.WithMethodData(map[string]any{"volume_id": in.BaseVolumeID}))
	if err := mqrpc.Unmarshal(&vol, res, err); err != nil {
		return nil, errors.Annotatef(err, "getting base volume %s", in.BaseVolumeID)
	}
	if err := lifecycle.Require("volume", vol.ID, lifecycle.Status(vol.Status), lifecycle.StatusAvailable); err != nil {
		return nil, err
	}
	s, err := storage.Lookup(ctx, m.GetServer(storage.ModuleType), in.StorageID)
	if err != nil {
		return nil, err
	}
	if err := s.CheckCapacity(vol.Size); err != nil {
		return nil, lifecycle.Invalid(err, "template storage")
	}

	rec := Template{
		ID:          uuid.New(),
		Name:        in.Name,
		Description: in.Description,
		StorageID:   in.StorageID,
		Path:        templatePath(s.MountPoint(), in.Name),
		Format:      "qcow2",
		Size:        vol.Size,
		Status:      lifecycle.StatusNew,
		IsBacking:   in.IsBacking,
		UserID:      in.UserID,
		CreatedAt:   time.Now().UTC(),
	}
	err = uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		exists, err := templates.Exists(u, map[string]any{"name": in.Name})
		if err != nil {
			return err
		}
		if exists {
			return errors.AlreadyExistsf("template with name %q", in.Name)
		}
		if err := templates.Add(u, rec); err != nil {
			return err
		}
		return u.Commit()
	})
	if err != nil {
		return nil, err
	}

	args := jobArgs{ID: rec.ID, UserID: in.UserID, SourceDiskPath: path.Join(vol.Path, "volume-"+vol.ID)}
	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobCreate, Payload: args}); err != nil {
		m.flow.Fail(ctx, rec.ID, in.UserID, MethodCreateTemplate, errors.Annotate(err, "scheduling template creation"))
		return nil, err
	}
	m.flow.Event(ctx, rec.ID, in.UserID, MethodCreateTemplate, "Template successfully inserted into db.")
	return rec, nil
}

// editTemplate 改名需要domain层重命名文件, 被卷作为backing使用时不能改名
func (m *Manager) editTemplate(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in EditRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "edit template")
	}
	rec, err := m.flow.Load(ctx, in.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Require(ModuleType, rec.ID, rec.Status, lifecycle.StatusAvailable); err != nil {
		return nil, err
	}
	rename := in.Name != "" && in.Name != rec.Name
	if !rename {
		if in.Description == nil {
			return rec, nil
		}
		if err := m.flow.Patch(ctx, rec.ID, map[string]any{"description": *in.Description}); err != nil {
			return nil, err
		}
		m.flow.Event(ctx, rec.ID, in.UserID, MethodEditTemplate, "Template successfully edited.")
		return m.flow.Load(ctx, rec.ID)
	}

	err = uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rows, err := templates.FilterBy(u, map[string]any{"name": in.Name})
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			return errors.AlreadyExistsf("template with name %q", in.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	related, err := m.relatedVolumes(ctx, rec)
	if err != nil {
		return nil, err
	}
	if len(related) > 0 {
		return nil, errors.NotValidf("renaming template in use by volumes: %s", strings.Join(related, " "))
	}

	if _, err := m.flow.Transition(ctx, rec.ID, lifecycle.StatusEditing, nil, lifecycle.StatusAvailable); err != nil {
		return nil, err
	}
	data := map[string]any{"name": in.Name}
	if in.Description != nil {
		data["description"] = *in.Description
	}
	res, err := m.callDomain(ctx, domainEdit, domainView(rec, related), data, 5)
	var out struct {
		Path string `json:"path"`
	}
	if err := mqrpc.Unmarshal(&out, res, err); err != nil {
		m.flow.Fail(ctx, rec.ID, in.UserID, MethodEditTemplate, errors.Errorf("An error occurred while editing template: %v", err))
		return nil, err
	}
	fields := map[string]any{"name": in.Name, "path": out.Path, lifecycle.ColumnInformation: ""}
	if in.Description != nil {
		fields["description"] = *in.Description
	}
	rec, err = m.flow.Transition(ctx, rec.ID, lifecycle.StatusAvailable, fields, lifecycle.StatusEditing)
	if err != nil {
		return nil, err
	}
	m.flow.Event(ctx, rec.ID, in.UserID, MethodEditTemplate, "Template successfully edited.")
	return rec, nil
}

// deleteTemplate 被卷作为backing使用的模板不能删除
func (m *Manager) deleteTemplate(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in DeleteRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "delete template")
	}
	rec, err := m.flow.Load(ctx, in.TemplateID)
	if err != nil {
		return nil, err
	}
	if rec.Status == lifecycle.StatusNew {
		if err := m.flow.Remove(ctx, rec.ID); err != nil {
			return nil, err
		}
		m.flow.Event(ctx, rec.ID, in.UserID, MethodDeleteTemplate, "Template successfully deleted from db.")
		return rec, nil
	}
	if err := lifecycle.Require(ModuleType, rec.ID, rec.Status, lifecycle.StatusAvailable, lifecycle.StatusError); err != nil {
		return nil, err
	}
	related, err := m.relatedVolumes(ctx, rec)
	if err != nil {
		return nil, err
	}
	if len(related) > 0 {
		err := &lifecycle.DependencyError{Resource: "Template", ID: rec.ID, Dependants: []string{"volumes " + strings.Join(related, ", ")}}
		m.flow.Event(ctx, rec.ID, in.UserID, MethodDeleteTemplate, err.Error())
		return nil, err
	}
	rec, err = m.flow.Transition(ctx, rec.ID, lifecycle.StatusDeleting, nil, lifecycle.StatusAvailable, lifecycle.StatusError)
	if err != nil {
		return nil, err
	}
	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobDelete, Payload: jobArgs{ID: rec.ID, UserID: in.UserID}, Priority: 8}); err != nil {
		m.flow.Fail(ctx, rec.ID, in.UserID, MethodDeleteTemplate, errors.Annotate(err, "scheduling template deletion"))
		return nil, err
	}
	return rec, nil
}

// createVolumeFromTemplate 由卷服务创建卷, 模板文件作为源
func (m *Manager) createVolumeFromTemplate(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in CreateVolumeRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "create volume from template")
	}
	rec, err := m.flow.Load(ctx, in.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Require(ModuleType, rec.ID, rec.Status, lifecycle.StatusAvailable); err != nil {
		return nil, err
	}
	storageID := in.StorageID
	if storageID == "" {
		storageID = rec.StorageID
	}
	if rec.IsBacking && storageID != rec.StorageID {
		return nil, errors.NotValidf("backing template %s on storage %s for volume on storage %s", rec.Name, rec.StorageID, storageID)
	}
	res, err := m.GetServer(volumeModule).Call(ctx, siblingCreateVolume, mqrpc.WithMethodData(map[string]any{
		"name":          in.Name,
		"description":   in.Description,
		"storage_id":    storageID,
		"format":        rec.Format,
		"size":          rec.Size,
		"read_only":     in.ReadOnly,
		"user_id":       in.UserID,
		"template_id":   rec.ID,
		"template_path": rec.Path,
		"is_backing":    rec.IsBacking,
	}))
	if err != nil {
		return nil, errors.Annotatef(err, "creating volume from template %s", rec.Name)
	}
	m.flow.Event(ctx, rec.ID, in.UserID, MethodCreateVolumeFromTemplate,
		fmt.Sprintf("Volume %s is being created from template.", in.Name))
	return res, nil
}

// relatedVolumes 以模板为backing的卷名, 非backing模板没有依赖
func (m *Manager) relatedVolumes(ctx context.Context, rec Template) ([]string, error) {
	if !rec.IsBacking {
		return nil, nil
	}
	var vols []baseVolume
	res, err := m.GetServer(volumeModule).Call(ctx, siblingListVolumes, mqrpc.WithMethodData(map[string]any{"template_id": rec.ID}))
	if err := mqrpc.Unmarshal(&vols, res, err); err != nil && !errors.Is(err, mqrpc.ErrNil) {
		return nil, errors.Annotatef(err, "listing volumes of template %s", rec.ID)
	}
	names := make([]string, 0, len(vols))
	for _, v := range vols {
		names = append(names, v.Name)
	}
	return names, nil
}

func (m *Manager) callDomain(ctx context.Context, method string, manager, args any, priority int) (any, error) {
	return m.DomainServer().Call(ctx, method,
		mqrpc.WithManagerData(manager),
		mqrpc.WithMethodData(args),
		mqrpc.WithPriority(priority),
		mqrpc.WithTimeLimit(m.DomainTimeLimit(domainTimeLimit)))
}

func templatePath(mountPoint, name string) string {
	return path.Join(mountPoint, "template-"+name)
}

func templateName(t Template) string {
	return fmt.Sprintf("%s (%s)", t.Name, t.ID)
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
	res, err := m.callDomain(ctx, domainCreate, domainView(rec, nil), map[string]any{"source_disk_path": args.SourceDiskPath}, 10)
	var out struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	}
	if err := mqrpc.Unmarshal(&out, res, err); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateTemplate, errors.Errorf("An error occurred while creating template: %v", err))
		return nil
	}
	fields := map[string]any{lifecycle.ColumnInformation: ""}
	if out.Size > 0 {
		fields["size"] = out.Size
	}
	if out.Path != "" {
		fields["path"] = out.Path
	}
	if _, err := m.flow.Transition(ctx, rec.ID, lifecycle.StatusAvailable, fields, lifecycle.StatusCreating); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodCreateTemplate, err)
		return nil
	}
	log.TInfo(ctx, "template %s created from %s", templateName(rec), args.SourceDiskPath)
	m.flow.Event(ctx, rec.ID, args.UserID, MethodCreateTemplate, "Template successfully created.")
	return nil
}

func (m *Manager) continueDelete(ctx context.Context, job lifecycle.Job) error {
	var args jobArgs
	if err := job.Bind(&args); err != nil {
		return err
	}
	rec, err := m.flow.Load(ctx, args.ID)
	if err != nil {
		m.flow.Fail(ctx, args.ID, args.UserID, MethodDeleteTemplate, errors.Annotate(err, "loading template"))
		return nil
	}
	if err := lifecycle.Require(ModuleType, rec.ID, rec.Status, lifecycle.StatusDeleting); err != nil {
		return err
	}
	if _, err := m.callDomain(ctx, domainDelete, domainView(rec, nil), nil, 10); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodDeleteTemplate, errors.Errorf("An error occurred while deleting template: %v", err))
		return nil
	}
	if err := m.flow.Remove(ctx, rec.ID); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodDeleteTemplate, err)
		return nil
	}
	log.TInfo(ctx, "template %s deleted", templateName(rec))
	m.flow.Event(ctx, rec.ID, args.UserID, MethodDeleteTemplate, "Template successfully deleted.")
	return nil
}
