// Package image 镜像服务: 从临时目录上传镜像到存储, 删除, 挂载到虚拟机以及巡检
package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
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
const ModuleType = "image"

// 服务方法
const (
	MethodGetImage     = "get_image"
	MethodGetAllImages = "get_all_images"
	MethodUploadImage  = "upload_image"
	MethodDeleteImage  = "delete_image"
	MethodAttachImage  = "attach_image"
	MethodDetachImage  = "detach_image"
)

// 续作
const (
	jobCreate = "_create_image"
	jobDelete = "_delete_image"
)

// domain层方法
const (
	domainUpload        = "upload"
	domainDelete        = "delete"
	domainDeleteFromTmp = "delete_from_tmp"
	domainAttachInfo    = "attach_image_info"
)

// SettingTmpDir 上传文件所在的临时目录
const SettingTmpDir = "tmp_dir"

const (
	defaultTmpDir   = "/opt/aero/openvair/tmp"
	domainTimeLimit = 180 * time.Second
	uploadTimeLimit = 360 * time.Second
	storageModule   = storage.ModuleType
)

// Module 创建镜像模块
var Module = func() app.IModule {
	return new(Manager)
}

// Manager 镜像服务
type Manager struct {
	module.ModuleBase

	tmpDir  string
	flow    *lifecycle.Workflow[Image]
	monitor *lifecycle.Reconciler[Image]
}

func (m *Manager) GetType() string { return ModuleType }
func (m *Manager) Version() string { return "1.0.0" }

func (m *Manager) OnInit(a app.IApp, settings *conf.ModuleSettings) error {
	interval := settings.GetSeconds(module.SettingMonitoringInterval, 10*time.Second)
	if err := m.ModuleBase.Init(a, m, settings, module.Periodic("image.monitoring", interval, m.Monitoring)); err != nil {
		return err
	}
	if err := a.DB().Migrate(context.Background(), Schema...); err != nil {
		return err
	}
	m.tmpDir = settings.GetString(SettingTmpDir, defaultTmpDir)
	m.flow = &lifecycle.Workflow[Image]{
		Resource: ModuleType,
		DB:       a.DB(),
		Table:    images,
		Graph:    graph,
		Events:   a.Events(),
	}
	m.monitor = &lifecycle.Reconciler[Image]{
		Resource: ModuleType,
		DB:       a.DB(),
		Table:    images,
		Name:     func(i Image) string { return i.Name },
	}

	m.Register(MethodGetImage, m.getImage)
	m.Register(MethodGetAllImages, m.getAllImages)
	m.Register(MethodUploadImage, m.uploadImage)
	m.Register(MethodDeleteImage, m.deleteImage)
	m.Register(MethodAttachImage, m.attachImage)
	m.Register(MethodDetachImage, m.detachImage)

	m.HandleJob(jobCreate, m.continueCreate)
	m.HandleJob(jobDelete, m.continueDelete)
	return nil
}

// GetRequest 查询单个镜像
type GetRequest struct {
	ImageID string `json:"image_id" validate:"required"`
}

// ListRequest 按存储查询镜像
type ListRequest struct {
	StorageID string `json:"storage_id"`
}

// UploadRequest 上传镜像, 文件已经在临时目录中(以name命名)
type UploadRequest struct {
	Name        string `json:"name" validate:"required,max=40,excludesall=/"`
	Description string `json:"description" validate:"max=255"`
	StorageID   string `json:"storage_id" validate:"required"`
	UserID      string `json:"user_id"`
}

// DeleteRequest 删除镜像
type DeleteRequest struct {
	ImageID string `json:"image_id" validate:"required"`
	UserID  string `json:"user_id"`
}

// AttachRequest 挂载到虚拟机
type AttachRequest struct {
	ImageID string `json:"image_id" validate:"required"`
	VMID    string `json:"vm_id" validate:"required"`
	Target  string `json:"target"`
	UserID  string `json:"user_id"`
}

// DetachRequest 从虚拟机卸载
type DetachRequest struct {
	ImageID string `json:"image_id" validate:"required"`
	VMID    string `json:"vm_id" validate:"required"`
	UserID  string `json:"user_id"`
}

type jobArgs struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
}

func (m *Manager) view(ctx context.Context, id string) (View, error) {
	var v View
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rec, err := images.Get(u, id)
		if err != nil {
			return err
		}
		att, err := attachmentsOf(u, id)
		if err != nil {
			return err
		}
		v = View{Image: rec, Attachments: att}
		return nil
	})
	return v, err
}

func (m *Manager) getImage(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in GetRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "get image")
	}
	return m.view(ctx, in.ImageID)
}

func (m *Manager) getAllImages(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in ListRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "list images")
	}
	filters := map[string]any{}
	if in.StorageID != "" {
		filters["storage_id"] = in.StorageID
	}
	out := []View{}
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rows, err := images.FilterBy(u, filters)
		if err != nil {
			return err
		}
		for _, r := range rows {
			att, err := attachmentsOf(u, r.ID)
			if err != nil {
				return err
			}
			out = append(out, View{Image: r, Attachments: att})
		}
		return nil
	})
	return out, err
}

// uploadImage 记录临时文件的大小并插入new状态的记录, 复制到存储由续作完成
func (m *Manager) uploadImage(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in UploadRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "upload image")
	}
	fi, err := os.Stat(filepath.Join(m.tmpDir, in.Name))
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("uploaded file of image %q", in.Name)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "reading uploaded file of image %q", in.Name)
	}
	if fi.Size() == 0 {
		return nil, errors.NotValidf("empty uploaded file of image %q", in.Name)
	}

	rec := Image{
		ID:          uuid.New(),
		Name:        in.Name,
		Description: in.Description,
		StorageID:   in.StorageID,
		Size:        fi.Size(),
		Status:      lifecycle.StatusNew,
		UserID:      in.UserID,
		CreatedAt:   time.Now().UTC(),
	}
	err = uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		exists, err := images.Exists(u, map[string]any{"name": in.Name})
		if err != nil {
			return err
		}
		if exists {
			return errors.AlreadyExistsf("image with name %q", in.Name)
		}
		if err := images.Add(u, rec); err != nil {
			return err
		}
		return u.Commit()
	})
	if err != nil {
		return nil, err
	}
	log.TInfo(ctx, "image %s inserted into db", imageName(rec))

	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobCreate, Payload: jobArgs{ID: rec.ID, UserID: in.UserID}}); err != nil {
		m.flow.Fail(ctx, rec.ID, in.UserID, MethodUploadImage, errors.Annotate(err, "scheduling image upload"))
		return nil, err
	}
	m.flow.Event(ctx, rec.ID, in.UserID, MethodUploadImage, "Image was uploaded successfully")
	return View{Image: rec, Attachments: []Attachment{}}, nil
}

// deleteImage 挂载中的镜像不能删除
func (m *Manager) deleteImage(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in DeleteRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "delete image")
	}
	v, err := m.view(ctx, in.ImageID)
	if err != nil {
		return nil, err
	}
	if v.Status == lifecycle.StatusNew {
		if err := m.flow.Remove(ctx, v.ID, removeAttachments(v.ID)); err != nil {
			return nil, err
		}
		m.flow.Event(ctx, v.ID, in.UserID, MethodDeleteImage, "Image was deleted from db")
		return v, nil
	}
	if err := lifecycle.Require(ModuleType, v.ID, v.Status, lifecycle.StatusAvailable, lifecycle.StatusError); err != nil {
		return nil, err
	}
	if len(v.Attachments) > 0 {
		vms := make([]string, 0, len(v.Attachments))
		for _, a := range v.Attachments {
			vms = append(vms, a.VMID)
		}
		err := &lifecycle.DependencyError{Resource: "Image", ID: v.ID, Dependants: []string{fmt.Sprintf("attachments to vms %v", vms)}}
		m.flow.Event(ctx, v.ID, in.UserID, MethodDeleteImage, err.Error())
		return nil, err
	}
	rec, err := m.flow.Transition(ctx, v.ID, lifecycle.StatusDeleting, nil, lifecycle.StatusAvailable, lifecycle.StatusError)
	if err != nil {
		return nil, err
	}
	v.Image = rec
	if err := m.Enqueue(ctx, lifecycle.Job{Name: jobDelete, Payload: jobArgs{ID: v.ID, UserID: in.UserID}, Priority: 8}); err != nil {
		m.flow.Fail(ctx, v.ID, in.UserID, MethodDeleteImage, errors.Annotate(err, "scheduling image deletion"))
		return nil, err
	}
	return v, nil
}

// attachImage 返回domain层给出的挂载信息
func (m *Manager) attachImage(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in AttachRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "attach image")
	}
	v, err := m.view(ctx, in.ImageID)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.Require(ModuleType, v.ID, v.Status, lifecycle.StatusAvailable); err != nil {
		return nil, err
	}
	for _, a := range v.Attachments {
		if a.VMID == in.VMID {
			return nil, errors.AlreadyExistsf("image %s attachment for vm %s", v.ID, in.VMID)
		}
	}
	res, err := m.callDomain(ctx, domainAttachInfo, domainView(v.Image), 1, domainTimeLimit)
	info, err := mqrpc.JsMap(res, err)
	if err != nil {
		return nil, errors.Annotatef(err, "getting attach info of image %s", v.ID)
	}
	err = uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		if err := attachments.Add(u, Attachment{ID: uuid.New(), ImageID: v.ID, VMID: in.VMID, UserID: in.UserID, Target: in.Target}); err != nil {
			return err
		}
		return u.Commit()
	})
	if err != nil {
		return nil, err
	}
	log.TInfo(ctx, "image %s attached to vm %s", imageName(v.Image), in.VMID)
	return info, nil
}

func (m *Manager) detachImage(ctx context.Context, req *mqrpc.Request) (any, error) {
	var in DetachRequest
	if err := req.Bind(&in); err != nil {
		return nil, lifecycle.Invalid(err, "detach image")
	}
	var out View
	err := uow.Do(ctx, m.App.DB(), func(u *uow.UnitOfWork) error {
		rec, err := images.Get(u, in.ImageID)
		if err != nil {
			return err
		}
		if err := lifecycle.Require(ModuleType, rec.ID, rec.Status, lifecycle.StatusAvailable, lifecycle.StatusError); err != nil {
			return err
		}
		rows, err := attachments.FilterBy(u, map[string]any{"image_id": rec.ID, "vm_id": in.VMID})
		if err != nil {
			return err
		}
		for _, a := range rows {
			if err := attachments.Delete(u, a.ID); err != nil {
				return err
			}
		}
		if err := u.Commit(); err != nil {
			return err
		}
		att, err := attachmentsOf(u, rec.ID)
		if err != nil {
			return err
		}
		out = View{Image: rec, Attachments: att}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.TInfo(ctx, "image %s detached from vm %s", imageName(out.Image), in.VMID)
	return out, nil
}

func removeAttachments(imageID string) func(u *uow.UnitOfWork) error {
	return func(u *uow.UnitOfWork) error {
		return attachments.DeleteBy(u, "image_id", imageID)
	}
}

// callDomain 调用domain层, manager为镜像描述
func (m *Manager) callDomain(ctx context.Context, method string, manager any, priority int, limit time.Duration) (any, error) {
	return m.DomainServer().Call(ctx, method,
		mqrpc.WithManagerData(manager),
		mqrpc.WithPriority(priority),
		mqrpc.WithTimeLimit(m.DomainTimeLimit(limit)))
}

func imageName(i Image) string {
	return fmt.Sprintf("%s (%s)", i.Name, i.ID)
}
