package image

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"

	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/modules/storage"
	"github.com/cloudapex/vair/mqrpc"
)

// continueCreate new -> uploading -> available|error, 失败时删除临时文件
func (m *Manager) continueCreate(ctx context.Context, job lifecycle.Job) error {
	var args jobArgs
	if err := job.Bind(&args); err != nil {
		return err
	}
	rec, err := m.flow.Load(ctx, args.ID)
	if err != nil {
		return err
	}
	if err := lifecycle.Require(ModuleType, rec.ID, rec.Status, lifecycle.StatusNew); err != nil {
		return err
	}

	s, err := storage.Lookup(ctx, m.GetServer(storageModule), rec.StorageID)
	if err == nil {
		err = s.CheckCapacity(rec.Size)
	}
	if err != nil {
		m.abortCreate(ctx, rec, args.UserID, errors.Errorf("An error occurred while creating image: %v", err))
		return nil
	}
	rec, err = m.flow.Transition(ctx, rec.ID, lifecycle.StatusUploading, map[string]any{
		"path":         s.MountPoint(),
		"storage_type": s.StorageType,
	}, lifecycle.StatusNew)
	if err != nil {
		return err
	}

	if _, err := m.callDomain(ctx, domainUpload, domainView(rec), 10, uploadTimeLimit); err != nil {
		m.abortCreate(ctx, rec, args.UserID,
			errors.Errorf("An error occurred when calling the domain layer while creating image: %v", err))
		return nil
	}
	if _, err := m.flow.Transition(ctx, rec.ID, lifecycle.StatusAvailable,
		map[string]any{lifecycle.ColumnInformation: ""}, lifecycle.StatusUploading); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodUploadImage, err)
		return nil
	}
	log.TInfo(ctx, "image %s uploaded to storage %s (%s)", imageName(rec), rec.StorageID, humanize.IBytes(uint64(rec.Size)))
	m.flow.Event(ctx, rec.ID, args.UserID, MethodUploadImage, "Image was created successfully")
	return nil
}

// abortCreate 记录置为error, 并让domain层删除临时目录中的文件
func (m *Manager) abortCreate(ctx context.Context, rec Image, userID string, cause error) {
	m.flow.Fail(ctx, rec.ID, userID, MethodUploadImage, cause)
	rec.Status = lifecycle.StatusError
	rec.Information = cause.Error()
	if _, err := m.callDomain(ctx, domainDeleteFromTmp, domainView(rec), 5, domainTimeLimit); err != nil {
		log.TWarning(ctx, "deleting temporary file of image %s: %v", imageName(rec), err)
	}
}

// continueDelete deleting -> (删除记录) | error
func (m *Manager) continueDelete(ctx context.Context, job lifecycle.Job) error {
	var args jobArgs
	if err := job.Bind(&args); err != nil {
		return err
	}
	rec, err := m.flow.Load(ctx, args.ID)
	if err != nil {
		m.flow.Fail(ctx, args.ID, args.UserID, MethodDeleteImage, errors.Annotate(err, "loading image"))
		return nil
	}
	if err := lifecycle.Require(ModuleType, rec.ID, rec.Status, lifecycle.StatusDeleting); err != nil {
		return err
	}
	if rec.StorageType != "" {
		if _, err := m.callDomain(ctx, domainDelete, domainView(rec), 10, domainTimeLimit); err != nil {
			m.flow.Fail(ctx, rec.ID, args.UserID, MethodDeleteImage,
				errors.Errorf("An error occurred when calling the domain layer while deleting image: %v", err))
			return nil
		}
	}
	if err := m.flow.Remove(ctx, rec.ID, removeAttachments(rec.ID)); err != nil {
		m.flow.Fail(ctx, rec.ID, args.UserID, MethodDeleteImage, err)
		return nil
	}
	log.TInfo(ctx, "image %s deleted", imageName(rec))
	m.flow.Event(ctx, rec.ID, args.UserID, MethodDeleteImage, "Image was deleted successfully")
	return nil
}

// Monitoring 周期巡检
func (m *Manager) Monitoring(ctx context.Context) error {
	byID, err := storage.LookupAll(ctx, m.GetServer(storageModule))
	if err != nil {
		return err
	}
	sweep := *m.monitor
	sweep.Probe = func(ctx context.Context, i Image) (map[string]any, error) {
		s, ok := byID[i.StorageID]
		if !ok {
			return nil, errors.NotFoundf("storage %s of image", i.StorageID)
		}
		if s.Status != string(lifecycle.StatusAvailable) {
			return nil, errors.Errorf("storage %s status is %s", s.ID, s.Status)
		}
		info, err := mqrpc.JsMap(m.callDomain(ctx, domainAttachInfo, domainView(i), 5, domainTimeLimit))
		if err != nil {
			return nil, err
		}
		var out struct {
			Size int64 `json:"size"`
		}
		if err := mqrpc.Decode(info, &out); err != nil {
			return nil, err
		}
		if out.Size > 0 {
			return map[string]any{"size": out.Size}, nil
		}
		return nil, nil
	}
	return sweep.Sweep(ctx)
}
