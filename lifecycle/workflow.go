package lifecycle

import (
	"context"

	"github.com/juju/errors"

	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/metrics"
	"github.com/cloudapex/vair/uow"
)

// 所有资源表共有的列
const (
	ColumnStatus      = "status"
	ColumnInformation = "information"
)

// Record 资源记录
type Record interface {
	RecordID() string
	RecordStatus() Status
}

// Workflow 工作流的单步操作, 每一步使用新的事务范围并立即提交
type Workflow[R Record] struct {
	Resource string
	DB       *uow.DB
	Table    *uow.Table[R]
	Graph    *Graph
	Events   EventRecorder
}

// Load 读取记录
func (w *Workflow[R]) Load(ctx context.Context, id string) (R, error) {
	var rec R
	err := uow.Do(ctx, w.DB, func(u *uow.UnitOfWork) error {
		var err error
		rec, err = w.Table.Get(u, id)
		return err
	})
	return rec, err
}

// Transition 检查当前状态(from为空时只检查迁移图)后修改状态和fields.
// 写入不受ctx取消影响, 已开始的迁移总会落库
func (w *Workflow[R]) Transition(ctx context.Context, id string, to Status, fields map[string]any, from ...Status) (R, error) {
	var out R
	err := uow.Do(context.WithoutCancel(ctx), w.DB, func(u *uow.UnitOfWork) error {
		rec, err := w.Table.Get(u, id)
		if err != nil {
			return err
		}
		cur := rec.RecordStatus()
		if len(from) > 0 {
			if err := Require(w.Resource, id, cur, from...); err != nil {
				return err
			}
		}
		if err := w.Graph.Check(id, cur, to); err != nil {
			return err
		}
		patch := map[string]any{ColumnStatus: string(to)}
		for k, v := range fields {
			patch[k] = v
		}
		if err := w.Table.Patch(u, id, patch); err != nil {
			return err
		}
		if err := u.Commit(); err != nil {
			return err
		}
		metrics.RecordTransition(w.Resource, string(cur), string(to))
		out, err = w.Table.Get(u, id)
		return err
	})
	return out, err
}

// Patch 修改列(不检查状态)
func (w *Workflow[R]) Patch(ctx context.Context, id string, fields map[string]any) error {
	return uow.Do(context.WithoutCancel(ctx), w.DB, func(u *uow.UnitOfWork) error {
		if err := w.Table.Patch(u, id, fields); err != nil {
			return err
		}
		return u.Commit()
	})
}

// Fail 记录置为error并发送一条失败事件, 不向上返回错误
func (w *Workflow[R]) Fail(ctx context.Context, id, userID, action string, cause error) {
	msg := cause.Error()
	err := uow.Do(context.WithoutCancel(ctx), w.DB, func(u *uow.UnitOfWork) error {
		rec, err := w.Table.Get(u, id)
		if err != nil {
			return err
		}
		if err := w.Table.Patch(u, id, map[string]any{
			ColumnStatus:      string(StatusError),
			ColumnInformation: msg,
		}); err != nil {
			return err
		}
		if err := u.Commit(); err != nil {
			return err
		}
		metrics.RecordTransition(w.Resource, string(rec.RecordStatus()), string(StatusError))
		return nil
	})
	if err != nil {
		log.TError(ctx, "%s %s: marking error failed: %v", w.Resource, id, err)
	}
	log.TWarning(ctx, "%s %s %s failed: %s", w.Resource, id, action, msg)
	w.Event(ctx, id, userID, action, msg)
}

// Remove 删除记录, cleanup在同一事务中删除附属数据
func (w *Workflow[R]) Remove(ctx context.Context, id string, cleanup ...func(u *uow.UnitOfWork) error) error {
	return uow.Do(context.WithoutCancel(ctx), w.DB, func(u *uow.UnitOfWork) error {
		rec, err := w.Table.Get(u, id)
		if err != nil {
			return err
		}
		for _, fn := range cleanup {
			if err := fn(u); err != nil {
				return errors.Annotatef(err, "cleaning up %s %s", w.Resource, id)
			}
		}
		if err := w.Table.Delete(u, id); err != nil {
			return err
		}
		if err := u.Commit(); err != nil {
			return err
		}
		metrics.RecordTransition(w.Resource, string(rec.RecordStatus()), "removed")
		return nil
	})
}

// Event 发送审计事件
func (w *Workflow[R]) Event(ctx context.Context, id, userID, action, message string) {
	if w.Events != nil {
		w.Events.AddEvent(ctx, id, userID, action, message)
	}
}
