package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"

	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/metrics"
	"github.com/cloudapex/vair/tools"
	"github.com/cloudapex/vair/uow"
)

// Probe 向domain层查询一条记录的实际状态, 返回需要更新的列
type Probe[R Record] func(ctx context.Context, rec R) (map[string]any, error)

// Reconciler 巡检: 逐条探测稳定状态的记录, 最后一次性批量更新
type Reconciler[R Record] struct {
	Resource string
	DB       *uow.DB
	Table    *uow.Table[R]
	Probe    Probe[R]
	Name     func(R) string // 错误信息中使用的名字(默认为id)

	// Extra 在批量更新的事务中写入附属表, 处理过的非表列需要从fields中删除
	Extra func(u *uow.UnitOfWork, id string, fields map[string]any) error
}

// 单条记录的巡检结果
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Sweep 执行一次巡检, 单条记录的失败不会中断巡检
func (r *Reconciler[R]) Sweep(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { metrics.RecordSweep(r.Resource, time.Since(start), err) }()

	var records []R
	if err = uow.Do(ctx, r.DB, func(u *uow.UnitOfWork) error {
		var lerr error
		records, lerr = r.Table.GetAll(u)
		return lerr
	}); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	updates := make(map[string]map[string]any)
	seen := make(map[string]Status)
	for _, rec := range records {
		if !IsSettled(rec.RecordStatus()) {
			metrics.RecordSweepRecord(r.Resource, OutcomeSkipped)
			log.Debug("monitoring skips %s %s with status %s", r.Resource, rec.RecordID(), rec.RecordStatus())
			continue
		}
		if err = ctx.Err(); err != nil {
			return err
		}
		fields, perr := r.probe(ctx, rec)
		if perr != nil {
			msg := fmt.Sprintf("Handle error: %v while monitoring %s %s.", perr, r.Resource, r.name(rec))
			log.TError(ctx, "%s", msg)
			fields = map[string]any{ColumnStatus: string(StatusError), ColumnInformation: msg}
			metrics.RecordSweepRecord(r.Resource, OutcomeError)
		} else {
			if fields == nil {
				fields = map[string]any{}
			}
			if _, ok := fields[ColumnStatus]; !ok {
				fields[ColumnStatus] = string(StatusAvailable)
			}
			fields[ColumnInformation] = ""
			metrics.RecordSweepRecord(r.Resource, OutcomeOK)
		}
		updates[rec.RecordID()] = fields
		seen[rec.RecordID()] = rec.RecordStatus()
	}
	if len(updates) == 0 {
		return nil
	}
	err = r.DB.Critical(func() error {
		return r.apply(ctx, updates, seen)
	})
	return err
}

// probe 探测一条记录, panic转换为错误
func (r *Reconciler[R]) probe(ctx context.Context, rec R) (fields map[string]any, err error) {
	defer func() {
		if perr := tools.Catch(fmt.Sprintf("monitoring %s %s", r.Resource, rec.RecordID()), recover()); perr != nil {
			err = perr
		}
	}()
	return r.Probe(ctx, rec)
}

// apply 重新读取记录, 状态在巡检期间被工作流修改过的不再更新
func (r *Reconciler[R]) apply(ctx context.Context, updates map[string]map[string]any, seen map[string]Status) error {
	return uow.Do(ctx, r.DB, func(u *uow.UnitOfWork) error {
		patches := make(map[string]map[string]any, len(updates))
		moved := make(map[string][2]string)
		for id, fields := range updates {
			cur, err := r.Table.Get(u, id)
			if errors.Is(err, errors.NotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if cur.RecordStatus() != seen[id] {
				continue
			}
			if r.Extra != nil {
				if err := r.Extra(u, id, fields); err != nil {
					return err
				}
			}
			patches[id] = fields
			if to, _ := fields[ColumnStatus].(string); to != string(cur.RecordStatus()) {
				moved[id] = [2]string{string(cur.RecordStatus()), to}
			}
		}
		if err := r.Table.BulkUpdate(u, patches); err != nil {
			return err
		}
		if err := u.Commit(); err != nil {
			return err
		}
		for _, m := range moved {
			metrics.RecordTransition(r.Resource, m[0], m[1])
		}
		return nil
	})
}

func (r *Reconciler[R]) name(rec R) string {
	if r.Name != nil {
		if n := r.Name(rec); n != "" {
			return n
		}
	}
	return rec.RecordID()
}
