// Package uow 事务范围(unit of work)与通用表仓库
//
// 每个工作流步骤使用新的UnitOfWork, 显式Commit, Close时回滚未提交的修改.
// 持有事务期间不能发起rpc调用.
package uow

import (
	"context"
	"database/sql"
	"sync"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cloudapex/vair/conf"
)

// DB 关系存储
type DB struct {
	db    *sqlair.DB
	plain *sql.DB
	bulk  sync.Mutex // 批量更新临界区
}

// Open 按配置打开数据库
func Open(cfg conf.Database) (*DB, error) {
	plain, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Annotatef(err, "opening %s database", cfg.Driver)
	}
	if cfg.MaxOpenConns > 0 {
		plain.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := plain.Ping(); err != nil {
		_ = plain.Close()
		return nil, errors.Annotatef(err, "connecting %s database", cfg.Driver)
	}
	return New(plain), nil
}

// New 包装已有连接
func New(plain *sql.DB) *DB {
	return &DB{db: sqlair.NewDB(plain), plain: plain}
}

// Migrate 执行建表语句(CREATE TABLE IF NOT EXISTS ...)
func (d *DB) Migrate(ctx context.Context, ddl ...string) error {
	for _, stmt := range ddl {
		if _, err := d.plain.ExecContext(ctx, stmt); err != nil {
			return errors.Annotatef(err, "migrating %q", stmt)
		}
	}
	return nil
}

// Begin 新的事务范围(事务在第一次使用时开启)
func (d *DB) Begin(ctx context.Context) *UnitOfWork {
	return &UnitOfWork{ctx: ctx, db: d}
}

// Critical 串行执行多行批量更新(巡检之间互斥)
func (d *DB) Critical(fn func() error) error {
	d.bulk.Lock()
	defer d.bulk.Unlock()
	return fn()
}

// Close 关闭连接
func (d *DB) Close() error {
	return d.plain.Close()
}

// UnitOfWork 一次事务范围, 非并发安全
type UnitOfWork struct {
	ctx context.Context
	db  *DB
	tx  *sqlair.TX
}

// Context 事务范围的ctx
func (u *UnitOfWork) Context() context.Context { return u.ctx }

// TX 当前事务(没有时开启)
func (u *UnitOfWork) TX() (*sqlair.TX, error) {
	if u.tx != nil {
		return u.tx, nil
	}
	tx, err := u.db.db.Begin(u.ctx, nil)
	if err != nil {
		return nil, errors.Annotate(err, "beginning transaction")
	}
	u.tx = tx
	return tx, nil
}

// Commit 提交当前事务, 之后的操作在新事务中进行
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return nil
	}
	tx := u.tx
	u.tx = nil
	return errors.Annotate(tx.Commit(), "committing transaction")
}

// Rollback 放弃当前事务
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil
	}
	tx := u.tx
	u.tx = nil
	err := tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// Close 回滚未提交的修改
func (u *UnitOfWork) Close() error {
	return u.Rollback()
}

// Do 在新的事务范围中执行fn, fn中需要显式Commit
func Do(ctx context.Context, db *DB, fn func(u *UnitOfWork) error) error {
	u := db.Begin(ctx)
	defer u.Close()
	return fn(u)
}
