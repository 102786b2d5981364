package uow

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/canonical/sqlair"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// IDColumn 主键列
const IDColumn = "id"

// Table 通用仓库, T为带db tag的结构体(必须包含id列)
type Table[T any] struct {
	name    string
	kind    string // 结构体类型名(sqlair语句中使用)
	label   string // 错误信息中的资源名
	columns set.Strings

	insert *sqlair.Statement
	get    *sqlair.Statement
	remove *sqlair.Statement
	update *sqlair.Statement

	mu    sync.Mutex
	cache map[string]*sqlair.Statement
}

// NewTable 创建仓库, label用于not found等错误信息
func NewTable[T any](name, label string) (*Table[T], error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Struct || typ.Name() == "" {
		return nil, errors.NotValidf("table %s record type %T", name, zero)
	}
	cols := columnsOf(typ)
	if !cols.Contains(IDColumn) {
		return nil, errors.NotValidf("table %s without %s column", name, IDColumn)
	}
	t := &Table[T]{
		name:    name,
		kind:    typ.Name(),
		label:   label,
		columns: cols,
		cache:   make(map[string]*sqlair.Statement),
	}

	var err error
	if t.insert, err = sqlair.Prepare(fmt.Sprintf("INSERT INTO %s (*) VALUES ($%s.*)", name, t.kind), zero); err != nil {
		return nil, errors.Annotatef(err, "preparing insert %s", name)
	}
	if t.get, err = sqlair.Prepare(fmt.Sprintf("SELECT &%s.* FROM %s WHERE id = $M.id", t.kind, name), zero, sqlair.M{}); err != nil {
		return nil, errors.Annotatef(err, "preparing get %s", name)
	}
	if t.remove, err = sqlair.Prepare(fmt.Sprintf("DELETE FROM %s WHERE id = $M.id", name), sqlair.M{}); err != nil {
		return nil, errors.Annotatef(err, "preparing delete %s", name)
	}
	var sets []string
	for _, c := range cols.SortedValues() {
		if c != IDColumn {
			sets = append(sets, fmt.Sprintf("%s = $%s.%s", c, t.kind, c))
		}
	}
	if len(sets) > 0 {
		q := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%s.id", name, strings.Join(sets, ", "), t.kind)
		if t.update, err = sqlair.Prepare(q, zero); err != nil {
			return nil, errors.Annotatef(err, "preparing update %s", name)
		}
	}
	return t, nil
}

// MustTable 同NewTable, 失败时panic(包初始化时使用)
func MustTable[T any](name, label string) *Table[T] {
	t, err := NewTable[T](name, label)
	if err != nil {
		panic(err)
	}
	return t
}

// Name 表名
func (t *Table[T]) Name() string { return t.name }

// columnsOf 结构体的db列
func columnsOf(typ reflect.Type) set.Strings {
	cols := set.NewStrings()
	for i := 0; i < typ.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("db")
		name := strings.Split(tag, ",")[0]
		if name == "" || name == "-" {
			continue
		}
		cols.Add(name)
	}
	return cols
}

func (t *Table[T]) checkColumns(names []string) error {
	for _, n := range names {
		if !t.columns.Contains(n) {
			return errors.NotValidf("column %q of %s", n, t.name)
		}
	}
	return nil
}

// statement 按key缓存动态生成的语句
func (t *Table[T]) statement(key string, build func() (string, []any)) (*sqlair.Statement, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.cache[key]; ok {
		return s, nil
	}
	q, samples := build()
	s, err := sqlair.Prepare(q, samples...)
	if err != nil {
		return nil, errors.Annotatef(err, "preparing %q", q)
	}
	t.cache[key] = s
	return s, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Add 插入记录
func (t *Table[T]) Add(u *UnitOfWork, rec T) error {
	tx, err := u.TX()
	if err != nil {
		return err
	}
	return errors.Annotatef(tx.Query(u.ctx, t.insert, rec).Run(), "inserting into %s", t.name)
}

// Get 按id查询, 不存在时返回NotFound
func (t *Table[T]) Get(u *UnitOfWork, id string) (T, error) {
	var out T
	tx, err := u.TX()
	if err != nil {
		return out, err
	}
	err = tx.Query(u.ctx, t.get, sqlair.M{IDColumn: id}).Get(&out)
	if errors.Is(err, sqlair.ErrNoRows) {
		return out, errors.NotFoundf("%s %q", t.label, id)
	}
	return out, errors.Annotatef(err, "getting %s %q", t.label, id)
}

// GetAll 所有记录
func (t *Table[T]) GetAll(u *UnitOfWork) ([]T, error) {
	return t.FilterBy(u, nil)
}

// FilterBy 按列值相等过滤(多个条件为AND)
func (t *Table[T]) FilterBy(u *UnitOfWork, filters map[string]any) ([]T, error) {
	keys := sortedKeys(filters)
	if err := t.checkColumns(keys); err != nil {
		return nil, err
	}
	stmt, err := t.statement("select:"+strings.Join(keys, ","), func() (string, []any) {
		var zero T
		q := fmt.Sprintf("SELECT &%s.* FROM %s", t.kind, t.name)
		if len(keys) == 0 {
			return q, []any{zero}
		}
		conds := make([]string, len(keys))
		for i, k := range keys {
			conds[i] = fmt.Sprintf("%s = $M.%s", k, k)
		}
		return q + " WHERE " + strings.Join(conds, " AND "), []any{zero, sqlair.M{}}
	})
	if err != nil {
		return nil, err
	}
	tx, err := u.TX()
	if err != nil {
		return nil, err
	}
	var out []T
	var q *sqlair.Query
	if len(keys) == 0 {
		q = tx.Query(u.ctx, stmt)
	} else {
		q = tx.Query(u.ctx, stmt, sqlair.M(filters))
	}
	if err := q.GetAll(&out); err != nil && !errors.Is(err, sqlair.ErrNoRows) {
		return nil, errors.Annotatef(err, "listing %s", t.name)
	}
	return out, nil
}

// FindOne 第一条满足条件的记录, 没有时返回NotFound
func (t *Table[T]) FindOne(u *UnitOfWork, filters map[string]any) (T, error) {
	var zero T
	all, err := t.FilterBy(u, filters)
	if err != nil {
		return zero, err
	}
	if len(all) == 0 {
		return zero, errors.NotFoundf("%s %v", t.label, filters)
	}
	return all[0], nil
}

// Exists 是否存在满足条件的记录
func (t *Table[T]) Exists(u *UnitOfWork, filters map[string]any) (bool, error) {
	all, err := t.FilterBy(u, filters)
	if err != nil {
		return false, err
	}
	return len(all) > 0, nil
}

// Update 整行更新
func (t *Table[T]) Update(u *UnitOfWork, rec T) error {
	if t.update == nil {
		return nil
	}
	tx, err := u.TX()
	if err != nil {
		return err
	}
	return errors.Annotatef(tx.Query(u.ctx, t.update, rec).Run(), "updating %s", t.name)
}

// Patch 按id更新部分列
func (t *Table[T]) Patch(u *UnitOfWork, id string, fields map[string]any) error {
	keys := sortedKeys(fields)
	if len(keys) == 0 {
		return nil
	}
	if err := t.checkColumns(keys); err != nil {
		return err
	}
	for _, k := range keys {
		if k == IDColumn {
			return errors.NotValidf("patching %s column of %s", IDColumn, t.name)
		}
	}
	stmt, err := t.statement("update:"+strings.Join(keys, ","), func() (string, []any) {
		sets := make([]string, len(keys))
		for i, k := range keys {
			sets[i] = fmt.Sprintf("%s = $M.%s", k, k)
		}
		return fmt.Sprintf("UPDATE %s SET %s WHERE id = $M.id", t.name, strings.Join(sets, ", ")), []any{sqlair.M{}}
	})
	if err != nil {
		return err
	}
	tx, err := u.TX()
	if err != nil {
		return err
	}
	args := sqlair.M{IDColumn: id}
	for k, v := range fields {
		args[k] = v
	}
	return errors.Annotatef(tx.Query(u.ctx, stmt, args).Run(), "updating %s %q", t.label, id)
}

// BulkUpdate 在同一事务中更新多条记录(id -> 列值)
func (t *Table[T]) BulkUpdate(u *UnitOfWork, patches map[string]map[string]any) error {
	ids := make([]string, 0, len(patches))
	for id := range patches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := t.Patch(u, id, patches[id]); err != nil {
			return err
		}
	}
	return nil
}

// Delete 按id删除
func (t *Table[T]) Delete(u *UnitOfWork, id string) error {
	tx, err := u.TX()
	if err != nil {
		return err
	}
	return errors.Annotatef(tx.Query(u.ctx, t.remove, sqlair.M{IDColumn: id}).Run(), "deleting %s %q", t.label, id)
}

// DeleteBy 按列值删除
func (t *Table[T]) DeleteBy(u *UnitOfWork, column string, value any) error {
	if err := t.checkColumns([]string{column}); err != nil {
		return err
	}
	stmt, err := t.statement("delete:"+column, func() (string, []any) {
		return fmt.Sprintf("DELETE FROM %s WHERE %s = $M.value", t.name, column), []any{sqlair.M{}}
	})
	if err != nil {
		return err
	}
	tx, err := u.TX()
	if err != nil {
		return err
	}
	return errors.Annotatef(tx.Query(u.ctx, stmt, sqlair.M{"value": value}).Run(), "deleting from %s", t.name)
}
