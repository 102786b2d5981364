package uow

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudapex/vair/conf"
)

type widget struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Status    string    `db:"status"`
	Size      int64     `db:"size"`
	Ready     bool      `db:"ready"`
	CreatedAt time.Time `db:"created_at"`
	Note      string    // 不存储
}

const widgetSchema = `CREATE TABLE IF NOT EXISTS widgets (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	ready BOOLEAN NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
)`

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(conf.Database{
		Driver:       "sqlite3",
		DSN:          "file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on&_busy_timeout=5000",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background(), widgetSchema))
	return db
}

var widgets = MustTable[widget]("widgets", "widget")

func addWidget(t *testing.T, db *DB, w widget) {
	t.Helper()
	require.NoError(t, Do(context.Background(), db, func(u *UnitOfWork) error {
		if err := widgets.Add(u, w); err != nil {
			return err
		}
		return u.Commit()
	}))
}

func TestAddGetCommit(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	addWidget(t, db, widget{ID: "w1", Name: "one", Status: "new", Size: 10, CreatedAt: now})

	u := db.Begin(context.Background())
	defer u.Close()
	got, err := widgets.Get(u, "w1")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name)
	assert.Equal(t, int64(10), got.Size)
	assert.False(t, got.Ready)
	assert.True(t, now.Equal(got.CreatedAt))
}

func TestGetNotFound(t *testing.T) {
	db := openTestDB(t)
	u := db.Begin(context.Background())
	defer u.Close()
	_, err := widgets.Get(u, "missing")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestCloseRollsBackUncommitted(t *testing.T) {
	db := openTestDB(t)
	u := db.Begin(context.Background())
	require.NoError(t, widgets.Add(u, widget{ID: "w1", Name: "one", Status: "new", CreatedAt: time.Now()}))
	require.NoError(t, u.Close())

	u = db.Begin(context.Background())
	defer u.Close()
	all, err := widgets.GetAll(u)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestExplicitRollback(t *testing.T) {
	db := openTestDB(t)
	addWidget(t, db, widget{ID: "w1", Name: "one", Status: "new", CreatedAt: time.Now()})

	u := db.Begin(context.Background())
	defer u.Close()
	require.NoError(t, widgets.Patch(u, "w1", map[string]any{"status": "creating"}))
	require.NoError(t, u.Rollback())

	got, err := widgets.Get(u, "w1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Status)
}

func TestFilterPatchDelete(t *testing.T) {
	db := openTestDB(t)
	for _, w := range []widget{
		{ID: "a", Name: "a", Status: "available"},
		{ID: "b", Name: "b", Status: "error"},
		{ID: "c", Name: "c", Status: "creating"},
	} {
		w.CreatedAt = time.Now()
		addWidget(t, db, w)
	}

	u := db.Begin(context.Background())
	defer u.Close()

	avail, err := widgets.FilterBy(u, map[string]any{"status": "available"})
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, "a", avail[0].ID)

	none, err := widgets.FilterBy(u, map[string]any{"status": "deleting"})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = widgets.FilterBy(u, map[string]any{"bogus": 1})
	assert.True(t, errors.Is(err, errors.NotValid))

	require.NoError(t, widgets.BulkUpdate(u, map[string]map[string]any{
		"a": {"size": int64(5), "ready": true},
		"b": {"status": "available", "size": int64(7)},
	}))
	require.NoError(t, u.Commit())

	b, err := widgets.Get(u, "b")
	require.NoError(t, err)
	assert.Equal(t, "available", b.Status)
	assert.Equal(t, int64(7), b.Size)

	ok, err := widgets.Exists(u, map[string]any{"name": "c"})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, widgets.Delete(u, "c"))
	require.NoError(t, widgets.DeleteBy(u, "status", "available"))
	require.NoError(t, u.Commit())

	all, err := widgets.GetAll(u)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = widgets.FindOne(u, map[string]any{"name": "a"})
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestUpdateWholeRow(t *testing.T) {
	db := openTestDB(t)
	addWidget(t, db, widget{ID: "w1", Name: "one", Status: "new", CreatedAt: time.Now()})

	u := db.Begin(context.Background())
	defer u.Close()
	w, err := widgets.Get(u, "w1")
	require.NoError(t, err)
	w.Name, w.Ready = "renamed", true
	require.NoError(t, widgets.Update(u, w))
	require.NoError(t, u.Commit())

	w, err = widgets.Get(u, "w1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", w.Name)
	assert.True(t, w.Ready)
}

func TestPatchIDRejected(t *testing.T) {
	db := openTestDB(t)
	u := db.Begin(context.Background())
	defer u.Close()
	assert.Error(t, widgets.Patch(u, "w1", map[string]any{"id": "other"}))
}

func TestCriticalSerializes(t *testing.T) {
	db := openTestDB(t)
	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = db.Critical(func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestInvalidTable(t *testing.T) {
	type noID struct {
		Name string `db:"name"`
	}
	_, err := NewTable[noID]("x", "x")
	assert.Error(t, err)
	_, err = NewTable[map[string]any]("x", "x")
	assert.Error(t, err)
}
