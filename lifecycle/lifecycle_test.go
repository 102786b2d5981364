package lifecycle_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	jujuerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/lifecycle"
	"github.com/cloudapex/vair/lifecycle/mocks"
	"github.com/cloudapex/vair/mqrpc/rpctest"
	"github.com/cloudapex/vair/uow"
)

type thing struct {
	ID          string           `db:"id"`
	Name        string           `db:"name"`
	Status      lifecycle.Status `db:"status"`
	Information string           `db:"information"`
	Size        int64            `db:"size"`
}

func (t thing) RecordID() string               { return t.ID }
func (t thing) RecordStatus() lifecycle.Status { return t.Status }

var things = uow.MustTable[thing]("things", "thing")

func openDB(t *testing.T) *uow.DB {
	t.Helper()
	db, err := uow.Open(conf.Database{
		Driver:       "sqlite3",
		DSN:          "file:" + filepath.Join(t.TempDir(), "lc.db") + "?_busy_timeout=5000",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background(), `CREATE TABLE things (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		information TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0
	)`))
	return db
}

func seed(t *testing.T, db *uow.DB, recs ...thing) {
	t.Helper()
	require.NoError(t, uow.Do(context.Background(), db, func(u *uow.UnitOfWork) error {
		for _, r := range recs {
			if err := things.Add(u, r); err != nil {
				return err
			}
		}
		return u.Commit()
	}))
}

func load(t *testing.T, db *uow.DB, id string) thing {
	t.Helper()
	var rec thing
	require.NoError(t, uow.Do(context.Background(), db, func(u *uow.UnitOfWork) error {
		var err error
		rec, err = things.Get(u, id)
		return err
	}))
	return rec
}

func TestGraph(t *testing.T) {
	g := lifecycle.NewGraph("thing", lifecycle.BaseEdges())
	assert.True(t, g.Allowed(lifecycle.StatusNew, lifecycle.StatusCreating))
	assert.True(t, g.Allowed(lifecycle.StatusError, lifecycle.StatusAvailable))
	assert.False(t, g.Allowed(lifecycle.StatusAvailable, lifecycle.StatusCreating))
	assert.False(t, g.Allowed(lifecycle.StatusDeleting, lifecycle.StatusAvailable))

	err := g.Check("t1", lifecycle.StatusAvailable, lifecycle.StatusCreating)
	require.Error(t, err)
	assert.True(t, lifecycle.IsPreconditionError(err))
	assert.Equal(t, "thing t1 status is available but must be in [new]", err.Error())

	ext := lifecycle.NewGraph("thing", lifecycle.Extend(lifecycle.BaseEdges(), map[lifecycle.Status][]lifecycle.Status{
		lifecycle.StatusAvailable: {lifecycle.StatusEditing},
		lifecycle.StatusEditing:   {lifecycle.StatusAvailable, lifecycle.StatusError},
	}))
	assert.True(t, ext.Allowed(lifecycle.StatusAvailable, lifecycle.StatusEditing))
	assert.True(t, ext.Allowed(lifecycle.StatusAvailable, lifecycle.StatusDeleting))
	assert.False(t, g.Allowed(lifecycle.StatusAvailable, lifecycle.StatusEditing))
}

func TestErrors(t *testing.T) {
	err := lifecycle.Require("storage", "s1", lifecycle.StatusCreating, lifecycle.StatusAvailable, lifecycle.StatusError)
	assert.EqualError(t, err, "storage s1 status is creating but must be in [available, error]")
	assert.NoError(t, lifecycle.Require("storage", "s1", lifecycle.StatusError, lifecycle.StatusAvailable, lifecycle.StatusError))

	dep := &lifecycle.DependencyError{Resource: "storage", ID: "s1", Dependants: []string{"volumes", "images"}}
	assert.EqualError(t, dep, "storage s1 has volumes and images")
	assert.True(t, lifecycle.IsDependencyError(jujuerrors.Annotate(dep, "delete")))
	assert.True(t, lifecycle.IsValidation(jujuerrors.AlreadyExistsf("storage %q", "x")))
	assert.False(t, lifecycle.IsValidation(errors.New("domain down")))
	assert.True(t, lifecycle.IsSettled(lifecycle.StatusError))
	assert.False(t, lifecycle.IsSettled(lifecycle.StatusCreating))
}

func TestLocalWorkQueueSerial(t *testing.T) {
	q := lifecycle.NewLocalWorkQueue(10)
	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)
	q.Handle("step", func(ctx context.Context, job lifecycle.Job) error {
		var p struct {
			ID string `json:"id"`
		}
		require.NoError(t, job.Bind(&p))
		mu.Lock()
		order = append(order, p.ID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	ctx := context.Background()
	assert.Error(t, q.Enqueue(ctx, lifecycle.Job{Name: "missing"}))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, lifecycle.Job{Name: "step", Payload: map[string]any{"id": id}}))
	}
	require.NoError(t, q.Start())
	for i := 0; i < 3; i++ {
		<-done
	}
	require.NoError(t, q.Stop())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestLocalWorkQueueSurvivesPanic(t *testing.T) {
	q := lifecycle.NewLocalWorkQueue(10)
	done := make(chan struct{}, 1)
	q.Handle("boom", func(ctx context.Context, job lifecycle.Job) error { panic("boom") })
	q.Handle("ok", func(ctx context.Context, job lifecycle.Job) error {
		done <- struct{}{}
		return nil
	})
	require.NoError(t, q.Start())
	defer q.Stop()
	require.NoError(t, q.Enqueue(context.Background(), lifecycle.Job{Name: "boom"}))
	require.NoError(t, q.Enqueue(context.Background(), lifecycle.Job{Name: "ok"}))
	<-done
}

func TestRPCWorkQueue(t *testing.T) {
	f := rpctest.NewFabric(t)
	q, err := lifecycle.NewRPCWorkQueue(f, lifecycle.TasksQueue("thing"))
	require.NoError(t, err)
	got := make(chan string, 1)
	q.Handle("_create", func(ctx context.Context, job lifecycle.Job) error {
		var p struct {
			ID string `json:"id"`
		}
		if err := job.Bind(&p); err != nil {
			return err
		}
		got <- job.Name + ":" + p.ID
		return nil
	})
	require.NoError(t, q.Start())
	defer q.Stop()

	require.NoError(t, q.Enqueue(context.Background(), lifecycle.Job{
		Name:    "_create",
		Payload: struct{ ID string `json:"id"` }{ID: "t1"},
	}))
	assert.Equal(t, "_create:t1", <-got)
}

func newWorkflow(db *uow.DB, events lifecycle.EventRecorder) *lifecycle.Workflow[thing] {
	return &lifecycle.Workflow[thing]{
		Resource: "thing",
		DB:       db,
		Table:    things,
		Graph:    lifecycle.NewGraph("thing", lifecycle.BaseEdges()),
		Events:   events,
	}
}

func TestTransition(t *testing.T) {
	db := openDB(t)
	seed(t, db, thing{ID: "t1", Name: "one", Status: lifecycle.StatusNew})
	w := newWorkflow(db, lifecycle.LogEventRecorder{})
	ctx := context.Background()

	rec, err := w.Transition(ctx, "t1", lifecycle.StatusCreating, nil, lifecycle.StatusNew)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCreating, rec.Status)

	_, err = w.Transition(ctx, "t1", lifecycle.StatusCreating, nil, lifecycle.StatusNew)
	assert.True(t, lifecycle.IsPreconditionError(err))

	rec, err = w.Transition(ctx, "t1", lifecycle.StatusAvailable, map[string]any{"size": int64(42)})
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.Size)

	_, err = w.Transition(ctx, "missing", lifecycle.StatusCreating, nil)
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotFound))
}

func TestFailRecordsOneEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	events := mocks.NewMockEventRecorder(ctrl)
	events.EXPECT().AddEvent(gomock.Any(), "t1", "u1", "create_thing", "domain down").Times(1)

	db := openDB(t)
	seed(t, db, thing{ID: "t1", Name: "one", Status: lifecycle.StatusCreating})
	w := newWorkflow(db, events)
	w.Fail(context.Background(), "t1", "u1", "create_thing", errors.New("domain down"))

	rec := load(t, db, "t1")
	assert.Equal(t, lifecycle.StatusError, rec.Status)
	assert.Equal(t, "domain down", rec.Information)
}

func TestWritesSurviveCancelledContext(t *testing.T) {
	db := openDB(t)
	seed(t, db,
		thing{ID: "t1", Name: "one", Status: lifecycle.StatusCreating},
		thing{ID: "t2", Name: "two", Status: lifecycle.StatusCreating},
		thing{ID: "t3", Name: "three", Status: lifecycle.StatusDeleting},
	)
	w := newWorkflow(db, lifecycle.LogEventRecorder{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w.Fail(ctx, "t1", "u1", "create_thing", context.Canceled)
	assert.Equal(t, lifecycle.StatusError, load(t, db, "t1").Status)

	rec, err := w.Transition(ctx, "t2", lifecycle.StatusAvailable, nil, lifecycle.StatusCreating)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusAvailable, rec.Status)

	require.NoError(t, w.Remove(ctx, "t3"))
	_, err = w.Load(context.Background(), "t3")
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotFound))
}

func TestRemove(t *testing.T) {
	db := openDB(t)
	seed(t, db, thing{ID: "t1", Name: "one", Status: lifecycle.StatusDeleting})
	w := newWorkflow(db, nil)
	cleaned := false
	require.NoError(t, w.Remove(context.Background(), "t1", func(u *uow.UnitOfWork) error {
		cleaned = true
		return nil
	}))
	assert.True(t, cleaned)
	_, err := w.Load(context.Background(), "t1")
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotFound))
}

func TestSweep(t *testing.T) {
	db := openDB(t)
	seed(t, db,
		thing{ID: "ok", Name: "ok", Status: lifecycle.StatusAvailable},
		thing{ID: "down", Name: "down", Status: lifecycle.StatusAvailable},
		thing{ID: "back", Name: "back", Status: lifecycle.StatusError, Information: "old failure"},
		thing{ID: "busy", Name: "busy", Status: lifecycle.StatusCreating},
		thing{ID: "panics", Name: "panics", Status: lifecycle.StatusAvailable},
	)
	var probed []string
	r := &lifecycle.Reconciler[thing]{
		Resource: "thing",
		DB:       db,
		Table:    things,
		Name:     func(t thing) string { return t.Name },
		Probe: func(ctx context.Context, rec thing) (map[string]any, error) {
			probed = append(probed, rec.ID)
			switch rec.ID {
			case "down":
				return nil, errors.New("unreachable")
			case "panics":
				panic("probe")
			}
			return map[string]any{"size": int64(7)}, nil
		},
	}
	require.NoError(t, r.Sweep(context.Background()))

	assert.NotContains(t, probed, "busy")
	assert.Equal(t, lifecycle.StatusAvailable, load(t, db, "ok").Status)
	assert.Equal(t, int64(7), load(t, db, "ok").Size)

	down := load(t, db, "down")
	assert.Equal(t, lifecycle.StatusError, down.Status)
	assert.Contains(t, down.Information, "unreachable")
	assert.Contains(t, down.Information, "while monitoring thing down")

	back := load(t, db, "back")
	assert.Equal(t, lifecycle.StatusAvailable, back.Status)
	assert.Empty(t, back.Information)

	assert.Equal(t, lifecycle.StatusCreating, load(t, db, "busy").Status)
	assert.Equal(t, lifecycle.StatusError, load(t, db, "panics").Status)
}

func TestSweepSkipsRecordsChangedMeanwhile(t *testing.T) {
	db := openDB(t)
	seed(t, db, thing{ID: "t1", Name: "one", Status: lifecycle.StatusAvailable})
	w := newWorkflow(db, nil)
	r := &lifecycle.Reconciler[thing]{
		Resource: "thing",
		DB:       db,
		Table:    things,
		Probe: func(ctx context.Context, rec thing) (map[string]any, error) {
			_, err := w.Transition(ctx, rec.ID, lifecycle.StatusDeleting, nil)
			require.NoError(t, err)
			return nil, errors.New("gone")
		},
	}
	require.NoError(t, r.Sweep(context.Background()))
	assert.Equal(t, lifecycle.StatusDeleting, load(t, db, "t1").Status)
}

func TestSweepEmpty(t *testing.T) {
	db := openDB(t)
	r := &lifecycle.Reconciler[thing]{Resource: "thing", DB: db, Table: things,
		Probe: func(ctx context.Context, rec thing) (map[string]any, error) {
			t.Fatal("no records to probe")
			return nil, nil
		}}
	assert.NoError(t, r.Sweep(context.Background()))
}
