// Package modtest 资源模块的测试辅助: 进程内消息, 临时数据库, 记录审计事件
package modtest

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/cloudapex/vair"
	"github.com/cloudapex/vair/app"
	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/lifecycle/mocks"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/mqrpc/fabric"
	"github.com/cloudapex/vair/mqrpc/rpctest"
	"github.com/cloudapex/vair/uow"
)

// Event 收到的审计事件
type Event struct {
	ObjectID string
	UserID   string
	Action   string
	Message  string
}

// Module 可以单独启动的模块
type Module interface {
	app.IModule
	Start() error
}

// Harness 一个测试用的应用
type Harness struct {
	App    app.IApp
	Fabric *fabric.Fabric
	DB     *uow.DB
	Events *mocks.MockEventRecorder

	mu     sync.Mutex
	events []Event
}

// New 创建应用(不读取命令行和环境变量)
func New(t *testing.T, messaging ...func(*conf.Messaging)) *Harness {
	t.Helper()
	h := &Harness{Fabric: rpctest.NewFabric(t, messaging...), DB: OpenDB(t)}
	h.Events = mocks.NewMockEventRecorder(gomock.NewController(t))
	h.Events.EXPECT().AddEvent(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		AnyTimes().
		Do(func(_ context.Context, objectID, userID, action, message string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, Event{ObjectID: objectID, UserID: userID, Action: action, Message: message})
		})
	h.App = vair.CreateApp(
		app.Parse(false),
		app.LogDir(t.TempDir()),
		app.WithFabric(h.Fabric),
		app.WithDB(h.DB),
		app.WithEvents(h.Events),
	)
	return h
}

// OpenDB 临时sqlite数据库
func OpenDB(t *testing.T) *uow.DB {
	t.Helper()
	db, err := uow.Open(conf.Database{
		Driver:       "sqlite3",
		DSN:          "file:" + filepath.Join(t.TempDir(), "vair.db") + "?_busy_timeout=5000",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Start 初始化并启动模块, 测试结束时销毁
func (h *Harness) Start(t *testing.T, m Module, settings map[string]any) {
	t.Helper()
	if settings == nil {
		settings = map[string]any{}
	}
	if _, ok := settings["monitoring_interval"]; !ok {
		settings["monitoring_interval"] = 3600 // 测试中手动触发巡检
	}
	require.NoError(t, m.OnInit(h.App, &conf.ModuleSettings{ID: m.GetType() + "-test", ProcessEnv: "dev", Settings: settings}))
	require.NoError(t, m.Start())
	t.Cleanup(m.OnDestroy)
}

// Call 调用模块方法
func (h *Harness) Call(moduleType, method string, args any) (any, error) {
	return h.App.Call(context.Background(), moduleType, method, mqrpc.WithMethodData(args))
}

// MustCall 调用模块方法并把结果解码到out
func (h *Harness) MustCall(t *testing.T, moduleType, method string, args, out any) {
	t.Helper()
	res, err := h.Call(moduleType, method, args)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, mqrpc.Decode(res, out))
	}
}

// Recorded 已记录的事件
func (h *Harness) Recorded() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

// EventsMatching 对象与消息子串都匹配的事件
func (h *Harness) EventsMatching(objectID, substr string) []Event {
	var out []Event
	for _, e := range h.Recorded() {
		if (objectID == "" || e.ObjectID == objectID) && strings.Contains(e.Message, substr) {
			out = append(out, e)
		}
	}
	return out
}
