// Package modules 框架内置模块
package modules

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cloudapex/vair/app"
	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/metrics"
)

// MetricsModule 指标模块(配置了Metrics.Addr时会被自动内置到框架中运行)
var MetricsModule = func(addr string) app.IModule {
	return &Metrics{addr: addr}
}

// Metrics 通过http暴露prometheus指标
type Metrics struct {
	addr   string
	server *http.Server
	done   chan struct{}
}

func (m *Metrics) GetType() string {
	// 很关键,需要与配置文件中的Module配置对应
	return "Metrics"
}
func (m *Metrics) Version() string { return "1.0.0" }

func (m *Metrics) OnAppConfigurationLoaded(a app.IApp) {}

func (m *Metrics) OnConfChanged(settings *conf.ModuleSettings) {}

func (m *Metrics) OnInit(a app.IApp, settings *conf.ModuleSettings) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	m.server = &http.Server{Addr: m.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	m.done = make(chan struct{})
	return nil
}

func (m *Metrics) Run(closeSig chan bool) {
	go func() {
		defer close(m.done)
		log.Info("metrics listening on %s", m.addr)
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server: %v", err)
		}
	}()
	<-closeSig
}

func (m *Metrics) OnDestroy() {
	if m.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.server.Shutdown(ctx); err != nil {
		log.Warning("metrics shutdown: %v", err)
	}
	<-m.done
}
