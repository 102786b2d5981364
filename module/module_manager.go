package module

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/cloudapex/vair/app"
	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/log"
	"github.com/cloudapex/vair/tools"
)

// NewModuleManager 新建模块管理器
func NewModuleManager() *ModuleManager {
	return &ModuleManager{}
}

// moduleUnit 模块结构
type moduleUnit struct {
	mi       app.IModule
	settings *conf.ModuleSettings // from Config.Module
	closeSig chan bool
	wg       sync.WaitGroup
}

// ModuleManager 模块管理器
type ModuleManager struct {
	mods    []*moduleUnit // 注册的modules
	runMods []*moduleUnit // 真正运行的modules
}

// Register 注册模块(按配置决定是否在本进程运行)
func (this *ModuleManager) Register(mi app.IModule) {
	this.mods = append(this.mods, &moduleUnit{
		mi:       mi,
		closeSig: make(chan bool, 1),
	})
}

// RegisterRun 注册一定运行的模块
func (this *ModuleManager) RegisterRun(mi app.IModule) {
	this.runMods = append(this.runMods, &moduleUnit{
		mi:       mi,
		closeSig: make(chan bool, 1),
	})
}

// Init 匹配配置, 初始化并运行模块
func (this *ModuleManager) Init(a app.IApp, processEnv string) error {
	log.Info("This server app process run ProcessEnvId is [%s]", processEnv)

	// 配置文件规则检查
	if err := checkModuleSettings(a.Config().Module); err != nil {
		return err
	}

	// 程序注册的module与配置中的module进行匹配,得到最终runMods
	for _, m := range this.mods {
		for _, setting := range a.Config().Module[m.mi.GetType()] {
			if processEnv == setting.ProcessEnv {
				m.settings = setting
				this.runMods = append(this.runMods, m)
				break
			}
		}
	}

	// 初始化并运行模块
	for i, m := range this.runMods {
		if err := m.mi.OnInit(a, m.settings); err != nil {
			this.runMods = this.runMods[:i]
			this.Destroy()
			return errors.Wrapf(err, "init module %s", m.mi.GetType())
		}
		if cb := a.GetModuleInited(); cb != nil {
			cb(m.mi)
		}

		m.wg.Add(1)
		go func(unit *moduleUnit) {
			defer unit.wg.Done()
			defer func() {
				if err := tools.Catch(fmt.Sprintf("module[%q] run", unit.mi.GetType()), recover()); err != nil {
					log.Error(err.Error())
				}
			}()
			unit.mi.Run(unit.closeSig)
		}(m)
	}
	return nil
}

// ConfChanged 把新的模块配置通知给运行中的模块
func (this *ModuleManager) ConfChanged(cfg conf.Config, processEnv string) {
	for _, m := range this.runMods {
		for _, setting := range cfg.Module[m.mi.GetType()] {
			if setting.ProcessEnv == processEnv {
				m.settings = setting
				m.mi.OnConfChanged(setting)
				break
			}
		}
	}
}

// Destroy 停止模块(倒序)
func (this *ModuleManager) Destroy() {
	for i := len(this.runMods) - 1; i >= 0; i-- {
		m := this.runMods[i]
		select {
		case m.closeSig <- true:
		default:
		}
		m.wg.Wait()
		func(unit *moduleUnit) {
			defer func() {
				if err := tools.Catch(fmt.Sprintf("module[%q] destroy", unit.mi.GetType()), recover()); err != nil {
					log.Error(err.Error())
				}
			}()
			unit.mi.OnDestroy()
		}(m)
	}
	this.runMods = nil
}

// checkModuleSettings module配置文件规则检查(ID全局必须唯一) 且 每个类型的Module在同一个ProcessEnv中只能配置一个
func checkModuleSettings(modules map[string][]*conf.ModuleSettings) error {
	gid := map[string]string{} // 用来保存全局ID:ModuleType
	for typ, modSettings := range modules {
		pid := map[string]string{} // 用来保存模块中的 ProcessEnv:ID
		for _, setting := range modSettings {
			if setting.ID != "" {
				if stype, ok := gid[setting.ID]; ok {
					return errors.Errorf("Module.ID (%s) been used in modules of type [%s] and cannot be reused", setting.ID, stype)
				}
				gid[setting.ID] = typ
			}
			if id, ok := pid[setting.ProcessEnv]; ok {
				return errors.Errorf("In the list of modules of type [%s], ProcessEnv (%s) has been used for ID module for (%s)", typ, setting.ProcessEnv, id)
			}
			pid[setting.ProcessEnv] = setting.ID
		}
	}
	return nil
}
