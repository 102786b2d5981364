package main

import (
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/cloudapex/vair"
	"github.com/cloudapex/vair/app"
	"github.com/cloudapex/vair/modules/blockdevice"
	"github.com/cloudapex/vair/modules/image"
	"github.com/cloudapex/vair/modules/network"
	"github.com/cloudapex/vair/modules/storage"
	"github.com/cloudapex/vair/modules/template"
	"github.com/cloudapex/vair/modules/volume"
	"github.com/cloudapex/vair/modules/vm"
)

// registry 可运行的资源服务(按配置中的Module启动)
var registry = map[string]func() app.IModule{
	storage.ModuleType:     storage.Module,
	volume.ModuleType:      volume.Module,
	image.ModuleType:       image.Module,
	template.ModuleType:    template.Module,
	network.ModuleType:     network.Module,
	blockdevice.ModuleType: blockdevice.Module,
	vm.ModuleType:          vm.Module,
}

func moduleTypes() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// selectModules only为空时返回全部
func selectModules(only []string) ([]app.IModule, error) {
	if len(only) == 0 {
		only = moduleTypes()
	}
	mods := make([]app.IModule, 0, len(only))
	for _, name := range only {
		newModule, ok := registry[name]
		if !ok {
			return nil, errors.NotFoundf("module %q", name)
		}
		mods = append(mods, newModule())
	}
	return mods, nil
}

func (g *globalFlags) appOptions() []app.Option {
	opts := []app.Option{
		app.Parse(false),
		app.Version(Version),
		app.Debug(g.debug),
		app.ProcessEnv(g.env),
		app.ConfigFile(g.configFile),
		app.ConfigKey(g.configKey),
		app.LogDir(g.logDir),
		app.WorkDir(g.workDir),
	}
	if g.consul != "" {
		opts = append(opts, app.ConsulAddr(g.consul))
	}
	return opts
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		only  []string
		watch bool
		pprof string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the resource services configured for this process env",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mods, err := selectModules(only)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			opts := append(g.appOptions(), app.Watch(watch), app.PProfAddr(pprof))
			return vair.CreateApp(opts...).Run(ctx, mods...)
		},
	}
	cmd.Flags().StringSliceVar(&only, "modules", nil, "only register these module types")
	cmd.Flags().BoolVar(&watch, "watch", false, "watch consul configuration changes")
	cmd.Flags().StringVar(&pprof, "pprof", "", "listen pprof addr")
	return cmd
}

func newModulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the module types this binary can run",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range moduleTypes() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}
