package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version 由构建时注入
var Version = "1.0.0"

type globalFlags struct {
	configFile string
	consul     string
	configKey  string
	env        string
	logDir     string
	workDir    string
	debug      bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "vaird",
		Short:         "Virtualization control plane services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configFile, "conf", "", "local config file (consul is not used when set)")
	pf.StringVar(&g.consul, "consul", "", "consul server addr")
	pf.StringVar(&g.configKey, "config-key", "", "consul config key (default config/{env}/server)")
	pf.StringVar(&g.env, "env", "dev", "process env of the modules to run")
	pf.StringVar(&g.logDir, "log", "", "log file directory")
	pf.StringVar(&g.workDir, "wd", "", "work directory")
	pf.BoolVar(&g.debug, "debug", false, "also log to console")

	root.AddCommand(
		newServeCmd(g),
		newCallCmd(g),
		newCastCmd(g),
		newModulesCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
