package main

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/cloudapex/vair/conf"
	"github.com/cloudapex/vair/module"
	"github.com/cloudapex/vair/mqrpc"
	"github.com/cloudapex/vair/mqrpc/fabric"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type requestFlags struct {
	manager  string
	priority int
	timeout  time.Duration
}

func (r *requestFlags) bind(cmd *cobra.Command, defPriority int) {
	cmd.Flags().StringVar(&r.manager, "manager", "", "data_for_manager as a JSON object")
	cmd.Flags().IntVar(&r.priority, "priority", defPriority, "message priority")
	cmd.Flags().DurationVar(&r.timeout, "timeout", 0, "time limit of a call (0 uses the client default)")
}

// options 解析命令行上的JSON参数
func (r *requestFlags) options(args []string) ([]mqrpc.CallOption, error) {
	opts := []mqrpc.CallOption{mqrpc.WithPriority(r.priority)}
	if len(args) > 2 && args[2] != "" {
		data, err := parseObject(args[2])
		if err != nil {
			return nil, errors.Annotate(err, "data_for_method")
		}
		opts = append(opts, mqrpc.WithMethodData(data))
	}
	if r.manager != "" {
		data, err := parseObject(r.manager)
		if err != nil {
			return nil, errors.Annotate(err, "data_for_manager")
		}
		opts = append(opts, mqrpc.WithManagerData(data))
	}
	if r.timeout > 0 {
		opts = append(opts, mqrpc.WithTimeLimit(r.timeout))
	}
	return opts, nil
}

func parseObject(s string) (map[string]any, error) {
	out := map[string]any{}
	if err := json.UnmarshalFromString(s, &out); err != nil {
		return nil, errors.NewNotValid(err, "expected a JSON object")
	}
	return out, nil
}

// loadConfig 与serve相同的顺序: 本地文件 > consul > 默认值
func (g *globalFlags) loadConfig(ctx context.Context) (conf.Config, error) {
	if g.configFile != "" {
		if err := conf.LoadConfig(g.configFile); err != nil {
			return conf.Config{}, err
		}
		return conf.Conf, nil
	}
	if g.consul != "" {
		key := g.configKey
		if key == "" {
			key = "config/" + g.env + "/server"
		}
		source, err := conf.NewConsulSource(g.consul, key)
		if err != nil {
			return conf.Config{}, err
		}
		cfg, _, err := source.Load(ctx, 0)
		return cfg, err
	}
	return conf.ParseConfig([]byte("{}"))
}

// withClients 连接broker后执行fn
func (g *globalFlags) withClients(ctx context.Context, fn func(c *module.Clients) error) error {
	cfg, err := g.loadConfig(ctx)
	if err != nil {
		return errors.Annotate(err, "loading configuration")
	}
	f, err := fabric.New(ctx, cfg.Messaging, cfg.RpcLog)
	if err != nil {
		return err
	}
	defer f.Close()
	clients := module.NewClients(f)
	defer clients.Close()
	return fn(clients)
}

func newCallCmd(g *globalFlags) *cobra.Command {
	r := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "call QUEUE METHOD [JSON]",
		Short: "Send a call to a service queue and print the reply",
		Example: `  vaird call volume get_volume '{"volume_id":"..."}'
  vaird call storage.domain do_setup --manager '{"storage_type":"nfs"}'`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := r.options(args)
			if err != nil {
				return err
			}
			return g.withClients(cmd.Context(), func(c *module.Clients) error {
				res, err := c.Call(cmd.Context(), args[0], args[1], opts...)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	}
	r.bind(cmd, 1)
	return cmd
}

func newCastCmd(g *globalFlags) *cobra.Command {
	r := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "cast QUEUE METHOD [JSON]",
		Short: "Send a cast to a service queue without waiting",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := r.options(args)
			if err != nil {
				return err
			}
			return g.withClients(cmd.Context(), func(c *module.Clients) error {
				return c.Cast(cmd.Context(), args[0], args[1], opts...)
			})
		},
	}
	r.bind(cmd, 10)
	return cmd
}
