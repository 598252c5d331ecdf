// Command pcoord runs the coordinator of a processing cluster and talks to a
// running one through its admin API.
//
// Usage:
//
//	# connect to two workers and serve the admin API on :8080
//	pcoord start --workers node1:1093/100,node2:1093/80
//
//	# from another shell
//	pcoord status
//	pcoord job scan --total 1000000 --unit 10000
//	pcoord stop --abort
//
// Settings come from --config, PC_* environment variables and --set
// overrides, in increasing order of precedence.
package main

import (
	"fmt"
	"maps"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreamware/pcoord/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	overrides  []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "pcoord",
		Short:         "Coordinate a cluster of processing workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().StringArrayVar(&opts.overrides, "set", nil, "override a setting, e.g. coordinator.parallel=4")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newStartCmd(opts),
		newStatusCmd(opts),
		newWorkersCmd(opts),
		newJobCmd(opts),
		newStopCmd(opts),
	)
	return root
}

// load reads the configuration with the --set overrides and extra applied on
// top. extra wins over --set.
func (o *rootOptions) load(extra map[string]string) (*config.Config, error) {
	args := make(map[string]string, len(o.overrides)+len(extra)+1)
	for _, kv := range o.overrides {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--set %q: want key=value", kv)
		}
		args[k] = v
	}
	if o.logLevel != "" {
		args["log.level"] = o.logLevel
	}
	maps.Copy(args, extra)
	return config.NewLoader().WithConfigPath(o.configPath).WithCmdArgs(args).Load()
}
