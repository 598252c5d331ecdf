// Command pcworker runs a worker agent. The coordinator connects to it, and
// with sub_coordinator set the agent fans the work out to a group of workers
// of its own.
//
// Usage:
//
//	pcworker serve --listen :1093 --image linux-x86 --perf 100
//	pcworker serve --sub --workers n1:1093,n2:1093
//	pcworker files
package main

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreamware/pcoord/internal/config"
	"github.com/dreamware/pcoord/internal/storage"
	"github.com/dreamware/pcoord/internal/workspace"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	overrides  []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "pcworker",
		Short:         "Run a processing worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().StringArrayVar(&opts.overrides, "set", nil, "override a setting, e.g. worker.perf_index=80")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newServeCmd(opts), newFilesCmd(opts))
	return root
}

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

// openWorkspace keeps received files under the worker's work directory.
func openWorkspace(cfg config.WorkerConfig) (*workspace.Workspace, error) {
	store, err := storage.NewDirStore(filepath.Join(cfg.WorkDir, "pcworker"))
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	return workspace.New(store), nil
}
