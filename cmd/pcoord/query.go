package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/pcoord/internal/cluster"
)

// queryTimeout bounds the quick admin calls. Jobs wait as long as they run.
const queryTimeout = 10 * time.Second

// adminURL is the base URL of the admin API: addr when given, else the
// configured listen address on the loopback interface.
func adminURL(addr, listen string) string {
	if addr == "" {
		addr = listen
		if host, port, err := net.SplitHostPort(listen); err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
			addr = net.JoinHostPort("127.0.0.1", port)
		}
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/")
}

// clientCmd wires the --addr flag and the config lookup shared by the admin
// clients.
func clientCmd(opts *rootOptions, cmd *cobra.Command, run func(ctx context.Context, base string, out io.Writer) error) *cobra.Command {
	var addr string
	cmd.Flags().StringVar(&addr, "addr", "", "admin API address (default: the configured listen address)")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := opts.load(nil)
		if err != nil {
			return err
		}
		return run(cmd.Context(), adminURL(addr, cfg.Coordinator.Listen), cmd.OutOrStdout())
	}
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session and worker set sizes",
		Args:  cobra.NoArgs,
	}
	return clientCmd(opts, cmd, func(ctx context.Context, base string, out io.Writer) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		var st cluster.StatusResponse
		if err := cluster.GetJSON(ctx, base+"/status", &st); err != nil {
			return err
		}
		printStatus(out, st)
		return nil
	})
}

func printStatus(out io.Writer, st cluster.StatusResponse) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "session\t%s\n", st.Session)
	fmt.Fprintf(tw, "valid\t%t\n", st.Valid)
	fmt.Fprintf(tw, "workers\t%d (active %d, inactive %d, bad %d, unique %d, silent %d)\n",
		st.All, st.Active, st.Inactive, st.Bad, st.Unique, st.Silent)
	fmt.Fprintf(tw, "parallel\t%d\n", st.Parallel)
	fmt.Fprintf(tw, "bytes read\t%d\n", st.Totals.BytesRead)
	fmt.Fprintf(tw, "latency\tp50 %.2fms p99 %.2fms max %.2fms (%d samples)\n",
		st.Latency.P50Ms, st.Latency.P99Ms, st.Latency.MaxMs, st.Latency.Count)
	_ = tw.Flush()
}

func newWorkersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List the workers and their status",
		Args:  cobra.NoArgs,
	}
	return clientCmd(opts, cmd, func(ctx context.Context, base string, out io.Writer) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		var resp struct {
			Workers []cluster.WorkerInfo `json:"workers"`
		}
		if err := cluster.GetJSON(ctx, base+"/workers", &resp); err != nil {
			return err
		}
		printWorkers(out, resp.Workers)
		return nil
	})
}

func printWorkers(out io.Writer, workers []cluster.WorkerInfo) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDINAL\tNAME\tIMAGE\tROLE\tSTATUS\tPERF\tPARALLEL\tLIVENESS")
	for _, w := range workers {
		live := w.Liveness
		if live == "" {
			live = "-"
		} else if w.Unanswered > 0 {
			live = fmt.Sprintf("%s (%d)", live, w.Unanswered)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			w.Ordinal, w.Name, w.Image, w.Role, w.Status, w.PerfIndex, w.Parallel, live)
	}
	_ = tw.Flush()
}

func newJobCmd(opts *rootOptions) *cobra.Command {
	var req cluster.JobRequest
	cmd := &cobra.Command{
		Use:   "job <name>",
		Short: "Run a job on the active workers and wait for it",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().Int64Var(&req.Total, "total", 0, "number of entries")
	cmd.Flags().Int64Var(&req.Unit, "unit", 0, "entries per range (default: derived from the parallelism)")
	cmd = clientCmd(opts, cmd, func(ctx context.Context, base string, out io.Writer) error {
		var resp cluster.JobResponse
		err := cluster.DoJSON(ctx, &http.Client{}, http.MethodPost, base+"/jobs", req, &resp)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	})
	run := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		req.Name = args[0]
		return run(cmd, args)
	}
	return cmd
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	var req cluster.StopRequest
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running job",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&req.Abort, "abort", false, "discard partial results")
	return clientCmd(opts, cmd, func(ctx context.Context, base string, out io.Writer) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		var resp cluster.CountResponse
		if err := cluster.PostJSON(ctx, base+"/jobs/stop", req, &resp); err != nil {
			return err
		}
		fmt.Fprintf(out, "stop sent to %d workers\n", resp.Count)
		return nil
	})
}
