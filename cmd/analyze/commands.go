package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	server string
	http   *http.Client
}

func (c *client) do(method, path string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.server, "/")+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// outcome is the client-side view of an analysis outcome.
type outcome struct {
	TaskID      string         `json:"task_id"`
	TargetID    string         `json:"target_id"`
	Status      string         `json:"status"`
	SuccessRate float64        `json:"success_rate"`
	Duration    time.Duration  `json:"duration"`
	Error       string         `json:"error"`
	KeyMetrics  map[string]any `json:"key_metrics"`
	Summary     struct {
		Total     int      `json:"total"`
		Succeeded int      `json:"succeeded"`
		Failures  []string `json:"failures"`
	} `json:"summary"`
}

func newRootCmd() *cobra.Command {
	c := &client{}
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "analyze",
		Short:         "Run stock analyses against a Nuka Analyst server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.http = &http.Client{Timeout: timeout}
		},
	}
	root.PersistentFlags().StringVar(&c.server, "server", "http://localhost:3210", "Nuka Analyst server URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 6*time.Minute, "HTTP client timeout")

	root.AddCommand(newRunCmd(c), newBatchCmd(c), newStatusCmd(c), newWorkersCmd(c))
	return root
}

func newRunCmd(c *client) *cobra.Command {
	var (
		profile     string
		workers     []string
		taskTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <symbol>",
		Short: "Analyze one symbol with a profile or an explicit worker list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out outcome
			var err error
			if len(workers) > 0 {
				body := map[string]any{"symbol": args[0], "workers": workers}
				if taskTimeout > 0 {
					body["timeout"] = taskTimeout.String()
				}
				err = c.do(http.MethodPost, "/api/analysis", body, &out)
			} else {
				err = c.do(http.MethodPost, "/api/analysis/"+args[0]+"/"+profile, nil, &out)
			}
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), &out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&profile, "profile", "p", "quick", "analysis profile (quick, deep, realtime)")
	cmd.Flags().StringSliceVarP(&workers, "workers", "w", nil, "explicit worker list, overrides --profile")
	cmd.Flags().DurationVar(&taskTimeout, "task-timeout", 0, "overall task timeout with --workers")
	return cmd
}

func newBatchCmd(c *client) *cobra.Command {
	var profile string
	cmd := &cobra.Command{
		Use:   "batch <symbol>...",
		Short: "Analyze several symbols with one profile",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]*outcome
			if err := c.do(http.MethodPost, "/api/analysis/batch", map[string]any{"symbols": args, "profile": profile}, &out); err != nil {
				return err
			}
			symbols := make([]string, 0, len(out))
			for s := range out {
				symbols = append(symbols, s)
			}
			sort.Strings(symbols)
			for _, s := range symbols {
				printOutcome(cmd.OutOrStdout(), out[s])
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&profile, "profile", "p", "quick", "analysis profile")
	return cmd
}

func newStatusCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st struct {
				ActiveInvocations int64             `json:"active_invocations"`
				QueueDepth        int               `json:"queue_depth"`
				CompletedCount    int64             `json:"completed_count"`
				InflightTasks     int64             `json:"inflight_tasks"`
				RegisteredWorkers int               `json:"registered_workers"`
				Health            map[string]string `json:"health"`
			}
			if err := c.do(http.MethodGet, "/api/status", nil, &st); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Workers: %d registered | tasks in flight: %d | invocations: %d active, %d queued, %d done\n",
				st.RegisteredWorkers, st.InflightTasks, st.ActiveInvocations, st.QueueDepth, st.CompletedCount)
			names := make([]string, 0, len(st.Health))
			for n := range st.Health {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Fprintf(w, "  %s %s\n", healthIcon(st.Health[n]), n)
			}
			return nil
		},
	}
}

func newWorkersCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var snaps []struct {
				Metadata struct {
					Name      string   `json:"name"`
					Category  string   `json:"category"`
					Priority  int      `json:"priority"`
					DependsOn []string `json:"depends_on"`
				} `json:"metadata"`
				Stats struct {
					TotalCalls   int64 `json:"total_calls"`
					SuccessCalls int64 `json:"success_calls"`
				} `json:"stats"`
				Health struct {
					Status string `json:"status"`
				} `json:"health"`
			}
			if err := c.do(http.MethodGet, "/api/workers", nil, &snaps); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(snaps) == 0 {
				fmt.Fprintln(w, "No workers registered.")
				return nil
			}
			fmt.Fprintln(w, "Workers:")
			for _, s := range snaps {
				fmt.Fprintf(w, "  %s %s (%s, priority %d) %d/%d ok",
					healthIcon(s.Health.Status), s.Metadata.Name, s.Metadata.Category,
					s.Metadata.Priority, s.Stats.SuccessCalls, s.Stats.TotalCalls)
				if len(s.Metadata.DependsOn) > 0 {
					fmt.Fprintf(w, " after %s", strings.Join(s.Metadata.DependsOn, ", "))
				}
				fmt.Fprintln(w)
			}
			return nil
		},
	}
}

func healthIcon(status string) string {
	switch status {
	case "HEALTHY":
		return "\033[32m✓\033[0m"
	case "DEGRADED":
		return "\033[33m!\033[0m"
	case "UNHEALTHY":
		return "\033[31m✗\033[0m"
	default:
		return "?"
	}
}

func printOutcome(w io.Writer, out *outcome) {
	color := "32"
	if out.Status != "SUCCESS" {
		color = "31"
	}
	fmt.Fprintf(w, "\033[%sm[%s]\033[0m %s  %d/%d ok (%.0f%%) in %s\n",
		color, out.Status, out.TargetID, out.Summary.Succeeded, out.Summary.Total,
		out.SuccessRate*100, out.Duration.Round(time.Millisecond))
	if out.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", out.Error)
	}
	if advice, ok := out.KeyMetrics["advice"]; ok {
		fmt.Fprintf(w, "  advice: %v\n", advice)
	}
	names := make([]string, 0, len(out.KeyMetrics))
	for n := range out.KeyMetrics {
		if n != "advice" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %s: %v\n", n, out.KeyMetrics[n])
	}
	if len(out.Summary.Failures) > 0 {
		fmt.Fprintf(w, "  failed: %s\n", strings.Join(out.Summary.Failures, ", "))
	}
}
