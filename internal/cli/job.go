package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/gosched/pkg/model"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Create, inspect and trigger jobs",
	}
	cmd.AddCommand(newJobCreateCmd(), newJobListCmd(), newJobGetCmd(), newJobTriggerCmd())
	return cmd
}

func newJobCreateCmd() *cobra.Command {
	var (
		file   string
		env    []string
		limits model.ResourceLimits
		req    model.CreateJobRequest
	)

	cmd := &cobra.Command{
		Use:   "create [--file job.yaml | --name NAME --command CMD] [-- ARGS...]",
		Short: "Create a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read job file: %w", err)
				}
				var fromFile model.CreateJobRequest
				if err := yaml.Unmarshal(data, &fromFile); err != nil {
					return fmt.Errorf("parse job file %s: %w", file, err)
				}
				req = mergeJobFlags(cmd, fromFile, req)
			}
			if len(args) > 0 {
				req.Args = args
			}
			if len(env) > 0 {
				parsed, err := parsePairs(env)
				if err != nil {
					return fmt.Errorf("--env: %w", err)
				}
				req.Env = parsed
			}
			if limits.MaxMemoryMB > 0 || limits.MaxCPUPercent > 0 {
				req.Limits = &limits
			}

			resp, err := client.Post(cmd.Context(), "/api/v1/jobs", req)
			if err != nil {
				return fmt.Errorf("create job: %w", err)
			}
			var job model.Job
			if err := json.Unmarshal(resp.Data, &job); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			return render(cmd, resp.Data, func(w io.Writer) error {
				fmt.Fprintf(w, "Job created: %s\n", job.ID)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "YAML job definition")
	f.StringVar(&req.Name, "name", "", "Job name")
	f.StringVar(&req.Namespace, "namespace", "", "Namespace (default \"default\")")
	f.StringVar(&req.Command, "command", "", "Command to run")
	f.StringArrayVar(&env, "env", nil, "Environment variable KEY=VALUE (repeatable)")
	f.IntVar(&req.TimeoutSecs, "timeout", 0, "Timeout in seconds (0 = none)")
	f.IntVar(&req.MaxRetries, "retries", 0, "Maximum retries after a failed attempt")
	f.IntVar(&req.RetryIntervalSecs, "retry-interval", 0, "Seconds between attempts")
	f.BoolVar(&req.CaptureOutput, "capture-output", false, "Keep the output tail on the task instance")
	f.Int64Var(&req.MaxOutputBytes, "max-output", 0, "Captured output limit in bytes")
	f.StringSliceVar(&req.Tags, "tag", nil, "Required agent tag (repeatable)")
	f.Int64Var(&limits.MaxMemoryMB, "max-memory-mb", 0, "Memory ceiling in MB")
	f.Float64Var(&limits.MaxCPUPercent, "max-cpu-percent", 0, "CPU ceiling in percent")
	return cmd
}

// mergeJobFlags overlays explicitly set flags on a job read from a file.
func mergeJobFlags(cmd *cobra.Command, base, flags model.CreateJobRequest) model.CreateJobRequest {
	set := cmd.Flags().Changed
	if set("name") {
		base.Name = flags.Name
	}
	if set("namespace") {
		base.Namespace = flags.Namespace
	}
	if set("command") {
		base.Command = flags.Command
	}
	if set("timeout") {
		base.TimeoutSecs = flags.TimeoutSecs
	}
	if set("retries") {
		base.MaxRetries = flags.MaxRetries
	}
	if set("retry-interval") {
		base.RetryIntervalSecs = flags.RetryIntervalSecs
	}
	if set("capture-output") {
		base.CaptureOutput = flags.CaptureOutput
	}
	if set("max-output") {
		base.MaxOutputBytes = flags.MaxOutputBytes
	}
	if set("tag") {
		base.Tags = flags.Tags
	}
	return base
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q is not KEY=VALUE", p)
		}
		out[k] = v
	}
	return out, nil
}

func newJobListCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))
			resp, err := client.Get(cmd.Context(), "/api/v1/jobs?" + q.Encode())
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			var jobs []*model.Job
			if err := json.Unmarshal(resp.Data, &jobs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			return render(cmd, resp.Data, func(w io.Writer) error {
				if len(jobs) == 0 {
					fmt.Fprintln(w, "No jobs found.")
					return nil
				}
				table := borderlessTable(w, "ID", "Name", "Namespace", "Command", "Enabled", "Created")
				for _, j := range jobs {
					table.Append([]string{
						j.ID, j.Name, j.Namespace,
						strings.TrimSpace(j.Command + " " + strings.Join(j.Args, " ")),
						strconv.FormatBool(j.Enabled), formatTime(&j.CreatedAt),
					})
				}
				table.Render()
				if resp.Pagination != nil && resp.Pagination.HasMore {
					fmt.Fprintf(w, "\n(%d of %d shown)\n", len(jobs), resp.Pagination.Total)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of jobs to skip")
	return cmd
}

func newJobGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job_id>",
		Short: "Show a job and its schedules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/jobs/" + url.PathEscape(args[0]))
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			var job struct {
				model.Job
				Schedules []*model.Schedule `json:"schedules"`
			}
			if err := json.Unmarshal(resp.Data, &job); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			return render(cmd, resp.Data, func(w io.Writer) error {
				fmt.Fprintf(w, "Job:        %s\n", job.ID)
				fmt.Fprintf(w, "  Name:     %s\n", job.Name)
				fmt.Fprintf(w, "  Command:  %s\n", strings.TrimSpace(job.Command+" "+strings.Join(job.Args, " ")))
				fmt.Fprintf(w, "  Enabled:  %t\n", job.Enabled)
				fmt.Fprintf(w, "  Retries:  %d (every %ds)\n", job.MaxRetries, job.RetryIntervalSecs)
				if job.TimeoutSecs > 0 {
					fmt.Fprintf(w, "  Timeout:  %ds\n", job.TimeoutSecs)
				}
				if len(job.Tags) > 0 {
					fmt.Fprintf(w, "  Tags:     %s\n", strings.Join(job.Tags, ", "))
				}
				if len(job.Schedules) > 0 {
					fmt.Fprintln(w, "  Schedules:")
					for _, s := range job.Schedules {
						fmt.Fprintf(w, "    - %s %s %s next=%s\n", s.ID, s.Kind, colorStatus(string(s.Status)), formatTime(s.NextRunAt))
					}
				}
				return nil
			})
		},
	}
}

func newJobTriggerCmd() *cobra.Command {
	var (
		params   []string
		priority int
	)

	cmd := &cobra.Command{
		Use:   "trigger <job_id>",
		Short: "Run a job now, outside of its schedules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.TriggerJobRequest{Priority: priority}
			if len(params) > 0 {
				pairs, err := parsePairs(params)
				if err != nil {
					return fmt.Errorf("--param: %w", err)
				}
				req.Parameters = make(map[string]any, len(pairs))
				for k, v := range pairs {
					req.Parameters[k] = v
				}
			}

			resp, err := client.Post(cmd.Context(), "/api/v1/jobs/"+url.PathEscape(args[0])+"/trigger", req)
			if err != nil {
				return fmt.Errorf("trigger job: %w", err)
			}
			var task model.Task
			if err := json.Unmarshal(resp.Data, &task); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			return render(cmd, resp.Data, func(w io.Writer) error {
				fmt.Fprintf(w, "Task created: %s\n", task.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "Parameter KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Task priority (higher runs first)")
	return cmd
}
