package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/gosched/pkg/model"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Create and control schedules",
	}
	cmd.AddCommand(
		newScheduleCreateCmd(),
		newScheduleGetCmd(),
		newScheduleStatusCmd("enable", model.ScheduleStatusEnabled),
		newScheduleStatusCmd("disable", model.ScheduleStatusDisabled),
	)
	return cmd
}

func newScheduleCreateCmd() *cobra.Command {
	var (
		req        model.CreateScheduleRequest
		kind       string
		interval   time.Duration
		start, end string
	)

	cmd := &cobra.Command{
		Use:   "create --job JOB_ID --kind cron|interval|daemon|event|flow",
		Short: "Create a schedule for a job",
		Example: `  schedctl schedule create --job job_123 --kind cron --cron "*/5 * * * *" --enable
  schedctl schedule create --job job_123 --kind interval --every 30s --max-count 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Kind = model.ScheduleKind(kind)
			if interval > 0 {
				req.IntervalSecs = int(interval / time.Second)
			}
			var err error
			if req.StartTime, err = parseTimeFlag("start", start); err != nil {
				return err
			}
			if req.EndTime, err = parseTimeFlag("end", end); err != nil {
				return err
			}

			resp, err := client.Post(cmd.Context(), "/api/v1/schedules", req)
			if err != nil {
				return fmt.Errorf("create schedule: %w", err)
			}
			var sched model.Schedule
			if err := json.Unmarshal(resp.Data, &sched); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			return render(cmd, resp.Data, func(w io.Writer) error {
				fmt.Fprintf(w, "Schedule created: %s (%s)\n", sched.ID, colorStatus(string(sched.Status)))
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.JobID, "job", "", "Job id")
	f.StringVar(&req.Name, "name", "", "Schedule name")
	f.StringVar(&kind, "kind", "", "Schedule kind (cron, interval, daemon, event, flow)")
	f.StringVar(&req.CronExpr, "cron", "", "Cron expression (cron kind)")
	f.StringVar(&req.Timezone, "timezone", "", "IANA timezone of the cron expression (default UTC)")
	f.DurationVar(&interval, "every", 0, "Interval (interval kind), whole seconds")
	f.IntVar(&req.MaxCount, "max-count", 0, "Stop after this many runs (0 = unlimited)")
	f.StringVar(&start, "start", "", "Start of the validity window (RFC 3339)")
	f.StringVar(&end, "end", "", "End of the validity window (RFC 3339)")
	f.IntVar(&req.Priority, "priority", 0, "Priority of generated tasks")
	f.BoolVar(&req.Enabled, "enable", false, "Enable the schedule right away")
	cmd.MarkFlagRequired("job")
	cmd.MarkFlagRequired("kind")
	return cmd
}

func parseTimeFlag(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}

func newScheduleGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <schedule_id>",
		Short: "Show a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/schedules/" + url.PathEscape(args[0]))
			if err != nil {
				return fmt.Errorf("get schedule: %w", err)
			}
			var s model.Schedule
			if err := json.Unmarshal(resp.Data, &s); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			return render(cmd, resp.Data, func(w io.Writer) error {
				printSchedule(w, &s)
				return nil
			})
		},
	}
}

func printSchedule(w io.Writer, s *model.Schedule) {
	fmt.Fprintf(w, "Schedule:   %s\n", s.ID)
	fmt.Fprintf(w, "  Job:      %s\n", s.JobID)
	fmt.Fprintf(w, "  Kind:     %s\n", s.Kind)
	switch s.Kind {
	case model.ScheduleKindCron:
		fmt.Fprintf(w, "  Cron:     %s (%s)\n", s.CronExpr, orDash(s.Timezone))
	case model.ScheduleKindInterval:
		fmt.Fprintf(w, "  Every:    %s\n", s.Interval())
	}
	fmt.Fprintf(w, "  Status:   %s\n", colorStatus(string(s.Status)))
	if s.MaxCount > 0 {
		fmt.Fprintf(w, "  Runs:     %d of %d\n", s.ExecCount, s.MaxCount)
	} else {
		fmt.Fprintf(w, "  Runs:     %d\n", s.ExecCount)
	}
	fmt.Fprintf(w, "  Next run: %s\n", formatTime(s.NextRunAt))
}

func newScheduleStatusCmd(use string, status model.ScheduleStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <schedule_id>",
		Short: fmt.Sprintf("Set a schedule to %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Put(cmd.Context(), "/api/v1/schedules/"+url.PathEscape(args[0])+"/status",
				model.UpdateScheduleStatusRequest{Status: status})
			if err != nil {
				return fmt.Errorf("%s schedule: %w", use, err)
			}
			var s model.Schedule
			if err := json.Unmarshal(resp.Data, &s); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			return render(cmd, resp.Data, func(w io.Writer) error {
				fmt.Fprintf(w, "Schedule %s: %s\n", s.ID, colorStatus(string(s.Status)))
				return nil
			})
		},
	}
}
