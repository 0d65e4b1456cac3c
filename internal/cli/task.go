package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/gosched/pkg/model"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <task_id>",
		Short: "Show a task and its attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/tasks/" + url.PathEscape(args[0]))
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			var task model.Task
			if err := json.Unmarshal(resp.Data, &task); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			return render(cmd, resp.Data, func(w io.Writer) error {
				fmt.Fprintf(w, "Task:        %s\n", task.ID)
				fmt.Fprintf(w, "  Job:       %s\n", task.JobID)
				fmt.Fprintf(w, "  Schedule:  %s\n", orDash(task.ScheduleID))
				fmt.Fprintf(w, "  Scheduled: %s\n", formatTime(&task.ScheduledTime))
				fmt.Fprintf(w, "  Status:    %s\n", colorStatus(string(task.Status)))
				fmt.Fprintf(w, "  Priority:  %d\n", task.Priority)
				if len(task.Instances) == 0 {
					return nil
				}
				fmt.Fprintln(w)
				table := borderlessTable(w, "Instance", "Attempt", "Status", "Agent", "Exit", "Finished")
				for _, i := range task.Instances {
					exit := "-"
					if i.ExitCode != nil {
						exit = strconv.Itoa(*i.ExitCode)
					}
					table.Append([]string{
						i.ID, strconv.Itoa(i.Attempt), colorStatus(string(i.Status)),
						orDash(i.AgentID), exit, formatTime(i.FinishedAt),
					})
				}
				table.Render()
				return nil
			})
		},
	})
	return cmd
}
