package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/me/gosched/pkg/model"
)

func newInstanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"ti"},
		Short:   "Inspect and cancel task instances",
	}
	cmd.AddCommand(newInstanceGetCmd(), newInstanceCancelCmd(), newInstanceLogsCmd())
	return cmd
}

func newInstanceGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <instance_id>",
		Short: "Show a task instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/task-instances/" + url.PathEscape(args[0]))
			if err != nil {
				return fmt.Errorf("get task instance: %w", err)
			}
			var inst model.TaskInstance
			if err := json.Unmarshal(resp.Data, &inst); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			return render(cmd, resp.Data, func(w io.Writer) error {
				printInstance(w, &inst)
				return nil
			})
		},
	}
}

func printInstance(w io.Writer, i *model.TaskInstance) {
	fmt.Fprintf(w, "Instance:     %s\n", i.ID)
	fmt.Fprintf(w, "  Task:       %s\n", i.TaskID)
	fmt.Fprintf(w, "  Attempt:    %d\n", i.Attempt)
	fmt.Fprintf(w, "  Status:     %s\n", colorStatus(string(i.Status)))
	fmt.Fprintf(w, "  Agent:      %s\n", orDash(i.AgentID))
	fmt.Fprintf(w, "  Dispatched: %s\n", formatTime(i.DispatchedAt))
	fmt.Fprintf(w, "  Started:    %s\n", formatTime(i.StartedAt))
	fmt.Fprintf(w, "  Finished:   %s\n", formatTime(i.FinishedAt))
	if i.ExitCode != nil {
		fmt.Fprintf(w, "  Exit code:  %d\n", *i.ExitCode)
	}
	if i.ErrorMessage != "" {
		fmt.Fprintf(w, "  Error:      %s\n", i.ErrorMessage)
	}
	if i.Output != "" {
		fmt.Fprintf(w, "  Output:\n%s\n", i.Output)
	}
}

func newInstanceCancelCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <instance_id>",
		Short: "Cancel a task instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			if reason != "" {
				body["reason"] = reason
			}
			resp, err := client.Post(cmd.Context(), "/api/v1/task-instances/"+url.PathEscape(args[0])+"/cancel", body)
			if err != nil {
				return fmt.Errorf("cancel task instance: %w", err)
			}
			var inst model.TaskInstance
			if err := json.Unmarshal(resp.Data, &inst); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			return render(cmd, resp.Data, func(w io.Writer) error {
				if inst.Status == model.InstanceStatusCancelled {
					fmt.Fprintf(w, "Instance %s: %s\n", inst.ID, inst.Status)
				} else {
					fmt.Fprintf(w, "Instance %s: cancel sent to agent %s\n", inst.ID, inst.AgentID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the instance")
	return cmd
}

func newInstanceLogsCmd() *cobra.Command {
	var stream string

	cmd := &cobra.Command{
		Use:   "logs <instance_id>",
		Short: "Print the ordered log of a task instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"stream": {stream}}
			resp, err := client.Get(cmd.Context(), "/api/v1/task-instances/" + url.PathEscape(args[0]) + "/logs?" + q.Encode())
			if err != nil {
				return fmt.Errorf("get logs: %w", err)
			}
			var logs struct {
				Content string         `json:"content"`
				Gaps    []model.LogGap `json:"gaps"`
			}
			if err := json.Unmarshal(resp.Data, &logs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			return render(cmd, resp.Data, func(w io.Writer) error {
				io.WriteString(w, logs.Content)
				for _, g := range logs.Gaps {
					fmt.Fprintf(cmd.ErrOrStderr(), "[gap: lines %d-%d missing (%s)]\n", g.From, g.To, g.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stream, "stream", "stdout", "Stream to print (stdout, stderr)")
	return cmd
}
