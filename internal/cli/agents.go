package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/gosched/pkg/model"
)

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/agents")
			if err != nil {
				return fmt.Errorf("list agents: %w", err)
			}
			var agents []*model.Agent
			if err := json.Unmarshal(resp.Data, &agents); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			return render(cmd, resp.Data, func(w io.Writer) error {
				if len(agents) == 0 {
					fmt.Fprintln(w, "No agents registered.")
					return nil
				}
				table := borderlessTable(w, "ID", "Status", "Running", "CPU", "Mem", "Tags", "Last heartbeat")
				for _, a := range agents {
					table.Append([]string{
						a.ID, colorStatus(string(a.Status)),
						strconv.Itoa(a.RunningTasks) + "/" + strconv.Itoa(a.MaxConcurrentTasks),
						fmt.Sprintf("%.0f%%", a.CPUPercent), fmt.Sprintf("%.0f%%", a.MemPercent),
						orDash(strings.Join(a.Tags, ",")), formatTime(a.LastHeartbeatAt),
					})
				}
				table.Render()
				return nil
			})
		},
	}
}

func newClusterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cluster",
		Short: "Show scheduler processes and the leader lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/cluster")
			if err != nil {
				return fmt.Errorf("get cluster: %w", err)
			}
			var status model.ClusterStatus
			if err := json.Unmarshal(resp.Data, &status); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			return render(cmd, resp.Data, func(w io.Writer) error {
				fmt.Fprintf(w, "Answered by: %s (leader: %t)\n", orDash(status.ServerID), status.IsLeader)
				if l := status.Lease; l != nil {
					fmt.Fprintf(w, "Lease:       %s held by %s, token %d, expires %s\n",
						l.Namespace, l.Holder, l.Token, formatTime(&l.ExpiresAt))
				} else {
					fmt.Fprintln(w, "Lease:       none")
				}
				if len(status.Servers) == 0 {
					return nil
				}
				fmt.Fprintln(w)
				table := borderlessTable(w, "Server", "Address", "Role", "Last heartbeat")
				for _, s := range status.Servers {
					table.Append([]string{s.ID, orDash(s.Address), colorStatus(string(s.Role)), formatTime(&s.LastHeartbeatAt)})
				}
				table.Render()
				return nil
			})
		},
	}
}
