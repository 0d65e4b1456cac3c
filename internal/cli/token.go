package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/gosched/pkg/model"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage agent tokens",
	}
	cmd.AddCommand(newTokenGenerateCmd())
	return cmd
}

func newTokenGenerateCmd() *cobra.Command {
	var (
		expiry      time.Duration
		noExpiry    bool
		permissions []string
	)

	cmd := &cobra.Command{
		Use:   "generate <agent_id>",
		Short: "Issue a token bound to one agent id",
		Long: "Issue a token bound to one agent id. The request goes to the server's\n" +
			"loopback listener, so this must run on the scheduler host.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.GenerateTokenRequest{AgentID: args[0], Permissions: permissions}
			switch {
			case noExpiry:
				zero := int64(0)
				req.ExpirySeconds = &zero
			case expiry > 0:
				secs := int64(expiry / time.Second)
				req.ExpirySeconds = &secs
			}

			resp, err := internal.Post(cmd.Context(), "/internal/auth/generate-token", req)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			var tok model.GenerateTokenResponse
			if err := json.Unmarshal(resp.Data, &tok); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			return render(cmd, resp.Data, func(w io.Writer) error {
				fmt.Fprintf(w, "Agent:   %s\n", tok.AgentID)
				fmt.Fprintf(w, "Issued:  %s\n", formatTime(&tok.IssuedAt))
				if tok.ExpiresAt != nil {
					fmt.Fprintf(w, "Expires: %s\n", formatTime(tok.ExpiresAt))
				} else {
					fmt.Fprintln(w, "Expires: never")
				}
				fmt.Fprintf(w, "Token:   %s\n", tok.Token)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (default: server setting)")
	cmd.Flags().BoolVar(&noExpiry, "no-expiry", false, "Issue a token that never expires")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "Permission granted to the token (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("expiry", "no-expiry")
	return cmd
}
