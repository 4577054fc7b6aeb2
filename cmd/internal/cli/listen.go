package cli

import (
	"context"
	"fmt"
	"io"

	"unigate/cmd/internal/app"
	"unigate/cmd/internal/call"

	"github.com/spf13/cobra"
)

func newListenCommand(rt *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Stay connected, raise notifications and report incoming calls",
		Long: `Connect with the stored session and run until interrupted. Incoming calls are
printed one per line; message and call notifications go to the configured surface.
When metrics.addr is set, /healthz, /readyz and /metrics are served there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go printIncomingCalls(ctx, cmd.OutOrStdout(), a)
			return a.Run(ctx)
		},
	}
}

func printIncomingCalls(ctx context.Context, w io.Writer, a *app.App) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-a.IncomingCalls():
			fmt.Fprintln(w, describeCall(c))
		}
	}
}

func describeCall(c call.IncomingCall) string {
	if c.IsCaller {
		return fmt.Sprintf("outgoing %s call in %s: %s", c.CallType, c.RoomID, c.CallURL)
	}
	return fmt.Sprintf("incoming %s call from %s in %s: %s", c.CallType, c.CallerName, c.RoomID, c.CallURL)
}
