package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"unigate/cmd/internal/call"

	"github.com/spf13/cobra"
)

func newCallCommand(rt *runner) *cobra.Command {
	var (
		name     string
		callType string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <counterpartId|roomId>",
		Short: "Start a call and post its link into the conversation",
		Long: `Invite the counterpart to a call. The call link is printed and also posted into the
conversation. The command keeps the call active until interrupted, then hangs up.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := rt.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Start(ctx); err != nil {
				return err
			}
			waitCtx, cancel := contextWithOptionalTimeout(ctx, wait)
			err = a.Conn().WaitConnected(waitCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("not connected: %w", err)
			}

			rs, err := a.OpenRoom(ctx, args[0])
			if err != nil {
				return err
			}
			sess, err := a.StartCall(ctx, rs.Room().ID, name, callType)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "calling %s (%s): %s\n", sess.RemoteID, sess.CallType, sess.CallURL)

			router, state, err := a.Call()
			if err != nil {
				return err
			}
			ended := make(chan struct{})
			var endOnce sync.Once
			unsub := state.Watch(func(s call.Session) {
				if !s.Active {
					endOnce.Do(func() { close(ended) })
				}
			})
			defer unsub()

			select {
			case <-ctx.Done():
				if err := router.Hangup(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, call.ErrInvalidTransition) {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "hung up")
			case <-ended:
				fmt.Fprintln(cmd.OutOrStdout(), "call ended")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name shown to the callee")
	cmd.Flags().StringVar(&callType, "type", call.TypeVideo, "video or audio")
	cmd.Flags().DurationVar(&wait, "connect-timeout", 20*time.Second, "how long to wait for the realtime connection (0 waits forever)")
	return cmd
}
