package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"unigate/cmd/internal/app"
	"unigate/cmd/internal/chat"

	"github.com/spf13/cobra"
)

func newChatCommand(rt *runner) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "chat <counterpartId|roomId>",
		Short: "Open a conversation and chat from standard input",
		Long: `Open the conversation with a user. Each input line is sent as a message.
Commands: /call [video|audio] starts a call, /hangup ends it, /quit leaves.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rt.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Start(cmd.Context()); err != nil {
				return err
			}
			rs, err := a.OpenRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := newTranscript(cmd.OutOrStdout())
			unsub := rs.Reconciler().OnChange(out.update)
			defer unsub()
			rs.Typing().OnIndicator(out.typing)
			out.update(rs.Messages())

			return chatLoop(cmd.Context(), a, rs, rt.streams.In, out, name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name used in call invitations")
	return cmd
}

func chatLoop(ctx context.Context, a *app.App, rs *chat.RoomSession, in io.Reader, out *transcript, name string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-a.IncomingCalls():
			out.printf("%s\n", describeCall(c))
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/hangup":
				if err := hangup(ctx, a); err != nil {
					out.printf("hangup: %v\n", err)
				}
			case strings.HasPrefix(line, "/call"):
				callType := strings.TrimSpace(strings.TrimPrefix(line, "/call"))
				sess, err := a.StartCall(ctx, rs.Room().ID, name, callType)
				if err != nil {
					out.printf("call: %v\n", err)
					continue
				}
				out.printf("calling %s: %s\n", sess.RemoteID, sess.CallURL)
			default:
				if _, err := rs.Send(line); err != nil {
					out.printf("send: %v\n", err)
				}
			}
		}
	}
}

func hangup(ctx context.Context, a *app.App) error {
	router, _, err := a.Call()
	if err != nil {
		return err
	}
	return router.Hangup(ctx)
}

// transcript prints each message of the conversation once, oldest first.
type transcript struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]bool
}

func newTranscript(w io.Writer) *transcript {
	return &transcript{w: w, printed: make(map[string]bool)}
}

func (t *transcript) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, format, args...)
}

// update receives the newest-first snapshot. Optimistic entries are printed once
// confirmed; failed ones are reported.
func (t *transcript) update(msgs []chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		switch {
		case m.Failed && !t.printed[m.ID]:
			t.printed[m.ID] = true
			fmt.Fprintf(t.w, "! not sent: %s\n", m.Text)
		case m.Pending() || t.printed[m.ID]:
		default:
			t.printed[m.ID] = true
			who := m.SenderID
			if m.SenderIsLocalUser {
				who = "me"
			}
			fmt.Fprintf(t.w, "[%s] %s: %s\n", m.SentAtDisplay, who, m.Text)
		}
	}
}

func (t *transcript) typing(userName string, typing bool) {
	if typing {
		t.printf("%s is typing...\n", userName)
	}
}
