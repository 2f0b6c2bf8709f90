package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/companion/internal/chat"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/ratelimit"
)

var chatUser string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with your companion in the terminal",
	Long:  "Starts an interactive chat. Commands: /clear wipes the transcript, /history reprints it, /status shows the message quota, /quit logs out.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		b, logger, err := build(cmd.Context(), "warn")
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer b.Cleanup(context.Background())

		in := bufio.NewReader(cmd.InOrStdin())
		return runChat(cmd.Context(), b.Chat, chatUser, in, cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "", "User id (required)")
	_ = chatCmd.MarkFlagRequired("user")
	RootCmd.AddCommand(chatCmd)
}

func runChat(ctx context.Context, svc *chat.Service, userID string, in *bufio.Reader, out io.Writer) error {
	conv, _, err := svc.Login(ctx, userID)
	if errors.Is(err, chat.ErrProfileRequired) {
		fmt.Fprintln(out, "No profile found for this user.")
		if _, err := runSetup(ctx, svc, userID, in, out); err != nil {
			return err
		}
		conv, _, err = svc.Login(ctx, userID)
	}
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer svc.Logout(userID)

	name := conv.Profile().PersonaName
	printTranscript(out, conv, name)

	for {
		fmt.Fprint(out, "> ")
		line, readErr := in.ReadString('\n')
		text := strings.TrimSpace(line)
		if text != "" {
			if quit := handleChatLine(ctx, svc, conv, userID, name, text, out); quit {
				return nil
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return readErr
		}
	}
}

func handleChatLine(ctx context.Context, svc *chat.Service, conv *chat.Conversation, userID, name, text string, out io.Writer) (quit bool) {
	switch text {
	case "/quit", "/exit":
		fmt.Fprintln(out, "Bye!")
		return true
	case "/clear":
		if err := svc.Clear(ctx, userID); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		fmt.Fprintln(out, "Chat history cleared.")
		return false
	case "/history":
		printTranscript(out, conv, name)
		return false
	case "/status":
		printStatus(out, svc.RateStatus(ctx, userID))
		return false
	}

	ex, err := svc.Send(ctx, userID, text)
	var rl *chat.RateLimitedError
	switch {
	case errors.As(err, &rl):
		fmt.Fprintf(out, "You've reached the message limit. Please try again in %s.\n", rl.Wait)
	case err != nil:
		fmt.Fprintf(out, "error: %v\n", err)
	default:
		fmt.Fprintf(out, "%s: %s\n", name, ex.Reply.Text)
	}
	return false
}

func printTranscript(out io.Writer, conv *chat.Conversation, name string) {
	msgs := conv.Messages()
	if len(msgs) == 0 {
		fmt.Fprintf(out, "%s: %s\n", name, conv.Greeting())
		return
	}
	for _, m := range msgs {
		who := "you"
		if m.Role == memory.RoleAssistant {
			who = name
		}
		fmt.Fprintf(out, "%s: %s\n", who, m.Text)
	}
}

func printStatus(out io.Writer, st ratelimit.Status) {
	fmt.Fprintf(out, "%d/%d messages used", st.Count, st.Limit)
	if st.ResetAt != nil {
		fmt.Fprintf(out, ", window resets at %s", st.ResetAt.Local().Format("15:04"))
	}
	fmt.Fprintln(out)
}
