package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/companion/internal/chat"
	"github.com/ent0n29/companion/internal/profile"
)

var setupUser string

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create or update a companion profile",
	RunE: func(cmd *cobra.Command, _ []string) error {
		b, logger, err := build(cmd.Context(), "warn")
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer b.Cleanup(context.Background())

		in := bufio.NewReader(cmd.InOrStdin())
		_, err = runSetup(cmd.Context(), b.Chat, setupUser, in, cmd.OutOrStdout())
		return err
	},
}

func init() {
	setupCmd.Flags().StringVar(&setupUser, "user", "", "User id (required)")
	_ = setupCmd.MarkFlagRequired("user")
	RootCmd.AddCommand(setupCmd)
}

type setupField struct {
	prompt string
	dst    func(*profile.Setup) *string
}

var setupFields = []setupField{
	{"Your companion's name", func(s *profile.Setup) *string { return &s.PersonaName }},
	{"Your companion's nickname", func(s *profile.Setup) *string { return &s.PersonaNickname }},
	{"Your name", func(s *profile.Setup) *string { return &s.UserName }},
	{"Your nickname", func(s *profile.Setup) *string { return &s.UserNickname }},
	{"Your companion's interests", func(s *profile.Setup) *string { return &s.PersonaInterests }},
	{"Your interests", func(s *profile.Setup) *string { return &s.UserInterests }},
}

// runSetup prompts for every profile field and saves the result.
func runSetup(ctx context.Context, svc *chat.Service, userID string, in *bufio.Reader, out io.Writer) (bool, error) {
	var s profile.Setup
	fmt.Fprintln(out, "Let's set up your companion.")
	for _, f := range setupFields {
		v, err := prompt(in, out, f.prompt)
		if err != nil {
			return false, err
		}
		*f.dst(&s) = v
	}

	fmt.Fprintln(out, "Personalities:")
	for i, p := range profile.Personalities {
		fmt.Fprintf(out, "  %d. %s: %s\n", i+1, p.Value, p.Description)
	}
	choice, err := prompt(in, out, fmt.Sprintf("Personality [%s]", profile.DefaultPersonality))
	if err != nil {
		return false, err
	}
	s.PersonaPersonality = pickPersonality(choice)

	saved, err := svc.SaveProfile(ctx, userID, s)
	var verr *profile.ValidationError
	if errors.As(err, &verr) {
		for _, name := range sortedKeys(verr.Fields) {
			fmt.Fprintf(out, "  %s: %s\n", name, verr.Fields[name])
		}
		return false, err
	}
	if err != nil {
		return false, err
	}
	fmt.Fprintf(out, "Saved. %s (%s) is ready to chat.\n", saved.PersonaName, saved.PersonaPersonality)
	return true, nil
}

// pickPersonality accepts a list index or a name; anything else is passed
// through so validation reports it.
func pickPersonality(choice string) string {
	choice = strings.TrimSpace(choice)
	if choice == "" {
		return profile.DefaultPersonality
	}
	var idx int
	if _, err := fmt.Sscanf(choice, "%d", &idx); err == nil && idx >= 1 && idx <= len(profile.Personalities) {
		return profile.Personalities[idx-1].Value
	}
	for _, p := range profile.Personalities {
		if strings.EqualFold(p.Value, choice) {
			return p.Value
		}
	}
	return choice
}

func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprintf(out, "%s: ", label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
