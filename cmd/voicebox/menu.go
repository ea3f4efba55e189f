package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"voicebox/internal/core/ports"
	"voicebox/internal/core/services"
	"voicebox/pkg/utils"
	"voicebox/pkg/validation"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

var errQuit = errors.New("quit")

// prompter asks for one line of input.
type prompter struct {
	stdin  io.ReadCloser
	stdout io.WriteCloser
}

func newPrompter(stdin io.ReadCloser, stdout io.WriteCloser) *prompter {
	return &prompter{stdin: stdin, stdout: stdout}
}

func (p *prompter) ask(label string) (string, error) {
	prompt := promptui.Prompt{
		Label: label,
		Validate: func(input string) error {
			if strings.TrimSpace(input) == "" {
				return fmt.Errorf("%s must not be empty", strings.ToLower(label))
			}
			return nil
		},
		Stdin:  p.stdin,
		Stdout: p.stdout,
	}
	input, err := prompt.Run()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// argOrAsk takes the command argument when given, otherwise prompts.
func argOrAsk(cmd *cobra.Command, args []string, label string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	p, ok := cmd.Context().Value(prompterKey{}).(*prompter)
	if !ok {
		return "", fmt.Errorf("%s is required", strings.ToLower(label))
	}
	return p.ask(label)
}

type prompterKey struct{}

// isTarget reports whether word names a message recipient rather than
// starting the message.
func isTarget(word string) bool {
	return word == services.BroadcastTarget || validation.ValidateAddress(word) == nil
}

// newMenuCommand builds the interactive commands over node. Output goes
// to out.
func newMenuCommand(node ports.NodeService, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "voicebox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	callCmd := &cobra.Command{
		Use:     "call [username]",
		Aliases: []string{"new_call", "new_chat"},
		Short:   "Call a user by username",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := argOrAsk(cmd, args, "Username to call")
			if err != nil {
				return err
			}
			address, err := node.Call(cmd.Context(), username)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Connected to %s at %s\n", username, address)
			return nil
		},
	}

	endCallCmd := &cobra.Command{
		Use:   "end_call [address]",
		Short: "Hang up on a connected address",
		RunE: func(cmd *cobra.Command, args []string) error {
			address, err := argOrAsk(cmd, args, "Address to end")
			if err != nil {
				return err
			}
			if err := node.EndCall(address); err != nil {
				return err
			}
			fmt.Fprintf(out, "Call with %s ended\n", address)
			return nil
		},
	}

	muteCmd := &cobra.Command{
		Use:     "toggle_mute",
		Aliases: []string{"mute"},
		Short:   "Toggle the microphone",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			if node.ToggleMute() {
				fmt.Fprintln(out, "Microphone muted")
				return
			}
			fmt.Fprintln(out, "Microphone live")
		},
	}

	sendCmd := &cobra.Command{
		Use:     "send [target] [message...]",
		Aliases: []string{"send_msg"},
		Short:   "Send a message to an address, or to everyone with target 'all'",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := services.BroadcastTarget
			if len(args) > 0 && isTarget(args[0]) {
				target, args = args[0], args[1:]
			}
			text, err := argOrAsk(cmd, args, "Msg")
			if err != nil {
				return err
			}
			return node.SendMessage(cmd.Context(), text, target)
		},
	}

	searchCmd := &cobra.Command{
		Use:   "search [username]",
		Short: "Look up a user's address without calling",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := argOrAsk(cmd, args, "Username to search")
			if err != nil {
				return err
			}
			address, err := node.Search(cmd.Context(), username)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s is at %s\n", username, address)
			return nil
		},
	}

	viewCmd := &cobra.Command{
		Use:     "view",
		Aliases: []string{"view_machines"},
		Short:   "List connected machines",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			conns := node.Connections()
			if len(conns) == 0 {
				fmt.Fprintln(out, "No connected machines")
				return
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "Address\tUsername\tDirection\tUp\tReceived\tLost")
			for _, c := range conns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n", c.Address, c.Username, c.Direction,
					utils.FormatDuration(utils.Since(c.OpenedAt)), c.Stats.FramesReceived, c.Stats.Lost())
			}
			w.Flush()
		},
	}

	helpCmd := &cobra.Command{
		Use:     "help",
		Aliases: []string{"h"},
		Short:   "Show the commands",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(out, "You are %s at %s (muted: %t)\n", node.Username(), node.Address(), node.Muted())
			fmt.Fprintln(out, "Type 'call' to call, 'mute' to toggle microphone, 'send' to message")
			fmt.Fprintln(out, "Type 'view' or 'view_machines' to view connected machines")
			fmt.Fprintln(out, "Type 'end_call' to hang up and 'quit' to leave")
		},
	}

	quitCmd := &cobra.Command{
		Use:     "quit",
		Aliases: []string{"exit", "q"},
		Short:   "Leave voicebox",
		Args:    cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return errQuit
		},
	}

	root.SetHelpCommand(helpCmd)
	root.AddCommand(callCmd, endCallCmd, muteCmd, sendCmd, searchCmd, viewCmd, helpCmd, quitCmd)
	return root
}

// runMenu reads commands until quit, interrupt or ctx is done. Command
// failures are printed and the loop continues.
func runMenu(ctx context.Context, menu *cobra.Command, p *prompter) error {
	prompt := promptui.Prompt{
		Label: ">",
		Validate: func(input string) error {
			if len(strings.TrimSpace(input)) == 0 {
				return errors.New("please enter a command")
			}
			return nil
		},
		Stdin:  p.stdin,
		Stdout: p.stdout,
	}

	for ctx.Err() == nil {
		input, err := prompt.Run()
		if err != nil {
			if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) || errors.Is(err, io.EOF) {
				return nil
			}
			fmt.Fprintln(menu.ErrOrStderr(), err)
			continue
		}

		if err := execute(ctx, menu, p, input); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintln(menu.ErrOrStderr(), "Error:", err)
		}
	}
	return nil
}

// execute runs one menu line. The command word is case-insensitive.
func execute(ctx context.Context, menu *cobra.Command, p *prompter, input string) error {
	args := strings.Fields(input)
	if len(args) == 0 {
		return nil
	}
	args[0] = strings.ToLower(args[0])

	if _, _, err := menu.Find(args); err != nil {
		return fmt.Errorf("unknown command %q, type 'help'", args[0])
	}

	if p != nil {
		ctx = context.WithValue(ctx, prompterKey{}, p)
	}
	menu.SetArgs(args)
	return menu.ExecuteContext(ctx)
}
