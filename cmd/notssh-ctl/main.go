package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kjubybot/notssh/internal/ctl"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		socket string
		ids    []string
	)

	root := &cobra.Command{
		Use:           "notssh-ctl",
		Short:         "notssh-ctl — operator CLI for a notssh coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&socket, "socket", envOrDefault("NOTSSH_SOCKET", "/run/notssh/cli.sock"), "Path of the coordinator control socket")

	client := func() *ctl.Client { return ctl.New(socket) }

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			clients, err := client().List(cmdContext(cmd))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tADDRESS\tCONNECTED")
			for _, c := range clients {
				fmt.Fprintf(w, "%s\t%s\t%t\n", c.ID, c.Address, c.Connected)
			}
			return w.Flush()
		},
	}

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Ping clients and report whether they answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEachID(ids, func(id string) error {
				if err := client().Ping(cmdContext(cmd), id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				fmt.Printf("%s: ok\n", id)
				return nil
			})
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Tell clients to remove themselves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEachID(ids, func(id string) error {
				text, err := client().Purge(cmdContext(cmd), id)
				if err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				fmt.Printf("%s: %s\n", id, text)
				return nil
			})
		},
	}

	var stdinFile string
	shellCmd := &cobra.Command{
		Use:   "shell CMD [ARGS...]",
		Short: "Run a command on clients and print its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stdin []byte
			if stdinFile != "" {
				var err error
				stdin, err = os.ReadFile(stdinFile)
				if err != nil {
					return fmt.Errorf("failed to read stdin file: %w", err)
				}
			}
			return forEachID(ids, func(id string) error {
				out, err := client().Shell(cmdContext(cmd), id, args[0], args[1:], stdin)
				if err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				os.Stdout.Write(out.Stdout)
				os.Stderr.Write(out.Stderr)
				return nil
			})
		},
	}
	shellCmd.Flags().StringVar(&stdinFile, "stdin", "", "File whose contents are piped to the command's stdin")

	for _, cmd := range []*cobra.Command{pingCmd, purgeCmd, shellCmd} {
		cmd.Flags().StringSliceVar(&ids, "id", nil, "Target client ID (repeatable)")
		_ = cmd.MarkFlagRequired("id")
	}

	root.AddCommand(listCmd, pingCmd, purgeCmd, shellCmd, newVersionCmd())
	return root
}

// forEachID applies fn to every target, stopping at the first failure.
func forEachID(ids []string, fn func(id string) error) error {
	for _, id := range ids {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	ctx, _ := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("notssh-ctl %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
