// Command kaataq plays Kaataq in a terminal against a shared store server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DoyleJ11/kaataq/internal/config"
	"github.com/DoyleJ11/kaataq/internal/session"
	"github.com/DoyleJ11/kaataq/internal/store/remote"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &config.Config{}
	if err := newRootCmd(cfg).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "kaataq",
		Short: "Guess which hand holds the stick.",
	}
	config.ClientFlags(root.PersistentFlags(), cfg)

	root.AddCommand(newCreateCmd(cfg), newJoinCmd(cfg))
	root.CompletionOptions.HiddenDefaultCmd = true
	root.SilenceErrors = true
	root.SilenceUsage = true
	return root
}

func newCreateCmd(cfg *config.Config) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a room and host it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return play(cmd, cfg, func(ctx context.Context, s *session.Session) error {
				_, err := s.CreateRoom(ctx, name)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "your display name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newJoinCmd(cfg *config.Config) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "join CODE",
		Short: "Join a room by its four-digit code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return play(cmd, cfg, func(ctx context.Context, s *session.Session) error {
				return s.JoinRoom(ctx, args[0], name)
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "your display name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// play wires a session to the remote store, runs enter, then hands the
// terminal to the prompt until the player leaves.
func play(cmd *cobra.Command, cfg *config.Config, enter func(context.Context, *session.Session) error) error {
	if err := config.Load(cmd.Flags()); err != nil {
		return err
	}
	if err := cfg.ValidateClient(); err != nil {
		return err
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	client, err := remote.New(cfg.StoreURL, remote.WithLogger(log.Named("remote")))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	opts := cfg.SessionOptions(log.Named("session"))
	opts.Codes = func() (string, error) {
		codeCtx, cancel := context.WithTimeout(ctx, opts.OpTimeout)
		defer cancel()
		return client.FreeCode(codeCtx)
	}

	s := session.New(ctx, client, opts)
	defer func() { _ = s.Close() }()

	enterCtx, cancel := context.WithTimeout(ctx, opts.OpTimeout*time.Duration(opts.CodeAttempts+1))
	defer cancel()
	if err := enter(enterCtx, s); err != nil {
		return err
	}
	log.Debug("entered room", zap.String("code", s.Current().Code))

	p := &prompt{
		s:        s,
		out:      cmd.OutOrStdout(),
		in:       cmd.InOrStdin(),
		storeURL: cfg.StoreURL,
		timeout:  opts.OpTimeout + opts.RevealDelay,
	}
	return p.run(ctx)
}
