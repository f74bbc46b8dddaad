package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/liliang-cn/medichat/internal/client"
	"github.com/liliang-cn/medichat/internal/config"
	"github.com/liliang-cn/medichat/internal/localstore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app is what every subcommand works with
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *localstore.Store
	client *client.Client
}

type rootFlags struct {
	configPath string
	server     string
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "medichat-cli",
		Short:         "Terminal client for the MediChat medical assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(flags)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&flags.server, "server", "", "API base URL (overrides client.base_url)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newChatCmd(a),
		newHistoryCmd(a),
		newClearCmd(a),
		newConversationsCmd(a),
		newDocumentsCmd(a),
		newSettingsCmd(a),
		newLoginCmd(a),
		newLogoutCmd(a),
	)
	return rootCmd
}

func (a *app) init(flags *rootFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.server != "" {
		cfg.Client.BaseURL = flags.server
	}
	a.cfg = cfg

	if flags.verbose {
		a.logger, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
	} else {
		a.logger = zap.NewNop()
	}

	a.store, err = localstore.Open(cfg.Client.StorePath)
	if err != nil {
		return err
	}

	a.client, err = client.New(cfg.Client.BaseURL, a.store, a.logger, client.WithTimeout(cfg.Client.RequestTimeout))
	if err != nil {
		return err
	}
	return nil
}

func (a *app) close() error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return a.store.Close()
}

func (a *app) channelOptions() client.ChannelOptions {
	return client.ChannelOptions{
		InitialInterval: a.cfg.Client.Reconnect.InitialInterval,
		MaxInterval:     a.cfg.Client.Reconnect.MaxInterval,
		MaxAttempts:     a.cfg.Client.Reconnect.MaxAttempts,
	}
}

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login <token>",
		Short: "Store the bearer token sent with every request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.SetToken(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token saved.")
			return nil
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.ClearToken(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token removed.")
			return nil
		},
	}
}
