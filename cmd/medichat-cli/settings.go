package main

import (
	"fmt"
	"io"

	"github.com/liliang-cn/medichat/internal/domain"
	"github.com/spf13/cobra"
)

func newSettingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change chat settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.showSettings(cmd.OutOrStdout())
		},
	}
	cmd.AddCommand(newSettingsSetCmd(a), newSettingsResetCmd(a))
	return cmd
}

func (a *app) showSettings(out io.Writer) error {
	s, err := a.store.LoadSettings()
	if err != nil {
		fmt.Fprintf(out, "Stored settings unreadable, showing defaults: %v\n", err)
	}
	printSettings(out, s)
	return nil
}

func printSettings(out io.Writer, s domain.Settings) {
	fmt.Fprintf(out, "temperature: %.2f\n", s.Temperature)
	fmt.Fprintf(out, "max_tokens:  %d\n", s.MaxTokens)
	fmt.Fprintf(out, "stream:      %t\n", s.StreamMode)
	fmt.Fprintf(out, "theme:       %s\n", s.Theme)
}

func newSettingsSetCmd(a *app) *cobra.Command {
	var (
		temperature float64
		maxTokens   int
		stream      bool
		theme       string
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change one or more settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _ := a.store.LoadSettings()
			flags := cmd.Flags()
			if flags.Changed("temperature") {
				s.Temperature = temperature
			}
			if flags.Changed("max-tokens") {
				s.MaxTokens = maxTokens
			}
			if flags.Changed("stream") {
				s.StreamMode = stream
			}
			if flags.Changed("theme") {
				s.Theme = theme
			}

			saved, err := a.store.SaveSettings(s)
			if err != nil {
				return err
			}
			printSettings(cmd.OutOrStdout(), saved)
			return nil
		},
	}
	cmd.Flags().Float64Var(&temperature, "temperature", 0.5, "Sampling temperature (0 to 1)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 512, "Maximum answer length in tokens (50 to 2048)")
	cmd.Flags().BoolVar(&stream, "stream", true, "Receive answers incrementally")
	cmd.Flags().StringVar(&theme, "theme", "light", "Display theme")
	return cmd
}

func newSettingsResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Restore the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			saved, err := a.store.SaveSettings(domain.DefaultSettings())
			if err != nil {
				return err
			}
			printSettings(cmd.OutOrStdout(), saved)
			return nil
		},
	}
}
