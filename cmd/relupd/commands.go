package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"relupd/internal/app"
	apperrors "relupd/internal/errors"
	"relupd/internal/update"
)

// errRunFailed signals a failure the console has already reported.
var errRunFailed = errors.New("update failed")

var (
	rootDir    string
	configPath string
)

func newRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relupd",
		Short: "Keep an installation in sync with its latest published release",
		Long: `relupd compares the installed version of an application with the newest
release in its release index, then downloads, verifies and installs the
release archive over the install root.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "Install root directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to relupd.yaml (default <root>/relupd.yaml)")

	rootCmd.AddCommand(newUpdateCmd(version))
	rootCmd.AddCommand(newHistoryCmd(version))
	rootCmd.AddCommand(newVersionCmd(version))

	return rootCmd
}

func newUpdateCmd(version string) *cobra.Command {
	var (
		yes   bool
		check bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check for a newer release and install it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(app.Options{
				Root:       rootDir,
				ConfigPath: configPath,
				AssumeYes:  yes,
				CheckOnly:  check,
				Version:    version,
				Out:        cmd.OutOrStdout(),
				LogOutput:  cmd.ErrOrStderr(),
			})
			if err != nil {
				return describe(err)
			}

			res := a.Update(cmd.Context())
			if res.Outcome == update.OutcomeFailed {
				return errRunFailed
			}
			if res.Outcome == update.OutcomeUpdateAvailable {
				fmt.Fprintf(cmd.OutOrStdout(), "Update available: %s -> %s\n", res.Local.Core(), res.Remote.Core())
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Install without asking for confirmation")
	cmd.Flags().BoolVar(&check, "check", false, "Only report whether an update is available")

	return cmd
}

func newHistoryCmd(version string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent update attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(app.Options{
				Root:       rootDir,
				ConfigPath: configPath,
				Version:    version,
				Out:        cmd.OutOrStdout(),
				LogOutput:  cmd.ErrOrStderr(),
			})
			if err != nil {
				return describe(err)
			}
			return describe(a.History(cmd.Context(), limit))
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of attempts to show")

	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relupd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relupd %s\n", version)
		},
	}
}

// describe renders AppErrors as "<code>: <detail>".
func describe(err error) error {
	if err == nil {
		return nil
	}
	if appErr, ok := apperrors.As(err); ok {
		return fmt.Errorf("%s: %s", appErr.Code, appErr.Detail())
	}
	return err
}
