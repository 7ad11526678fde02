// Package app provides the command tree for the afkbot workstation CLI.
package app

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/clharman/afkbot/internal/relayclient"
)

// ErrAuth marks failures of credential checks and pairing so the
// binary can exit with a distinct code.
var ErrAuth = errors.New("authentication failed")

var configPath string

var rootCmd = &cobra.Command{
	Use:   "afkbot",
	Short: "Keep local AI coding sessions reachable while you are away from the keyboard",
	Long: `afkbot mediates between terminal AI coding sessions and remote surfaces.

'afkbot serve' runs the per-workstation session manager: it accepts
session announcements on a local socket, tails each session's
transcript, forwards events to a relay server and to local chat
adapters, and types remote input back into the session's terminal.
'afkbot run' wraps a command in a PTY and announces it.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

// NewRootCmd assembles the CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Workstation config file (default ~/.afkbot/config.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(adapterCmd)

	return rootCmd
}

// ExitCode maps an Execute error to the process exit code: 0 success,
// 1 usage or runtime failure, 2 authentication failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, relayclient.ErrAuthRejected) {
		return 2
	}
	return 1
}
