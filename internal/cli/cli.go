// Package cli assembles the ralphd command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// App represents the CLI application with all wired dependencies
type App struct {
	rootCmd *cobra.Command

	// Version information
	version string
	commit  string
	date    string
}

// New creates a new CLI application
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the version string for the version command
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

// setupRootCmd configures the root Cobra command
func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "ralphd",
		Short: "Autonomous agent orchestration daemon",
		Long: `ralphd drives coding agents to task completion: each submitted prompt
runs a worker/boss iteration loop in an isolated git worktree and is
merged back into the mainline once the boss signs off.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.AddCommand(newServeCmd())
	a.rootCmd.AddCommand(newVersionCmd(a))
}
