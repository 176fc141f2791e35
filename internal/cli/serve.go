package cli

import (
	"github.com/spf13/cobra"

	"github.com/ralph-orchestrator/ralphd/internal/daemon"
)

// newServeCmd creates the serve command
func newServeCmd() *cobra.Command {
	var cfg daemon.Config

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		Long: `Starts the HTTP job/run service and processes prompts until the
process receives SIGTERM, a /shutdown request, or a caffinate drain.

Flags override the optional config file at <prefix>/config.yaml.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := daemon.New(&cfg)
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&cfg.Prefix, "prefix", "", "state directory root (required)")
	cmd.Flags().IntVar(&cfg.Port, "port", 0, "HTTP listen port")
	cmd.Flags().StringVar(&cfg.Workspace, "workspace", "", "mainline git checkout (required)")
	cmd.Flags().StringVar(&cfg.WorkerModel, "worker-model", "", "worker model as providerID/modelID (required)")
	cmd.Flags().StringVar(&cfg.BossModel, "boss-model", "", "boss model as providerID/modelID (defaults to worker model)")
	cmd.Flags().IntVar(&cfg.AgentPort, "agent-port", 0, "base port for spawned agent servers")
	cmd.Flags().IntVar(&cfg.BossPort, "boss-port", 0, "port for the boss agent server")
	cmd.Flags().StringVar(&cfg.AgentBinary, "agent-binary", "", "agent-server executable override")

	return cmd
}
