package commands

import (
	"microcrop-processor/internal/config"
	"microcrop-processor/internal/logging"
	"microcrop-processor/internal/server"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version, Commit, and BuildDate are set at build time via ldflags.
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	verbose bool
	cfg     *config.AppConfig
)

var rootCmd = &cobra.Command{
	Use:   "microcrop-processor",
	Short: "microcrop-processor is the data plane for parametric crop insurance",
	Long: `A processing service that ingests plot-level weather, computes drought,
flood and heat stress indices, tracks satellite biomass subscriptions, and
publishes content-addressed damage-evidence bundles for payout review.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(verbose)

		// Load configuration
		var err error
		cfg, err = config.Load()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load configuration")
		}

		log.Info().
			Str("version", Version).
			Str("commit", Commit).
			Str("buildDate", BuildDate).
			Msg("microcrop-processor starting")
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := server.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		return srv.Run(cmd.Context())
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}
