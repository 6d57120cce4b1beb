package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mimiro-io/datahub-linkharvester/internal"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := &internal.Config{}

	cmd := &cobra.Command{
		Use:   "linkharvester",
		Short: "Harvest linked data from a paginated query service into compressed n-quads",
		Long: `linkharvester pages through the query service of every configured dataset
and writes all statements found, one named graph per dataset, into a single
compressed n-quads file.

  construct  runs the prepared queries found below --queries
  links      queries every property of --properties in every dataset of --datasets
  run        takes the mode from the --profile file`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().AddFlagSet(cfg.Flags())

	cmd.AddCommand(harvestCmd(cfg, internal.ModeConstruct, "Harvest with the prepared queries of each dataset"))
	cmd.AddCommand(harvestCmd(cfg, internal.ModeLinks, "Harvest links for every dataset and property pair"))
	cmd.AddCommand(harvestCmd(cfg, "", "Harvest with the mode of the profile"))
	return cmd
}

func harvestCmd(cfg *internal.Config, mode, short string) *cobra.Command {
	use := mode
	if use == "" {
		use = "run"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.Mode = mode
			if err := prepare(cfg); err != nil {
				internal.LOG.Error().Err(err).Msg("Invalid configuration")
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := internal.Harvest(ctx, cfg); err != nil {
				internal.LOG.Error().Err(err).Msg("Harvest failed")
				return err
			}
			return nil
		},
	}
}

// prepare layers the configuration: flags, then the profile, then ENV.
func prepare(cfg *internal.Config) error {
	if err := internal.NewProfileLoader(cfg).Load(cfg); err != nil {
		return err
	}
	if err := cfg.LoadEnv(); err != nil {
		return err
	}
	internal.LoadLogger(cfg.LogType, cfg.ServiceName, cfg.LogLevel)
	if cfg.Mode == "" {
		return fmt.Errorf("%w: no mode given, use construct, links or a profile with a mode", internal.ErrConfig)
	}
	cfg.ApplyModeDefaults()
	redacted := *cfg
	redacted.APIKey = "***"
	redacted.ProfileLoaderClientSecret = "***"
	internal.LOG.Trace().Any("With config", redacted).Msg("Configuration")
	return cfg.Validate()
}
