package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "l2rate",
	Short: "Cross-validated proficiency rating experiments for L2 speech",
	Long: `l2rate - k-fold cross-validation of spoken proficiency raters
under different audio augmentation conditions.

An experiment is described by a YAML config naming the corpus manifest,
the fold count, and one or more augmentation conditions. Every
condition trains and validates on the same speaker-disjoint folds;
augmented audio enters training folds only, so the resulting metrics
isolate the effect of each augmentation recipe.

Examples:
  # Run the experiment described by a config
  l2rate run -f configs/digitala.yaml

  # Warm the feature cache ahead of a run
  l2rate extract -f configs/digitala.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context so a run stops cleanly between folds.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
