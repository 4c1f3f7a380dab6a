package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var extractFile string

var extractCmd = &cobra.Command{
	Use:   "extract -f <config>",
	Short: "Precompute the feature cache without training",
	Long: `Extract and cache features for every corpus utterance named by the
config, without training anything. A later 'l2rate run' over the same
cache directory then starts with a warm cache.

Only raw audio is precomputed; augmented variants exist relative to a
training fold and are materialized during the run that needs them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, store, err := buildRunner(extractFile)
		if err != nil {
			return err
		}
		defer store.Close()

		extracted, failed, err := r.Precompute(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Extracted %d utterances (%d failed)\n", extracted, failed)
		return nil
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractFile, "file", "f", "", "experiment config YAML (required)")
	extractCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(extractCmd)
}
