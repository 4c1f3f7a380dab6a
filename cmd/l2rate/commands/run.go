package commands

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aalto-speech/l2rate/pkg/cli"
	"github.com/aalto-speech/l2rate/pkg/corpus"
	"github.com/aalto-speech/l2rate/pkg/experiment"
	"github.com/aalto-speech/l2rate/pkg/feature"
	"github.com/aalto-speech/l2rate/pkg/kv"
	"github.com/aalto-speech/l2rate/pkg/results"
)

var (
	runFile      string
	formatOutput string
)

var runCmd = &cobra.Command{
	Use:   "run -f <config>",
	Short: "Run a cross-validated augmentation experiment",
	Long: `Run the experiment described by a YAML config: load the corpus
manifest, partition speakers into stratified folds, then train and
evaluate a rater per fold under every augmentation condition.

Results are written as a YAML table under <output_dir>/<run-id>/ and a
ranked summary is printed to the terminal.

Examples:
  l2rate run -f configs/digitala.yaml
  l2rate run -f configs/digitala.yaml --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, store, err := buildRunner(runFile)
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := r.Run(cmd.Context())
		if err != nil {
			return err
		}

		if formatOutput != "" {
			return cli.Output(res.Ranked, cli.OutputOptions{Format: cli.OutputFormat(formatOutput)})
		}
		printRanking(res)
		return nil
	},
}

// buildRunner assembles the pipeline from a config file. The returned
// store backs the feature cache; the caller closes it.
func buildRunner(path string) (*experiment.Runner, kv.Store, error) {
	cfg, err := experiment.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}

	c, err := corpus.Load(cfg.Manifest, corpus.LoadOptions{MaxDuration: cfg.MaxDuration})
	if err != nil {
		return nil, nil, err
	}

	var store kv.Store
	if cfg.CacheDir == "" {
		store = kv.NewMemory()
	} else {
		store, err = kv.NewBadger(kv.BadgerOptions{Dir: cfg.CacheDir})
		if err != nil {
			return nil, nil, fmt.Errorf("open feature cache: %w", err)
		}
	}

	extractor := feature.NewFbank(feature.FbankConfig{NumMels: cfg.NumMels})
	cache := feature.NewCache(store, extractor, feature.CacheOptions{
		ExtractTimeout: cfg.ExtractTimeout,
	})
	return experiment.NewRunner(cfg, c, cache, slog.Default()), store, nil
}

func printRanking(res *experiment.RunResult) {
	s := cli.NewStyles(cli.DefaultTheme)
	fmt.Println(s.Title.Render("Run " + res.RunID))

	rows := make([][]string, 0, len(res.Ranked))
	for i, sum := range res.Ranked {
		note := ""
		if sum.Incomplete {
			note = s.Warn.Render("incomplete")
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			sum.Condition,
			fmt.Sprintf("%.4f", sum.Mean[results.MetricWeightedKappa]),
			fmt.Sprintf("%.4f", sum.Mean[results.MetricAccuracy]),
			fmt.Sprintf("%.4f", sum.Mean[results.MetricMAE]),
			fmt.Sprintf("%d/%d", completeFolds(sum), sum.ExpectedFolds),
			note,
		})
	}
	fmt.Println(cli.RenderTable(s,
		[]string{"#", "condition", "kappa", "accuracy", "mae", "folds", ""},
		rows))
	fmt.Println(s.Help.Render("table: " + filepath.Join(res.OutputDir, "results.yaml")))
}

func completeFolds(s results.ConditionSummary) int {
	n := 0
	for _, fr := range s.Folds {
		if !fr.Failed {
			n++
		}
	}
	return n
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "experiment config YAML (required)")
	runCmd.Flags().StringVar(&formatOutput, "format", "", "machine output format (yaml, json)")
	runCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(runCmd)
}
