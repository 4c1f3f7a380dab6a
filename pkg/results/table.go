package results

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/goccy/go-yaml"
)

// Row is one entry of the flat results table: (condition, fold,
// metric, value). Fold is the fold index, or "mean"/"variance" for the
// cross-fold aggregates. The table is a pure data sink; any
// visualization layer consumes it without touching pipeline types.
type Row struct {
	Condition string  `yaml:"condition"`
	Fold      string  `yaml:"fold"`
	Metric    string  `yaml:"metric"`
	Value     float64 `yaml:"value"`
}

// Table flattens condition summaries into rows. Failed folds
// contribute no metric rows; their absence plus the summary's
// incomplete flag is the signal.
func Table(summaries []ConditionSummary) []Row {
	var rows []Row
	metrics := []Metric{MetricAccuracy, MetricWeightedKappa, MetricMAE}
	for _, s := range summaries {
		for _, fr := range s.Folds {
			if fr.Failed {
				continue
			}
			for _, m := range metrics {
				rows = append(rows, Row{
					Condition: s.Condition,
					Fold:      fmt.Sprintf("%d", fr.FoldIndex),
					Metric:    string(m),
					Value:     fr.Metrics[m],
				})
			}
		}
		for _, m := range metrics {
			rows = append(rows,
				Row{Condition: s.Condition, Fold: "mean", Metric: string(m), Value: s.Mean[m]},
				Row{Condition: s.Condition, Fold: "variance", Metric: string(m), Value: s.Variance[m]},
			)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Condition != rows[j].Condition {
			return rows[i].Condition < rows[j].Condition
		}
		return false
	})
	return rows
}

// WriteTable encodes the rows as YAML.
func WriteTable(w io.Writer, summaries []ConditionSummary) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(Table(summaries))
}

// WriteTableFile writes the YAML table to path.
func WriteTableFile(path string, summaries []ConditionSummary) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTable(f, summaries); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
