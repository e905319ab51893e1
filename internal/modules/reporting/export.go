package reporting

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/rebalance"
)

// csvPrecision matches the fixed six decimals of the analysis exports.
const csvPrecision = 6

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', csvPrecision, 64)
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// WriteWeightsCSV exports one weight per asset.
func WriteWeightsCSV(path string, assets []string, weights []float64) error {
	if len(assets) != len(weights) {
		return &domain.DataError{
			Op:  "weights export",
			Msg: fmt.Sprintf("%d weights for %d assets", len(weights), len(assets)),
		}
	}
	rows := [][]string{{"symbol", "weight"}}
	for i, symbol := range assets {
		rows = append(rows, []string{symbol, formatFloat(weights[i])})
	}
	return writeCSV(path, rows)
}

// WriteFrontierCSV exports the solved frontier points.
func WriteFrontierCSV(path string, points []domain.FrontierPoint) error {
	rows := [][]string{{"target_return", "risk", "achieved_return"}}
	for _, p := range points {
		rows = append(rows, []string{
			formatFloat(p.TargetReturn),
			formatFloat(p.Risk),
			formatFloat(p.AchievedReturn),
		})
	}
	return writeCSV(path, rows)
}

// WriteCyclesCSV exports persisted rebalance cycles.
func WriteCyclesCSV(path string, records []rebalance.CycleRecord) error {
	rows := [][]string{{"period", "date", "status", "turnover", "cost", "expected_gain", "reason"}}
	for _, r := range records {
		rows = append(rows, []string{
			strconv.Itoa(r.PeriodIndex),
			r.TriggerDate,
			r.Status,
			formatFloat(r.Turnover),
			formatFloat(r.Cost),
			formatFloat(r.ExpectedGain),
			r.Reason,
		})
	}
	return writeCSV(path, rows)
}
