package reporting

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/rebalance"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriteWeightsCSV_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.csv")
	err := WriteWeightsCSV(path, []string{"AAA", "BBB"}, []float64{0.25, 0.75})
	require.NoError(t, err)

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"symbol", "weight"}, rows[0])
	assert.Equal(t, []string{"AAA", "0.250000"}, rows[1])
	assert.Equal(t, []string{"BBB", "0.750000"}, rows[2])
}

func TestWriteWeightsCSV_LengthMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.csv")
	err := WriteWeightsCSV(path, []string{"AAA"}, []float64{0.5, 0.5})

	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteFrontierCSV_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frontier.csv")
	err := WriteFrontierCSV(path, []domain.FrontierPoint{
		{TargetReturn: 0.01, Risk: 0.10, AchievedReturn: 0.01},
		{TargetReturn: 0.02, Risk: 0.145, AchievedReturn: 0.0195},
	})
	require.NoError(t, err)

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"target_return", "risk", "achieved_return"}, rows[0])
	assert.Equal(t, []string{"0.010000", "0.100000", "0.010000"}, rows[1])
	assert.Equal(t, []string{"0.020000", "0.145000", "0.019500"}, rows[2])
}

func TestWriteCyclesCSV_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycles.csv")
	err := WriteCyclesCSV(path, []rebalance.CycleRecord{
		{
			PeriodIndex:  5,
			TriggerDate:  "2024-02-01",
			Status:       string(rebalance.StatusCommitted),
			Turnover:     0.15,
			Cost:         0.0005,
			ExpectedGain: 0.0012,
			Reason:       "",
		},
	})
	require.NoError(t, err)

	rows := readCSV(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"period", "date", "status", "turnover", "cost", "expected_gain", "reason"}, rows[0])
	assert.Equal(t, []string{"5", "2024-02-01", "COMMITTED", "0.150000", "0.000500", "0.001200", ""}, rows[1])
}

func TestWriteCSV_UnwritablePathFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "weights.csv")
	err := WriteWeightsCSV(path, []string{"AAA"}, []float64{1})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create")
}
