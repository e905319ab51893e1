package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballastlab/ballast/internal/domain"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCSV_ReturnsKind(t *testing.T) {
	path := writeCSV(t, `date,AAA,BBB,SPY
2024-01-02,0.010,-0.005,0.003
2024-01-03,-0.002,0.008,-0.001
2024-01-04,0.004,0.001,0.002
`)

	series, err := LoadCSV(path, "SPY", KindReturns)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA", "BBB"}, series.Assets())
	assert.Equal(t, 3, series.Periods())
	assert.InDelta(t, 0.010, series.At(0, 0), 1e-12)
	assert.InDelta(t, 0.008, series.At(1, 1), 1e-12)
	assert.InDelta(t, -0.001, series.BenchmarkAt(1), 1e-12)
	assert.Equal(t, "2024-01-02", series.Dates()[0].Format("2006-01-02"))
}

func TestLoadCSV_PricesConvertToReturns(t *testing.T) {
	path := writeCSV(t, `date,AAA,SPY
2024-01-02,100,200
2024-01-03,110,210
2024-01-04,99,189
`)

	series, err := LoadCSV(path, "SPY", KindPrices)
	require.NoError(t, err)

	// The first date has no predecessor and is dropped.
	require.Equal(t, 2, series.Periods())
	assert.Equal(t, "2024-01-03", series.Dates()[0].Format("2006-01-02"))
	assert.InDelta(t, 0.10, series.At(0, 0), 1e-12)
	assert.InDelta(t, -0.10, series.At(1, 0), 1e-12)
	assert.InDelta(t, 0.05, series.BenchmarkAt(0), 1e-12)
	assert.InDelta(t, -0.10, series.BenchmarkAt(1), 1e-12)
}

func TestLoadCSV_BenchmarkInMiddleColumn(t *testing.T) {
	path := writeCSV(t, `date,AAA,SPY,BBB
2024-01-02,0.01,0.003,-0.005
2024-01-03,-0.002,-0.001,0.008
`)

	series, err := LoadCSV(path, "SPY", KindReturns)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA", "BBB"}, series.Assets())
	assert.InDelta(t, -0.005, series.At(0, 1), 1e-12)
	assert.InDelta(t, 0.003, series.BenchmarkAt(0), 1e-12)
}

func TestLoadCSV_MissingBenchmarkColumnFails(t *testing.T) {
	path := writeCSV(t, `date,AAA,BBB
2024-01-02,0.01,0.02
`)

	_, err := LoadCSV(path, "SPY", KindReturns)
	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Contains(t, err.Error(), "benchmark column")
}

func TestLoadCSV_BadValueFails(t *testing.T) {
	path := writeCSV(t, `date,AAA,SPY
2024-01-02,abc,0.003
`)

	_, err := LoadCSV(path, "SPY", KindReturns)
	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Contains(t, err.Error(), "AAA")
}

func TestLoadCSV_BadDateFails(t *testing.T) {
	path := writeCSV(t, `date,AAA,SPY
02/01/2024,0.01,0.003
`)

	_, err := LoadCSV(path, "SPY", KindReturns)
	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Contains(t, err.Error(), "bad date")
}

func TestLoadCSV_NonPositivePriceFails(t *testing.T) {
	path := writeCSV(t, `date,AAA,SPY
2024-01-02,100,200
2024-01-03,0,210
`)

	_, err := LoadCSV(path, "SPY", KindPrices)
	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Contains(t, err.Error(), "non-positive price")
}

func TestLoadCSV_UnknownKindFails(t *testing.T) {
	path := writeCSV(t, `date,AAA,SPY
2024-01-02,0.01,0.003
`)

	_, err := LoadCSV(path, "SPY", Kind("levels"))
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "kind", cfgErr.Field)
}

func TestLoadCSV_SinglePriceRowHasNoReturns(t *testing.T) {
	path := writeCSV(t, `date,AAA,SPY
2024-01-02,100,200
`)

	_, err := LoadCSV(path, "SPY", KindPrices)
	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
}

func TestLoadMetaCSV_SectorsAndVolumesInAssetOrder(t *testing.T) {
	path := writeCSV(t, `symbol,sector,avg_daily_volume
BBB,energy,800000
AAA,tech,1200000
`)

	sectors, adv, err := LoadMetaCSV(path, []string{"AAA", "BBB"})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"AAA": "tech", "BBB": "energy"}, sectors)
	assert.Equal(t, []float64{1_200_000, 800_000}, adv)
}

func TestLoadMetaCSV_MissingAssetFails(t *testing.T) {
	path := writeCSV(t, `symbol,sector,avg_daily_volume
AAA,tech,1200000
`)

	_, _, err := LoadMetaCSV(path, []string{"AAA", "BBB"})
	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Contains(t, err.Error(), "no metadata row for BBB")
}

func TestLoadMetaCSV_UnknownSymbolFails(t *testing.T) {
	path := writeCSV(t, `symbol,sector,avg_daily_volume
AAA,tech,1200000
ZZZ,mystery,5
`)

	_, _, err := LoadMetaCSV(path, []string{"AAA"})
	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Contains(t, err.Error(), "ZZZ")
}

func TestLoadMetaCSV_RejectsBadVolumes(t *testing.T) {
	tests := []struct {
		name   string
		volume string
	}{
		{name: "zero", volume: "0"},
		{name: "negative", volume: "-100"},
		{name: "not a number", volume: "lots"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeCSV(t, "symbol,sector,avg_daily_volume\nAAA,tech,"+tt.volume+"\n")

			_, _, err := LoadMetaCSV(path, []string{"AAA"})
			var dataErr *domain.DataError
			require.ErrorAs(t, err, &dataErr)
			assert.Contains(t, err.Error(), "must be positive")
		})
	}
}

func TestLoadMetaCSV_DuplicateRowFails(t *testing.T) {
	path := writeCSV(t, `symbol,sector,avg_daily_volume
AAA,tech,1200000
AAA,energy,900000
`)

	_, _, err := LoadMetaCSV(path, []string{"AAA"})
	var dataErr *domain.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Contains(t, err.Error(), "duplicate row")
}
