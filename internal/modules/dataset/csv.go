package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/ballastlab/ballast/internal/domain"
)

// Kind selects how CSV cell values are interpreted.
type Kind string

const (
	// KindPrices treats cells as adjusted closes and converts consecutive
	// rows to fractional returns, dropping the first date.
	KindPrices Kind = "prices"
	// KindReturns treats cells as fractional returns directly.
	KindReturns Kind = "returns"
)

const dateLayout = "2006-01-02"

// LoadCSV reads a date-by-symbol matrix. The header row names the
// columns; the column matching benchmark becomes the benchmark series
// and the remaining columns become assets in header order.
func LoadCSV(path, benchmark string, kind Kind) (*domain.ReturnSeries, error) {
	if kind != KindPrices && kind != KindReturns {
		return nil, &domain.ConfigurationError{
			Field: "kind",
			Msg:   fmt.Sprintf("must be %q or %q, got %q", KindPrices, KindReturns, kind),
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, &domain.DataError{Op: "load csv", Msg: fmt.Sprintf("%s has no header row", path)}
	}
	if len(header) < 3 {
		return nil, &domain.DataError{
			Op:  "load csv",
			Msg: "need a date column, at least one asset and a benchmark column",
		}
	}

	benchmarkCol := -1
	var assets []string
	assetCols := make([]int, 0, len(header)-2)
	for i, name := range header[1:] {
		if name == benchmark {
			benchmarkCol = i + 1
			continue
		}
		assets = append(assets, name)
		assetCols = append(assetCols, i+1)
	}
	if benchmarkCol < 0 {
		return nil, &domain.DataError{
			Op:  "load csv",
			Msg: fmt.Sprintf("benchmark column %q not found in header", benchmark),
		}
	}

	var dates []time.Time
	var values [][]float64 // per row: assets then benchmark
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &domain.DataError{Op: "load csv", Msg: fmt.Sprintf("line %d: %v", line+1, err)}
		}
		line++

		date, err := time.Parse(dateLayout, record[0])
		if err != nil {
			return nil, &domain.DataError{
				Op:  "load csv",
				Msg: fmt.Sprintf("line %d: bad date %q", line, record[0]),
			}
		}

		row := make([]float64, 0, len(assetCols)+1)
		for _, col := range append(append([]int(nil), assetCols...), benchmarkCol) {
			v, err := strconv.ParseFloat(record[col], 64)
			if err != nil {
				return nil, &domain.DataError{
					Op:  "load csv",
					Msg: fmt.Sprintf("line %d: bad value %q in column %s", line, record[col], header[col]),
				}
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &domain.DataError{
					Op:  "load csv",
					Msg: fmt.Sprintf("invalid value for %s at %s", header[col], record[0]),
				}
			}
			if kind == KindPrices && v <= 0 {
				return nil, &domain.DataError{
					Op:  "load csv",
					Msg: fmt.Sprintf("non-positive price for %s at %s", header[col], record[0]),
				}
			}
			row = append(row, v)
		}

		dates = append(dates, date)
		values = append(values, row)
	}

	if kind == KindPrices {
		dates, values = pricesToReturns(dates, values)
	}
	if len(values) == 0 {
		return nil, &domain.DataError{Op: "load csv", Msg: fmt.Sprintf("%s holds no usable rows", path)}
	}

	n := len(assets)
	returns := mat.NewDense(len(values), n, nil)
	bench := make([]float64, len(values))
	for i, row := range values {
		for j := 0; j < n; j++ {
			returns.Set(i, j, row[j])
		}
		bench[i] = row[n]
	}
	return domain.NewReturnSeries(assets, dates, returns, bench)
}

// LoadMetaCSV reads per-asset metadata rows of the form
// symbol,sector,avg_daily_volume. Every asset must have exactly one row
// and a positive volume; the sector map and the volume vector come back
// in asset order.
func LoadMetaCSV(path string, assets []string) (map[string]string, []float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return nil, nil, &domain.DataError{Op: "load meta csv", Msg: fmt.Sprintf("%s has no header row", path)}
	}

	known := make(map[string]int, len(assets))
	for i, symbol := range assets {
		known[symbol] = i
	}

	sectors := make(map[string]string, len(assets))
	adv := make([]float64, len(assets))
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, &domain.DataError{Op: "load meta csv", Msg: fmt.Sprintf("line %d: %v", line+1, err)}
		}
		line++
		if len(record) < 3 {
			return nil, nil, &domain.DataError{
				Op:  "load meta csv",
				Msg: fmt.Sprintf("line %d: need symbol, sector and avg_daily_volume", line),
			}
		}

		symbol := record[0]
		idx, ok := known[symbol]
		if !ok {
			return nil, nil, &domain.DataError{
				Op:  "load meta csv",
				Msg: fmt.Sprintf("line %d: symbol %q is not in the return series", line, symbol),
			}
		}
		if _, dup := sectors[symbol]; dup {
			return nil, nil, &domain.DataError{
				Op:  "load meta csv",
				Msg: fmt.Sprintf("line %d: duplicate row for %s", line, symbol),
			}
		}

		volume, err := strconv.ParseFloat(record[2], 64)
		if err != nil || math.IsNaN(volume) || volume <= 0 {
			return nil, nil, &domain.DataError{
				Op:  "load meta csv",
				Msg: fmt.Sprintf("line %d: volume for %s must be positive, got %q", line, symbol, record[2]),
			}
		}

		sectors[symbol] = record[1]
		adv[idx] = volume
	}

	for _, symbol := range assets {
		if _, ok := sectors[symbol]; !ok {
			return nil, nil, &domain.DataError{
				Op:  "load meta csv",
				Msg: fmt.Sprintf("no metadata row for %s", symbol),
			}
		}
	}
	return sectors, adv, nil
}

// pricesToReturns converts consecutive price rows to fractional returns.
// The first date has no predecessor and is dropped.
func pricesToReturns(dates []time.Time, prices [][]float64) ([]time.Time, [][]float64) {
	if len(prices) < 2 {
		return nil, nil
	}
	out := make([][]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		row := make([]float64, len(prices[i]))
		for j := range row {
			row[j] = prices[i][j]/prices[i-1][j] - 1
		}
		out[i-1] = row
	}
	return dates[1:], out
}
