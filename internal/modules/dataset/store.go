// Package dataset loads, validates and persists the input universe: the
// per-asset return history, the benchmark column, sector assignments and
// average daily volumes the engine consumes.
package dataset

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/ballastlab/ballast/internal/database"
	"github.com/ballastlab/ballast/internal/domain"
)

// Store reads and writes the market database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a market data accessor.
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "dataset_store").Logger(),
	}
}

// SaveSeries replaces the stored universe with the given series, sector
// map and average daily volumes. A nil sector map stores every asset
// unsectored; a non-nil map must cover every asset.
func (s *Store) SaveSeries(series *domain.ReturnSeries, sectors map[string]string, adv []float64) error {
	assets := series.Assets()
	if len(adv) != len(assets) {
		return &domain.DataError{
			Op:  "save series",
			Msg: fmt.Sprintf("average volumes cover %d assets, series has %d", len(adv), len(assets)),
		}
	}
	if sectors != nil {
		for _, symbol := range assets {
			if _, ok := sectors[symbol]; !ok {
				return &domain.DataError{
					Op:  "save series",
					Msg: fmt.Sprintf("sector map does not cover %s", symbol),
				}
			}
		}
	}

	dates := series.Dates()
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM asset_returns`,
			`DELETE FROM benchmark_returns`,
			`DELETE FROM assets`,
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("failed to clear universe: %w", err)
			}
		}

		for i, symbol := range assets {
			if _, err := tx.Exec(`
				INSERT INTO assets (symbol, sector, avg_daily_volume, position) VALUES (?, ?, ?, ?)
			`, symbol, sectors[symbol], adv[i], i); err != nil {
				return fmt.Errorf("failed to insert asset %s: %w", symbol, err)
			}
		}

		for i, date := range dates {
			day := date.Format(dateLayout)
			for j, symbol := range assets {
				if _, err := tx.Exec(`
					INSERT INTO asset_returns (date, symbol, value) VALUES (?, ?, ?)
				`, day, symbol, series.At(i, j)); err != nil {
					return fmt.Errorf("failed to insert return for %s at %s: %w", symbol, day, err)
				}
			}
			if _, err := tx.Exec(`
				INSERT INTO benchmark_returns (date, value) VALUES (?, ?)
			`, day, series.BenchmarkAt(i)); err != nil {
				return fmt.Errorf("failed to insert benchmark at %s: %w", day, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Int("assets", len(assets)).
		Int("periods", len(dates)).
		Msg("Stored return universe")
	return nil
}

// LoadSeries rebuilds the stored universe. Returns the series, the
// sector map (empty sectors omitted) and the average daily volumes in
// asset order.
func (s *Store) LoadSeries() (*domain.ReturnSeries, map[string]string, []float64, error) {
	assets, sectors, adv, err := s.loadAssets()
	if err != nil {
		return nil, nil, nil, err
	}
	if len(assets) == 0 {
		return nil, nil, nil, &domain.DataError{Op: "load series", Msg: "no assets stored"}
	}

	dates, benchmark, err := s.loadBenchmark()
	if err != nil {
		return nil, nil, nil, err
	}
	if len(dates) == 0 {
		return nil, nil, nil, &domain.DataError{Op: "load series", Msg: "no benchmark history stored"}
	}

	returns, err := s.loadReturns(assets, dates)
	if err != nil {
		return nil, nil, nil, err
	}

	series, err := domain.NewReturnSeries(assets, dates, returns, benchmark)
	if err != nil {
		return nil, nil, nil, err
	}
	return series, sectors, adv, nil
}

func (s *Store) loadAssets() ([]string, map[string]string, []float64, error) {
	rows, err := s.db.Query(`SELECT symbol, sector, avg_daily_volume FROM assets ORDER BY position`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var assets []string
	sectors := make(map[string]string)
	var adv []float64
	for rows.Next() {
		var symbol, sector string
		var volume float64
		if err := rows.Scan(&symbol, &sector, &volume); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, symbol)
		if sector != "" {
			sectors[symbol] = sector
		}
		adv = append(adv, volume)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("error iterating assets: %w", err)
	}
	return assets, sectors, adv, nil
}

func (s *Store) loadBenchmark() ([]time.Time, []float64, error) {
	rows, err := s.db.Query(`SELECT date, value FROM benchmark_returns ORDER BY date`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query benchmark: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	var values []float64
	for rows.Next() {
		var day string
		var value float64
		if err := rows.Scan(&day, &value); err != nil {
			return nil, nil, fmt.Errorf("failed to scan benchmark row: %w", err)
		}
		date, err := time.Parse(dateLayout, day)
		if err != nil {
			return nil, nil, &domain.DataError{Op: "load series", Msg: fmt.Sprintf("bad stored date %q", day)}
		}
		dates = append(dates, date)
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating benchmark: %w", err)
	}
	return dates, values, nil
}

func (s *Store) loadReturns(assets []string, dates []time.Time) (*mat.Dense, error) {
	assetIdx := make(map[string]int, len(assets))
	for j, symbol := range assets {
		assetIdx[symbol] = j
	}
	dateIdx := make(map[string]int, len(dates))
	for i, date := range dates {
		dateIdx[date.Format(dateLayout)] = i
	}

	rows, err := s.db.Query(`SELECT date, symbol, value FROM asset_returns`)
	if err != nil {
		return nil, fmt.Errorf("failed to query returns: %w", err)
	}
	defer rows.Close()

	returns := mat.NewDense(len(dates), len(assets), nil)
	filled := 0
	for rows.Next() {
		var day, symbol string
		var value float64
		if err := rows.Scan(&day, &symbol, &value); err != nil {
			return nil, fmt.Errorf("failed to scan return row: %w", err)
		}
		i, okDate := dateIdx[day]
		j, okSym := assetIdx[symbol]
		if !okDate || !okSym {
			return nil, &domain.DataError{
				Op:  "load series",
				Msg: fmt.Sprintf("stray return row for %s at %s", symbol, day),
			}
		}
		returns.Set(i, j, value)
		filled++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating returns: %w", err)
	}
	if filled != len(dates)*len(assets) {
		return nil, &domain.DataError{
			Op:  "load series",
			Msg: fmt.Sprintf("expected %d return cells, found %d", len(dates)*len(assets), filled),
		}
	}
	return returns, nil
}
