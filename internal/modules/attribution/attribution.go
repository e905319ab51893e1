// Package attribution decomposes active return over sectors with the
// Brinson-Fachler scheme: allocation rewards overweighting sectors that
// beat the benchmark total, selection rewards beating the benchmark
// within a sector, interaction carries the cross term.
package attribution

import (
	"fmt"
	"math"
	"sort"

	"github.com/ballastlab/ballast/internal/domain"
)

// unclassifiedSector buckets assets missing from the sector map.
const unclassifiedSector = "unclassified"

// weightSumTol bounds the acceptable drift of a weight vector from 1.
const weightSumTol = 1e-6

// sectorWeightEps is the smallest aggregate weight that still defines a
// sector return; below it the benchmark-side convention applies.
const sectorWeightEps = 1e-12

// SectorEffect is the attribution line for one sector. Returns are
// buy-and-hold over the analyzed window.
type SectorEffect struct {
	Sector          string  `json:"sector"`
	PortfolioWeight float64 `json:"portfolio_weight"`
	BenchmarkWeight float64 `json:"benchmark_weight"`
	PortfolioReturn float64 `json:"portfolio_return"`
	BenchmarkReturn float64 `json:"benchmark_return"`
	Allocation      float64 `json:"allocation"`
	Selection       float64 `json:"selection"`
	Interaction     float64 `json:"interaction"`
}

// Total is the sector's full contribution to active return.
func (e SectorEffect) Total() float64 {
	return e.Allocation + e.Selection + e.Interaction
}

// Report is the full Brinson-Fachler decomposition. The three effect
// totals sum to ActiveReturn exactly.
type Report struct {
	Sectors         []SectorEffect `json:"sectors"`
	PortfolioReturn float64        `json:"portfolio_return"`
	BenchmarkReturn float64        `json:"benchmark_return"`
	ActiveReturn    float64        `json:"active_return"`
	Allocation      float64        `json:"allocation"`
	Selection       float64        `json:"selection"`
	Interaction     float64        `json:"interaction"`
}

// Analyze attributes the active return of the portfolio weights against
// the benchmark weights over the full span of the series. Both vectors
// are start-of-window holdings kept for the whole window; asset returns
// compound across periods.
func Analyze(series *domain.ReturnSeries, sectors map[string]string, portfolio, benchmark []float64) (*Report, error) {
	n := series.NumAssets()
	if len(portfolio) != n {
		return nil, &domain.DataError{
			Op:  "attribution",
			Msg: fmt.Sprintf("%d portfolio weights for %d assets", len(portfolio), n),
		}
	}
	if len(benchmark) != n {
		return nil, &domain.DataError{
			Op:  "attribution",
			Msg: fmt.Sprintf("%d benchmark weights for %d assets", len(benchmark), n),
		}
	}
	if series.Periods() == 0 {
		return nil, &domain.DataError{Op: "attribution", Msg: "empty return window"}
	}
	if err := checkWeightSum("portfolio", portfolio); err != nil {
		return nil, err
	}
	if err := checkWeightSum("benchmark", benchmark); err != nil {
		return nil, err
	}

	assetReturns := make([]float64, n)
	for j := 0; j < n; j++ {
		compound := 1.0
		for t := 0; t < series.Periods(); t++ {
			compound *= 1 + series.At(t, j)
		}
		assetReturns[j] = compound - 1
	}

	groups := make(map[string][]int)
	for j, symbol := range series.Assets() {
		sector := sectors[symbol]
		if sector == "" {
			sector = unclassifiedSector
		}
		groups[sector] = append(groups[sector], j)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	report := &Report{Sectors: make([]SectorEffect, 0, len(names))}
	type sectorFigures struct {
		pWeight, bWeight float64
		pSum, bSum       float64
		pReturn, bReturn float64
		pDefined         bool
		bDefined         bool
	}
	figures := make([]sectorFigures, len(names))

	for i, name := range names {
		f := &figures[i]
		for _, j := range groups[name] {
			f.pWeight += portfolio[j]
			f.bWeight += benchmark[j]
			f.pSum += portfolio[j] * assetReturns[j]
			f.bSum += benchmark[j] * assetReturns[j]
		}
		if math.Abs(f.pWeight) > sectorWeightEps {
			f.pReturn = f.pSum / f.pWeight
			f.pDefined = true
		}
		if math.Abs(f.bWeight) > sectorWeightEps {
			f.bReturn = f.bSum / f.bWeight
			f.bDefined = true
		}
		report.PortfolioReturn += f.pSum
		report.BenchmarkReturn += f.bSum
	}
	report.ActiveReturn = report.PortfolioReturn - report.BenchmarkReturn

	for i, name := range names {
		f := figures[i]
		// A sector held on only one side inherits the other side's
		// return, zeroing the effects that need the missing figure.
		bReturn := f.bReturn
		if !f.bDefined {
			bReturn = report.BenchmarkReturn
		}
		pReturn := f.pReturn
		if !f.pDefined {
			pReturn = bReturn
		}

		// The sector's exact active contribution; interaction takes
		// the residual so the three effects always sum to it.
		total := f.pSum - f.bSum - (f.pWeight-f.bWeight)*report.BenchmarkReturn
		allocation := (f.pWeight - f.bWeight) * (bReturn - report.BenchmarkReturn)
		selection := f.bWeight * (pReturn - bReturn)

		effect := SectorEffect{
			Sector:          name,
			PortfolioWeight: f.pWeight,
			BenchmarkWeight: f.bWeight,
			PortfolioReturn: pReturn,
			BenchmarkReturn: bReturn,
			Allocation:      allocation,
			Selection:       selection,
			Interaction:     total - allocation - selection,
		}
		report.Allocation += effect.Allocation
		report.Selection += effect.Selection
		report.Interaction += effect.Interaction
		report.Sectors = append(report.Sectors, effect)
	}
	return report, nil
}

func checkWeightSum(side string, weights []float64) error {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if math.Abs(sum-1) > weightSumTol {
		return &domain.DataError{
			Op:  "attribution",
			Msg: fmt.Sprintf("%s weights sum to %.6f", side, sum),
		}
	}
	return nil
}
