package reporting

import (
	"fmt"
	"time"

	"github.com/vicanso/go-charts/v2"

	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/riskmetrics"
)

const (
	chartWidth  = 1000
	chartHeight = 600
)

// FrontierChart renders achieved return against risk along the frontier
// as a PNG.
func FrontierChart(points []domain.FrontierPoint) ([]byte, error) {
	if len(points) < 2 {
		return nil, &domain.DataError{
			Op:  "frontier chart",
			Msg: fmt.Sprintf("need at least 2 points, got %d", len(points)),
		}
	}
	values := make([]float64, len(points))
	labels := make([]string, len(points))
	for i, p := range points {
		values[i] = p.AchievedReturn * 100
		labels[i] = fmt.Sprintf("%.2f%%", p.Risk*100)
	}

	p, err := charts.LineRender(
		[][]float64{values},
		charts.TitleTextOptionFunc("Efficient Frontier"),
		charts.XAxisOptionFunc(charts.XAxisOption{
			Data:        labels,
			BoundaryGap: charts.FalseFlag(),
			SplitNumber: 10,
		}),
		charts.YAxisOptionFunc(charts.YAxisOption{}),
		charts.ThemeOptionFunc(charts.ThemeLight),
		charts.WidthOptionFunc(chartWidth),
		charts.HeightOptionFunc(chartHeight),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render frontier chart: %w", err)
	}
	buf, err := p.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode frontier chart: %w", err)
	}
	return buf, nil
}

// DrawdownChart renders the drawdown curve of a portfolio return path as
// a PNG. Drawdowns plot as negative percentages so the curve dips below
// zero.
func DrawdownChart(dates []time.Time, portfolioReturns []float64) ([]byte, error) {
	if len(dates) != len(portfolioReturns) {
		return nil, &domain.DataError{
			Op:  "drawdown chart",
			Msg: fmt.Sprintf("%d dates for %d returns", len(dates), len(portfolioReturns)),
		}
	}
	if len(portfolioReturns) < 2 {
		return nil, &domain.DataError{Op: "drawdown chart", Msg: "need at least 2 periods"}
	}

	drawdowns := riskmetrics.DrawdownSeries(portfolioReturns)
	values := make([]float64, len(drawdowns))
	labels := make([]string, len(drawdowns))
	for i, d := range drawdowns {
		values[i] = -d * 100
		labels[i] = dates[i].Format("2006-01-02")
	}

	p, err := charts.LineRender(
		[][]float64{values},
		charts.TitleTextOptionFunc("Portfolio Drawdown"),
		charts.XAxisOptionFunc(charts.XAxisOption{
			Data:        labels,
			BoundaryGap: charts.FalseFlag(),
			SplitNumber: 8,
		}),
		charts.YAxisOptionFunc(charts.YAxisOption{}),
		charts.ThemeOptionFunc(charts.ThemeLight),
		charts.WidthOptionFunc(chartWidth),
		charts.HeightOptionFunc(chartHeight),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render drawdown chart: %w", err)
	}
	buf, err := p.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode drawdown chart: %w", err)
	}
	return buf, nil
}

// WeightEvolutionChart renders one line per asset across rebalance
// cycles as a PNG. series[j] carries asset j's weight at each date.
func WeightEvolutionChart(assets []string, dates []time.Time, series [][]float64) ([]byte, error) {
	if len(assets) != len(series) {
		return nil, &domain.DataError{
			Op:  "weight evolution chart",
			Msg: fmt.Sprintf("%d series for %d assets", len(series), len(assets)),
		}
	}
	if len(dates) < 2 {
		return nil, &domain.DataError{Op: "weight evolution chart", Msg: "need at least 2 cycles"}
	}
	values := make([][]float64, len(series))
	for j, s := range series {
		if len(s) != len(dates) {
			return nil, &domain.DataError{
				Op:  "weight evolution chart",
				Msg: fmt.Sprintf("series %s has %d points for %d dates", assets[j], len(s), len(dates)),
			}
		}
		scaled := make([]float64, len(s))
		for i, v := range s {
			scaled[i] = v * 100
		}
		values[j] = scaled
	}
	labels := make([]string, len(dates))
	for i, d := range dates {
		labels[i] = d.Format("2006-01-02")
	}

	p, err := charts.LineRender(
		values,
		charts.TitleTextOptionFunc("Weight Evolution"),
		charts.XAxisOptionFunc(charts.XAxisOption{
			Data:        labels,
			BoundaryGap: charts.FalseFlag(),
			SplitNumber: 8,
		}),
		charts.LegendOptionFunc(charts.LegendOption{
			Data: assets,
			Top:  charts.PositionTop,
		}),
		charts.YAxisOptionFunc(charts.YAxisOption{}),
		charts.ThemeOptionFunc(charts.ThemeLight),
		charts.WidthOptionFunc(chartWidth),
		charts.HeightOptionFunc(chartHeight),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render weight evolution chart: %w", err)
	}
	buf, err := p.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode weight evolution chart: %w", err)
	}
	return buf, nil
}
