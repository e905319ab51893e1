// Package reporting renders portfolio results as console tables, CSV and
// XLSX exports and PNG charts.
package reporting

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/attribution"
	"github.com/ballastlab/ballast/internal/modules/constraints"
	"github.com/ballastlab/ballast/internal/modules/costs"
	"github.com/ballastlab/ballast/internal/modules/dataset"
	"github.com/ballastlab/ballast/internal/modules/rebalance"
	"github.com/ballastlab/ballast/internal/modules/stress"
)

// Console writes rounded summary tables to one destination.
type Console struct {
	w io.Writer
}

// NewConsole builds a console reporter writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(c.w)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	return t
}

func percent(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

func ratio(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

// Weights prints the holdings with sector labels and a weight total.
func (c *Console) Weights(assets []string, sectors map[string]string, weights []float64) error {
	if len(assets) != len(weights) {
		return &domain.DataError{
			Op:  "weights table",
			Msg: fmt.Sprintf("%d weights for %d assets", len(weights), len(assets)),
		}
	}
	t := c.newTable("PORTFOLIO WEIGHTS")
	t.AppendHeader(table.Row{"Symbol", "Sector", "Weight"})
	var total float64
	for i, symbol := range assets {
		sector := sectors[symbol]
		if sector == "" {
			sector = "-"
		}
		t.AppendRow(table.Row{symbol, sector, percent(weights[i])})
		total += weights[i]
	}
	t.AppendFooter(table.Row{"Total", "", percent(total)})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight, AlignFooter: text.AlignRight},
	})
	t.Render()
	return nil
}

// Risk prints the full risk record in the detailed report order.
func (c *Console) Risk(risk *domain.PortfolioRisk) {
	t := c.newTable("RISK METRICS")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Value at Risk", percent(risk.ValueAtRisk)},
		{"Expected Shortfall", percent(risk.ExpectedShortfall)},
		{"Sharpe Ratio", ratio(risk.SharpeRatio)},
		{"Sortino Ratio", ratio(risk.SortinoRatio)},
		{"Treynor Ratio", ratio(risk.TreynorRatio)},
		{"Information Ratio", ratio(risk.InformationRatio)},
		{"Beta", ratio(risk.Beta)},
		{"Alpha", percent(risk.Alpha)},
		{"Maximum Drawdown", percent(risk.MaxDrawdown)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Annualized Return", percent(risk.AnnualizedReturn)},
		{"Annualized Volatility", percent(risk.AnnualizedVolatility)},
		{"Monthly Volatility", percent(risk.MonthlyVolatility)},
		{"Daily Volatility", percent(risk.DailyVolatility)},
		{"Tracking Error", percent(risk.TrackingError)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
	})
	t.Render()
}

// Frontier prints the solved frontier points.
func (c *Console) Frontier(points []domain.FrontierPoint) {
	t := c.newTable("EFFICIENT FRONTIER")
	t.AppendHeader(table.Row{"Target Return", "Risk", "Achieved Return"})
	for _, p := range points {
		t.AppendRow(table.Row{percent(p.TargetReturn), percent(p.Risk), percent(p.AchievedReturn)})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
	})
	t.Render()
}

// Cycles prints persisted rebalance cycles, newest first when the input
// comes ordered that way.
func (c *Console) Cycles(records []rebalance.CycleRecord) {
	t := c.newTable("REBALANCE CYCLES")
	t.AppendHeader(table.Row{"Period", "Date", "Status", "Turnover", "Cost", "Expected Gain", "Reason"})
	for _, r := range records {
		t.AppendRow(table.Row{
			r.PeriodIndex,
			r.TriggerDate,
			r.Status,
			percent(r.Turnover),
			percent(r.Cost),
			percent(r.ExpectedGain),
			r.Reason,
		})
	}
	t.Render()
}

// Costs prints the itemized estimate of one priced transition in
// currency terms.
func (c *Console) Costs(assets []string, detail *costs.Breakdown) error {
	t := c.newTable("TRANSACTION COSTS")
	t.AppendHeader(table.Row{"Symbol", "Trade Value", "Commission", "Impact", "Slippage", "Total"})
	for _, a := range detail.Assets {
		if a.Index < 0 || a.Index >= len(assets) {
			return &domain.DataError{
				Op:  "cost table",
				Msg: fmt.Sprintf("asset index %d outside %d assets", a.Index, len(assets)),
			}
		}
		t.AppendRow(table.Row{
			assets[a.Index],
			money(a.TradeValue),
			money(a.Commission),
			money(a.Impact),
			money(a.Slippage),
			money(a.Total()),
		})
	}
	t.AppendFooter(table.Row{"Total", "", money(detail.Commission), money(detail.Impact), money(detail.Slippage), money(detail.Total)})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight, AlignFooter: text.AlignRight},
		{Number: 4, Align: text.AlignRight, AlignFooter: text.AlignRight},
		{Number: 5, Align: text.AlignRight, AlignFooter: text.AlignRight},
		{Number: 6, Align: text.AlignRight, AlignFooter: text.AlignRight},
	})
	t.Render()
	return nil
}

func money(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

// Stress prints per-scenario figures.
func (c *Console) Stress(results []stress.Result) {
	t := c.newTable("STRESS SCENARIOS")
	t.AppendHeader(table.Row{"Scenario", "Return", "Max Drawdown", "Volatility", "VaR", "ES"})
	for _, r := range results {
		t.AppendRow(table.Row{
			r.Scenario,
			percent(r.PortfolioReturn),
			percent(r.MaxDrawdown),
			percent(r.AnnualizedVolatility),
			percent(r.ValueAtRisk),
			percent(r.ExpectedShortfall),
		})
	}
	t.Render()
}

// Attribution prints the sector decomposition with effect totals.
func (c *Console) Attribution(report *attribution.Report) {
	t := c.newTable("PERFORMANCE ATTRIBUTION")
	t.AppendHeader(table.Row{"Sector", "Port. Weight", "Bench. Weight", "Allocation", "Selection", "Interaction", "Total"})
	for _, s := range report.Sectors {
		t.AppendRow(table.Row{
			s.Sector,
			percent(s.PortfolioWeight),
			percent(s.BenchmarkWeight),
			percent(s.Allocation),
			percent(s.Selection),
			percent(s.Interaction),
			percent(s.Total()),
		})
	}
	t.AppendFooter(table.Row{
		"Active Return",
		"",
		"",
		percent(report.Allocation),
		percent(report.Selection),
		percent(report.Interaction),
		percent(report.ActiveReturn),
	})
	t.Render()
}

// Violations prints the outcome of a constraint check.
func (c *Console) Violations(status constraints.Status) {
	t := c.newTable("CONSTRAINT CHECK")
	if status.AllMet() {
		t.AppendRow(table.Row{"all constraints satisfied"})
		t.Render()
		return
	}
	t.AppendHeader(table.Row{"Violation"})
	for _, v := range status.Violations {
		t.AppendRow(table.Row{v})
	}
	t.Render()
}

// Diagnostics prints per-asset indicator readings, marking indicators
// the history is too short for.
func (c *Console) Diagnostics(diags []dataset.Diagnostics) {
	t := c.newTable("ASSET DIAGNOSTICS")
	t.AppendHeader(table.Row{"Symbol", "RSI(14)", "Momentum(10)", "SMA(20) Trend"})
	for _, d := range diags {
		t.AppendRow(table.Row{
			d.Symbol,
			optional(d.RSI, "%.1f"),
			optionalPercentPoints(d.Momentum),
			optionalTrend(d.SMATrend),
		})
	}
	t.Render()
}

func optional(v *float64, format string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf(format, *v)
}

func optionalPercentPoints(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", *v)
}

func optionalTrend(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return percent(*v)
}
