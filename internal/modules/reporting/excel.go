package reporting

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/rebalance"
)

const (
	weightsSheet  = "Weights"
	frontierSheet = "Frontier"
	cyclesSheet   = "Cycles"
	riskSheet     = "Risk"
)

// WorkbookData bundles everything the XLSX export renders. Nil or empty
// sections leave their sheet with headers only; a nil Risk leaves the
// risk sheet empty.
type WorkbookData struct {
	Assets   []string
	Sectors  map[string]string
	Weights  []float64
	Frontier []domain.FrontierPoint
	Cycles   []rebalance.CycleRecord
	Risk     *domain.PortfolioRisk
}

type workbookStyles struct {
	header  int
	percent int
	number  int
}

// WriteWorkbook writes the four-sheet analysis workbook to path.
func WriteWorkbook(path string, data WorkbookData) error {
	if len(data.Assets) != len(data.Weights) {
		return &domain.DataError{
			Op:  "workbook export",
			Msg: fmt.Sprintf("%d weights for %d assets", len(data.Weights), len(data.Assets)),
		}
	}

	fx := excelize.NewFile()
	defer fx.Close()

	fx.SetSheetName(fx.GetSheetName(0), weightsSheet)
	for _, sheet := range []string{frontierSheet, cyclesSheet, riskSheet} {
		if _, err := fx.NewSheet(sheet); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
		}
	}

	styles, err := newWorkbookStyles(fx)
	if err != nil {
		return err
	}
	if err := writeWeightsSheet(fx, data, styles); err != nil {
		return err
	}
	if err := writeFrontierSheet(fx, data.Frontier, styles); err != nil {
		return err
	}
	if err := writeCyclesSheet(fx, data.Cycles, styles); err != nil {
		return err
	}
	if err := writeRiskSheet(fx, data.Risk, styles); err != nil {
		return err
	}

	if err := fx.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", path, err)
	}
	return nil
}

func newWorkbookStyles(fx *excelize.File) (workbookStyles, error) {
	var styles workbookStyles
	var err error

	styles.header, err = fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
		},
	})
	if err != nil {
		return styles, fmt.Errorf("failed to create header style: %w", err)
	}

	styles.percent, err = fx.NewStyle(&excelize.Style{
		NumFmt: 10, // 0.00%
		Alignment: &excelize.Alignment{
			Horizontal: "right",
		},
	})
	if err != nil {
		return styles, fmt.Errorf("failed to create percent style: %w", err)
	}

	styles.number, err = fx.NewStyle(&excelize.Style{
		NumFmt: 4, // #,##0.00
		Alignment: &excelize.Alignment{
			Horizontal: "right",
		},
	})
	if err != nil {
		return styles, fmt.Errorf("failed to create number style: %w", err)
	}
	return styles, nil
}

func writeHeader(fx *excelize.File, sheet string, headers []string, style int) error {
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := fx.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
		if err := fx.SetCellStyle(sheet, cell, cell, style); err != nil {
			return err
		}
	}
	return nil
}

func writeWeightsSheet(fx *excelize.File, data WorkbookData, styles workbookStyles) error {
	fx.SetColWidth(weightsSheet, "A", "A", 12)
	fx.SetColWidth(weightsSheet, "B", "B", 16)
	fx.SetColWidth(weightsSheet, "C", "C", 12)
	if err := writeHeader(fx, weightsSheet, []string{"Symbol", "Sector", "Weight"}, styles.header); err != nil {
		return err
	}
	for i, symbol := range data.Assets {
		row := i + 2
		fx.SetCellValue(weightsSheet, fmt.Sprintf("A%d", row), symbol)
		fx.SetCellValue(weightsSheet, fmt.Sprintf("B%d", row), data.Sectors[symbol])
		cell := fmt.Sprintf("C%d", row)
		fx.SetCellValue(weightsSheet, cell, data.Weights[i])
		fx.SetCellStyle(weightsSheet, cell, cell, styles.percent)
	}
	return nil
}

func writeFrontierSheet(fx *excelize.File, points []domain.FrontierPoint, styles workbookStyles) error {
	fx.SetColWidth(frontierSheet, "A", "C", 16)
	if err := writeHeader(fx, frontierSheet, []string{"Target Return", "Risk", "Achieved Return"}, styles.header); err != nil {
		return err
	}
	for i, p := range points {
		row := i + 2
		fx.SetCellValue(frontierSheet, fmt.Sprintf("A%d", row), p.TargetReturn)
		fx.SetCellValue(frontierSheet, fmt.Sprintf("B%d", row), p.Risk)
		fx.SetCellValue(frontierSheet, fmt.Sprintf("C%d", row), p.AchievedReturn)
		fx.SetCellStyle(frontierSheet, fmt.Sprintf("A%d", row), fmt.Sprintf("C%d", row), styles.percent)
	}
	return nil
}

func writeCyclesSheet(fx *excelize.File, records []rebalance.CycleRecord, styles workbookStyles) error {
	fx.SetColWidth(cyclesSheet, "A", "A", 8)
	fx.SetColWidth(cyclesSheet, "B", "B", 12)
	fx.SetColWidth(cyclesSheet, "C", "C", 12)
	fx.SetColWidth(cyclesSheet, "D", "F", 14)
	fx.SetColWidth(cyclesSheet, "G", "G", 44)
	headers := []string{"Period", "Date", "Status", "Turnover", "Cost", "Expected Gain", "Reason"}
	if err := writeHeader(fx, cyclesSheet, headers, styles.header); err != nil {
		return err
	}
	for i, r := range records {
		row := i + 2
		fx.SetCellValue(cyclesSheet, fmt.Sprintf("A%d", row), r.PeriodIndex)
		fx.SetCellValue(cyclesSheet, fmt.Sprintf("B%d", row), r.TriggerDate)
		fx.SetCellValue(cyclesSheet, fmt.Sprintf("C%d", row), r.Status)
		fx.SetCellValue(cyclesSheet, fmt.Sprintf("D%d", row), r.Turnover)
		fx.SetCellValue(cyclesSheet, fmt.Sprintf("E%d", row), r.Cost)
		fx.SetCellValue(cyclesSheet, fmt.Sprintf("F%d", row), r.ExpectedGain)
		fx.SetCellValue(cyclesSheet, fmt.Sprintf("G%d", row), r.Reason)
		fx.SetCellStyle(cyclesSheet, fmt.Sprintf("D%d", row), fmt.Sprintf("F%d", row), styles.percent)
	}
	return nil
}

func writeRiskSheet(fx *excelize.File, risk *domain.PortfolioRisk, styles workbookStyles) error {
	fx.SetColWidth(riskSheet, "A", "A", 24)
	fx.SetColWidth(riskSheet, "B", "B", 14)
	if err := writeHeader(fx, riskSheet, []string{"Metric", "Value"}, styles.header); err != nil {
		return err
	}
	if risk == nil {
		return nil
	}

	type metric struct {
		name    string
		value   float64
		percent bool
	}
	metrics := []metric{
		{"Value at Risk", risk.ValueAtRisk, true},
		{"Expected Shortfall", risk.ExpectedShortfall, true},
		{"Sharpe Ratio", risk.SharpeRatio, false},
		{"Sortino Ratio", risk.SortinoRatio, false},
		{"Treynor Ratio", risk.TreynorRatio, false},
		{"Information Ratio", risk.InformationRatio, false},
		{"Beta", risk.Beta, false},
		{"Alpha", risk.Alpha, true},
		{"Maximum Drawdown", risk.MaxDrawdown, true},
		{"Annualized Return", risk.AnnualizedReturn, true},
		{"Annualized Volatility", risk.AnnualizedVolatility, true},
		{"Monthly Volatility", risk.MonthlyVolatility, true},
		{"Daily Volatility", risk.DailyVolatility, true},
		{"Tracking Error", risk.TrackingError, true},
	}
	for i, m := range metrics {
		row := i + 2
		fx.SetCellValue(riskSheet, fmt.Sprintf("A%d", row), m.name)
		cell := fmt.Sprintf("B%d", row)
		fx.SetCellValue(riskSheet, cell, m.value)
		style := styles.number
		if m.percent {
			style = styles.percent
		}
		fx.SetCellStyle(riskSheet, cell, cell, style)
	}
	return nil
}
