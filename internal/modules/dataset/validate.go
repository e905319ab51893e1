package dataset

import (
	"fmt"
	"math"
	"time"

	"github.com/ballastlab/ballast/internal/domain"
)

const (
	// maxCalendarGapDays bounds the spacing between consecutive
	// observations. A normal weekend plus a holiday fits; anything
	// longer means missing history.
	maxCalendarGapDays = 5
	outlierSigmas      = 5.0
)

// ValidateContinuity fails on calendar gaps longer than five days
// between consecutive observation dates.
func ValidateContinuity(dates []time.Time) error {
	for i := 1; i < len(dates); i++ {
		gap := dates[i].Sub(dates[i-1])
		if gap > maxCalendarGapDays*24*time.Hour {
			return &domain.DataError{
				Op: "validate dates",
				Msg: fmt.Sprintf("gap of %d days between %s and %s",
					int(gap.Hours()/24), dates[i-1].Format(dateLayout), dates[i].Format(dateLayout)),
			}
		}
		if !dates[i].After(dates[i-1]) {
			return &domain.DataError{
				Op:  "validate dates",
				Msg: fmt.Sprintf("dates not strictly increasing at %s", dates[i].Format(dateLayout)),
			}
		}
	}
	return nil
}

// OutlierWarnings flags returns more than five standard deviations from
// the asset's mean. Outliers are reported, never rejected: a crash day
// is data, not an error.
func OutlierWarnings(series *domain.ReturnSeries) []string {
	var warnings []string
	dates := series.Dates()
	assets := series.Assets()
	for j, symbol := range assets {
		col := series.AssetReturns(j)
		mean, sigma := populationMoments(col)
		if sigma == 0 {
			continue
		}
		for i, v := range col {
			if math.Abs(v-mean) > outlierSigmas*sigma {
				warnings = append(warnings, fmt.Sprintf("outlier in %s at %s: return %.4f",
					symbol, dates[i].Format(dateLayout), v))
			}
		}
	}
	return warnings
}

// Validate runs the input hygiene pass: continuity problems are fatal,
// outliers come back as warnings for the caller to log.
func Validate(series *domain.ReturnSeries) ([]string, error) {
	if err := ValidateContinuity(series.Dates()); err != nil {
		return nil, err
	}
	return OutlierWarnings(series), nil
}

func populationMoments(xs []float64) (mean, sigma float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, v := range xs {
		mean += v
	}
	mean /= float64(len(xs))
	var variance float64
	for _, v := range xs {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}
