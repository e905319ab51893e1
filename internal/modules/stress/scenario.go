// Package stress applies deterministic shock scenarios to a historical
// return window and reports the portfolio figures under each.
package stress

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ballastlab/ballast/internal/domain"
)

// Scenario is one deterministic shock. Shocks are per period: MarketShock
// shifts every asset's return each period, AssetShocks adds a per-symbol
// shift on top. VolatilityScale multiplies each asset's dispersion around
// its shifted mean (0 means leave it unchanged). CorrelationShift in
// [0, 1] blends all assets toward a common movement, 1 meaning perfect
// co-movement.
type Scenario struct {
	Name             string             `yaml:"name" json:"name"`
	MarketShock      float64            `yaml:"market_shock" json:"market_shock"`
	AssetShocks      map[string]float64 `yaml:"asset_shocks,omitempty" json:"asset_shocks,omitempty"`
	VolatilityScale  float64            `yaml:"volatility_scale" json:"volatility_scale"`
	CorrelationShift float64            `yaml:"correlation_shift" json:"correlation_shift"`
}

func (s Scenario) validate() error {
	if s.Name == "" {
		return &domain.ConfigurationError{Field: "name", Msg: "scenario needs a name"}
	}
	if s.VolatilityScale < 0 {
		return &domain.ConfigurationError{
			Field: "volatilityScale",
			Msg:   fmt.Sprintf("must be non-negative, got %g", s.VolatilityScale),
		}
	}
	if s.CorrelationShift < 0 || s.CorrelationShift > 1 {
		return &domain.ConfigurationError{
			Field: "correlationShift",
			Msg:   fmt.Sprintf("must be in [0, 1], got %g", s.CorrelationShift),
		}
	}
	return nil
}

// normalized treats an omitted volatility scale as 1.
func (s Scenario) normalized() Scenario {
	if s.VolatilityScale == 0 {
		s.VolatilityScale = 1
	}
	return s
}

type scenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadScenarios reads a YAML scenario set from disk and validates every
// entry.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	var file scenarioFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse scenario file: %w", err)
	}
	if len(file.Scenarios) == 0 {
		return nil, &domain.ConfigurationError{
			Field: "scenarios",
			Msg:   fmt.Sprintf("%s defines no scenarios", path),
		}
	}
	for i := range file.Scenarios {
		if err := file.Scenarios[i].validate(); err != nil {
			return nil, fmt.Errorf("scenario %d: %w", i+1, err)
		}
	}
	return file.Scenarios, nil
}

// Presets returns the built-in scenario set. The sector rotation preset
// needs at least two distinct sectors and is dropped otherwise.
func Presets(sectors map[string]string) []Scenario {
	out := []Scenario{
		{Name: "2008 financial crisis", MarketShock: -0.02, VolatilityScale: 2.5, CorrelationShift: 0.6},
		{Name: "rate shock", MarketShock: -0.005, VolatilityScale: 1.4, CorrelationShift: 0.25},
	}
	if rotation, ok := sectorRotation(sectors); ok {
		out = append(out, rotation)
	}
	return out
}

// sectorRotation tilts returns out of the alphabetically first sector and
// into the last, leaving the market level roughly unchanged.
func sectorRotation(sectors map[string]string) (Scenario, bool) {
	seen := make(map[string]bool)
	var names []string
	for _, sector := range sectors {
		if sector != "" && !seen[sector] {
			seen[sector] = true
			names = append(names, sector)
		}
	}
	if len(names) < 2 {
		return Scenario{}, false
	}
	sort.Strings(names)
	from, to := names[0], names[len(names)-1]

	shocks := make(map[string]float64)
	for symbol, sector := range sectors {
		switch sector {
		case from:
			shocks[symbol] = -0.004
		case to:
			shocks[symbol] = 0.004
		}
	}
	return Scenario{
		Name:             fmt.Sprintf("sector rotation %s to %s", from, to),
		AssetShocks:      shocks,
		VolatilityScale:  1.2,
		CorrelationShift: 0.1,
	}, true
}
