package rebalance

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ballastlab/ballast/internal/database"
	"github.com/ballastlab/ballast/internal/domain"
)

// History persists cycle outcomes, weights, trades and risk snapshots to
// the history database.
type History struct {
	db     *sql.DB
	assets []string
	log    zerolog.Logger
}

// NewHistory creates a history accessor for a fixed asset ordering.
func NewHistory(db *sql.DB, assets []string, log zerolog.Logger) *History {
	return &History{
		db:     db,
		assets: append([]string(nil), assets...),
		log:    log.With().Str("component", "rebalance_history").Logger(),
	}
}

// CycleRecord is one persisted rebalance cycle.
type CycleRecord struct {
	ID           string  `json:"id"`
	PeriodIndex  int     `json:"period_index"`
	TriggerDate  string  `json:"trigger_date"`
	Status       string  `json:"status"`
	Reason       string  `json:"reason,omitempty"`
	Turnover     float64 `json:"turnover"`
	Cost         float64 `json:"cost"`
	ExpectedGain float64 `json:"expected_gain"`
	CreatedAt    string  `json:"created_at"`
}

// WeightPoint is one asset weight at one recorded cycle.
type WeightPoint struct {
	CycleID     string  `json:"cycle_id"`
	TriggerDate string  `json:"trigger_date"`
	Weight      float64 `json:"weight"`
}

// Record stores a cycle with its weight vector, trades and optional risk
// snapshot in one transaction. Returns the generated cycle id.
func (h *History) Record(cycle *Cycle, risk *domain.PortfolioRisk) (string, error) {
	if len(cycle.Weights) != len(h.assets) {
		return "", &domain.DataError{
			Op:  "record cycle",
			Msg: fmt.Sprintf("cycle has %d weights, history tracks %d assets", len(cycle.Weights), len(h.assets)),
		}
	}

	id := uuid.New().String()
	err := database.WithTransaction(h.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO rebalance_cycles (id, period_index, trigger_date, status, reason, turnover, cost, expected_gain)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, cycle.PeriodIndex, cycle.Date.Format("2006-01-02"), string(cycle.Status), cycle.Reason,
			cycle.Turnover, cycle.Cost, cycle.ExpectedGain)
		if err != nil {
			return fmt.Errorf("failed to insert cycle: %w", err)
		}

		for i, symbol := range h.assets {
			if _, err := tx.Exec(`
				INSERT INTO cycle_weights (cycle_id, symbol, weight) VALUES (?, ?, ?)
			`, id, symbol, cycle.Weights[i]); err != nil {
				return fmt.Errorf("failed to insert weight for %s: %w", symbol, err)
			}
		}

		for _, trade := range cycle.Trades {
			if _, err := tx.Exec(`
				INSERT INTO trades (cycle_id, symbol, side, weight_delta, amount)
				VALUES (?, ?, ?, ?, ?)
			`, id, trade.Symbol, trade.Side, trade.WeightDelta, trade.Amount); err != nil {
				return fmt.Errorf("failed to insert trade for %s: %w", trade.Symbol, err)
			}
		}

		if risk != nil {
			payload, err := json.Marshal(risk)
			if err != nil {
				return fmt.Errorf("failed to marshal risk snapshot: %w", err)
			}
			if _, err := tx.Exec(`
				INSERT INTO risk_snapshots (cycle_id, payload) VALUES (?, ?)
			`, id, string(payload)); err != nil {
				return fmt.Errorf("failed to insert risk snapshot: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	h.log.Debug().
		Str("cycle_id", id).
		Int("period", cycle.PeriodIndex).
		Str("status", string(cycle.Status)).
		Msg("Recorded rebalance cycle")
	return id, nil
}

// Cycles returns the most recent cycles, newest first.
func (h *History) Cycles(limit int) ([]CycleRecord, error) {
	rows, err := h.db.Query(`
		SELECT id, period_index, trigger_date, status, COALESCE(reason, ''), turnover, cost, expected_gain, created_at
		FROM rebalance_cycles
		ORDER BY period_index DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var records []CycleRecord
	for rows.Next() {
		var r CycleRecord
		if err := rows.Scan(&r.ID, &r.PeriodIndex, &r.TriggerDate, &r.Status, &r.Reason,
			&r.Turnover, &r.Cost, &r.ExpectedGain, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycles: %w", err)
	}
	return records, nil
}

// LatestCommitted returns the most recent committed cycle, or nil when
// nothing has committed yet.
func (h *History) LatestCommitted() (*CycleRecord, error) {
	row := h.db.QueryRow(`
		SELECT id, period_index, trigger_date, status, COALESCE(reason, ''), turnover, cost, expected_gain, created_at
		FROM rebalance_cycles
		WHERE status = ?
		ORDER BY period_index DESC
		LIMIT 1
	`, string(StatusCommitted))

	var r CycleRecord
	err := row.Scan(&r.ID, &r.PeriodIndex, &r.TriggerDate, &r.Status, &r.Reason,
		&r.Turnover, &r.Cost, &r.ExpectedGain, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest committed cycle: %w", err)
	}
	return &r, nil
}

// CycleWeights returns the weight vector recorded for a cycle, keyed by
// symbol.
func (h *History) CycleWeights(cycleID string) (map[string]float64, error) {
	rows, err := h.db.Query(`SELECT symbol, weight FROM cycle_weights WHERE cycle_id = ?`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle weights: %w", err)
	}
	defer rows.Close()

	weights := make(map[string]float64)
	for rows.Next() {
		var symbol string
		var weight float64
		if err := rows.Scan(&symbol, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan cycle weight: %w", err)
		}
		weights[symbol] = weight
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle weights: %w", err)
	}
	return weights, nil
}

// TradesFor returns the trades recorded for a cycle.
func (h *History) TradesFor(cycleID string) ([]Trade, error) {
	rows, err := h.db.Query(`
		SELECT symbol, side, weight_delta, amount FROM trades WHERE cycle_id = ? ORDER BY id
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.Symbol, &t.Side, &t.WeightDelta, &t.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}

// RiskSnapshot returns the risk record stored for a cycle, or nil when
// none was captured.
func (h *History) RiskSnapshot(cycleID string) (*domain.PortfolioRisk, error) {
	var payload string
	err := h.db.QueryRow(`SELECT payload FROM risk_snapshots WHERE cycle_id = ?`, cycleID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query risk snapshot: %w", err)
	}

	var risk domain.PortfolioRisk
	if err := json.Unmarshal([]byte(payload), &risk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal risk snapshot: %w", err)
	}
	return &risk, nil
}

// WeightSeries returns the recorded weights of one symbol across cycles,
// oldest first.
func (h *History) WeightSeries(symbol string) ([]WeightPoint, error) {
	rows, err := h.db.Query(`
		SELECT w.cycle_id, c.trigger_date, w.weight
		FROM cycle_weights w
		JOIN rebalance_cycles c ON c.id = w.cycle_id
		WHERE w.symbol = ?
		ORDER BY c.period_index
	`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query weight series: %w", err)
	}
	defer rows.Close()

	var points []WeightPoint
	for rows.Next() {
		var p WeightPoint
		if err := rows.Scan(&p.CycleID, &p.TriggerDate, &p.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan weight point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating weight series: %w", err)
	}
	return points, nil
}
