package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"

	"github.com/ballastlab/ballast/internal/modules/rebalance"
)

const (
	// Stream write constants
	streamWriteWait = 10 * time.Second
	streamHeartbeat = 30 * time.Second

	// Subscriber channel depth before frames are dropped
	streamBufferSize = 64
)

// Frame kinds carried on the rebalance run stream.
const (
	FrameRunStarted  = "run_started"
	FrameCycle       = "cycle"
	FrameRunFinished = "run_finished"
	FrameRunFailed   = "run_failed"
)

// Frame is one msgpack-encoded event on the run stream. Sequence is
// monotonic within a run so clients can detect dropped frames. Cycle
// frames carry period data, terminal frames carry the run counters.
type Frame struct {
	RunID        string  `msgpack:"run_id"`
	Kind         string  `msgpack:"kind"`
	Sequence     int     `msgpack:"sequence"`
	Period       int     `msgpack:"period"`
	Date         string  `msgpack:"date,omitempty"`
	Status       string  `msgpack:"status,omitempty"`
	Reason       string  `msgpack:"reason,omitempty"`
	Turnover     float64 `msgpack:"turnover"`
	Cost         float64 `msgpack:"cost"`
	ExpectedGain float64 `msgpack:"expected_gain"`
	Committed    int     `msgpack:"committed"`
	Rejected     int     `msgpack:"rejected"`
	Failed       int     `msgpack:"failed"`
	Error        string  `msgpack:"error,omitempty"`
}

// RunBroker fans run frames out to stream subscribers. Slow subscribers
// lose frames rather than stalling the run.
type RunBroker struct {
	mu   sync.RWMutex
	subs map[chan Frame]struct{}
	log  zerolog.Logger
}

// NewRunBroker creates a broker with no subscribers.
func NewRunBroker(log zerolog.Logger) *RunBroker {
	return &RunBroker{
		subs: make(map[chan Frame]struct{}),
		log:  log.With().Str("component", "run_broker").Logger(),
	}
}

// Subscribe registers a new frame channel.
func (b *RunBroker) Subscribe() chan Frame {
	ch := make(chan Frame, streamBufferSize)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel. Safe to call once per
// subscription only, from the goroutine that owns it.
func (b *RunBroker) Unsubscribe(ch chan Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Subscribers reports how many stream clients are connected.
func (b *RunBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers the frame to every subscriber without blocking.
func (b *RunBroker) Publish(frame Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- frame:
		default:
			b.log.Warn().
				Str("kind", frame.Kind).
				Int("sequence", frame.Sequence).
				Msg("Subscriber channel full, dropping frame")
		}
	}
}

// Sentinel errors for run admission.
var (
	ErrRunActive       = errors.New("a rebalance run is already active")
	ErrSeriesExhausted = errors.New("date series exhausted, nothing to run")
)

// cycleRunner is the slice of the rebalance service a run drives.
type cycleRunner interface {
	Done() bool
	StepOnce() (*rebalance.CycleResult, error)
}

// RunSummary records the outcome of one full run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Periods    int       `json:"periods"`
	Committed  int       `json:"committed"`
	Rejected   int       `json:"rejected"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// RunCoordinator drives full rebalance runs in the background, one at a
// time, publishing per-period frames to the broker.
type RunCoordinator struct {
	engine cycleRunner
	broker *RunBroker
	log    zerolog.Logger

	mu     sync.Mutex
	active bool
	last   *RunSummary
}

// NewRunCoordinator wires the coordinator to the engine and broker.
func NewRunCoordinator(engine *rebalance.Service, broker *RunBroker, log zerolog.Logger) *RunCoordinator {
	return &RunCoordinator{
		engine: engine,
		broker: broker,
		log:    log.With().Str("component", "run_coordinator").Logger(),
	}
}

// Start launches a background run over the remaining periods and
// returns its run id. Only one run may be active at a time.
func (c *RunCoordinator) Start() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return "", ErrRunActive
	}
	if c.engine.Done() {
		return "", ErrSeriesExhausted
	}

	runID := uuid.New().String()
	c.active = true
	go c.run(runID)
	return runID, nil
}

func (c *RunCoordinator) run(runID string) {
	summary := &RunSummary{RunID: runID, StartedAt: time.Now()}
	log := c.log.With().Str("run_id", runID).Logger()
	log.Info().Msg("Rebalance run started")

	c.broker.Publish(Frame{RunID: runID, Kind: FrameRunStarted})

	sequence := 0
	var runErr error
	for !c.engine.Done() {
		result, err := c.engine.StepOnce()
		if err != nil {
			runErr = err
			break
		}

		cycle := result.Cycle
		summary.Periods++
		switch cycle.Status {
		case rebalance.StatusCommitted:
			summary.Committed++
		case rebalance.StatusRejected:
			summary.Rejected++
		case rebalance.StatusFailed:
			summary.Failed++
		}

		sequence++
		c.broker.Publish(Frame{
			RunID:        runID,
			Kind:         FrameCycle,
			Sequence:     sequence,
			Period:       cycle.PeriodIndex,
			Date:         cycle.Date.Format("2006-01-02"),
			Status:       string(cycle.Status),
			Reason:       cycle.Reason,
			Turnover:     cycle.Turnover,
			Cost:         cycle.Cost,
			ExpectedGain: cycle.ExpectedGain,
		})
	}

	summary.FinishedAt = time.Now()
	sequence++
	if runErr != nil {
		summary.Error = runErr.Error()
		log.Error().Err(runErr).
			Int("periods", summary.Periods).
			Msg("Rebalance run failed")
		c.broker.Publish(Frame{
			RunID:     runID,
			Kind:      FrameRunFailed,
			Sequence:  sequence,
			Committed: summary.Committed,
			Rejected:  summary.Rejected,
			Failed:    summary.Failed,
			Error:     runErr.Error(),
		})
	} else {
		log.Info().
			Int("periods", summary.Periods).
			Int("committed", summary.Committed).
			Int("rejected", summary.Rejected).
			Int("failed", summary.Failed).
			Msg("Rebalance run finished")
		c.broker.Publish(Frame{
			RunID:     runID,
			Kind:      FrameRunFinished,
			Sequence:  sequence,
			Committed: summary.Committed,
			Rejected:  summary.Rejected,
			Failed:    summary.Failed,
		})
	}

	c.mu.Lock()
	c.active = false
	c.last = summary
	c.mu.Unlock()
}

// HandleStart launches a run in the background.
// POST /api/rebalance/run
func (c *RunCoordinator) HandleStart(w http.ResponseWriter, r *http.Request) {
	runID, err := c.Start()
	if err != nil {
		c.log.Warn().Err(err).Msg("Run not started")
		writeJSON(w, c.log, http.StatusConflict, errorBody(err.Error()))
		return
	}

	writeJSON(w, c.log, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "started",
	})
}

// HandleStatus reports whether a run is active and the last outcome.
// GET /api/rebalance/status
func (c *RunCoordinator) HandleStatus(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	active := c.active
	last := c.last
	c.mu.Unlock()

	writeJSON(w, c.log, http.StatusOK, map[string]interface{}{
		"active":   active,
		"last_run": last,
	})
}

// StreamHandler serves the websocket run stream.
type StreamHandler struct {
	broker *RunBroker
	log    zerolog.Logger
}

// NewStreamHandler wires the stream endpoint to the broker.
func NewStreamHandler(broker *RunBroker, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		broker: broker,
		log:    log.With().Str("component", "run_stream").Logger(),
	}
}

// HandleRunStream upgrades the connection and relays run frames until
// the client goes away.
// GET /api/rebalance/stream
func (h *StreamHandler) HandleRunStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	frames := h.broker.Subscribe()
	defer h.broker.Unsubscribe(frames)

	h.log.Info().Msg("Stream client connected")
	defer h.log.Info().Msg("Stream client disconnected")

	// Write-only stream. CloseRead pumps control frames and cancels the
	// context when the client goes away.
	ctx := conn.CloseRead(r.Context())

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case frame := <-frames:
			if err := h.writeFrame(ctx, conn, frame); err != nil {
				h.log.Debug().Err(err).Msg("Stream write failed")
				return
			}
		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteWait)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Msg("Stream heartbeat failed")
				return
			}
		}
	}
}

func (h *StreamHandler) writeFrame(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	data, err := msgpack.Marshal(&frame)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, streamWriteWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageBinary, data)
}
