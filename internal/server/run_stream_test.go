package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"

	"github.com/ballastlab/ballast/internal/domain"
	"github.com/ballastlab/ballast/internal/modules/rebalance"
)

// scriptedRunner steps through a fixed list of results, optionally
// blocking on a gate or failing once the script runs out.
type scriptedRunner struct {
	results []*rebalance.CycleResult
	stepErr error
	gate    chan struct{}
	next    int
}

func (s *scriptedRunner) Done() bool {
	if s.stepErr != nil {
		return false
	}
	return s.next >= len(s.results)
}

func (s *scriptedRunner) StepOnce() (*rebalance.CycleResult, error) {
	if s.gate != nil {
		<-s.gate
	}
	if s.next < len(s.results) {
		result := s.results[s.next]
		s.next++
		return result, nil
	}
	return nil, s.stepErr
}

func cycleAt(period int, status rebalance.Status) *rebalance.CycleResult {
	return &rebalance.CycleResult{
		Cycle: &rebalance.Cycle{
			PeriodIndex:  period,
			Date:         time.Date(2024, 1, 2+period, 0, 0, 0, 0, time.UTC),
			Status:       status,
			Weights:      []float64{0.2, 0.3, 0.5},
			Turnover:     0.1,
			Cost:         0.0002,
			ExpectedGain: 0.001,
		},
	}
}

func awaitFrames(t *testing.T, ch chan Frame, done func(Frame) bool) []Frame {
	t.Helper()
	var frames []Frame
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-ch:
			frames = append(frames, frame)
			if done(frame) {
				return frames
			}
		case <-deadline:
			t.Fatalf("timed out waiting for frames, got %d", len(frames))
		}
	}
}

func TestRunBroker_FanOutAndUnsubscribe(t *testing.T) {
	broker := NewRunBroker(zerolog.Nop())
	a := broker.Subscribe()
	b := broker.Subscribe()
	require.Equal(t, 2, broker.Subscribers())

	broker.Publish(Frame{RunID: "run-1", Kind: FrameRunStarted})
	assert.Equal(t, "run-1", (<-a).RunID)
	assert.Equal(t, "run-1", (<-b).RunID)

	broker.Unsubscribe(a)
	broker.Unsubscribe(a) // second call is a no-op
	require.Equal(t, 1, broker.Subscribers())
	_, open := <-a
	assert.False(t, open)

	broker.Publish(Frame{Kind: FrameCycle})
	assert.Equal(t, FrameCycle, (<-b).Kind)
	broker.Unsubscribe(b)
}

func TestRunBroker_DropsWhenSubscriberFull(t *testing.T) {
	broker := NewRunBroker(zerolog.Nop())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	for i := 0; i < streamBufferSize+5; i++ {
		broker.Publish(Frame{Kind: FrameCycle, Sequence: i + 1})
	}

	// The first frames survive, the overflow is dropped.
	assert.Len(t, ch, streamBufferSize)
	first := <-ch
	assert.Equal(t, 1, first.Sequence)
}

func TestRunCoordinator_RunsToCompletion(t *testing.T) {
	broker := NewRunBroker(zerolog.Nop())
	frames := broker.Subscribe()
	defer broker.Unsubscribe(frames)

	runner := &scriptedRunner{results: []*rebalance.CycleResult{
		cycleAt(0, rebalance.StatusNotDue),
		cycleAt(1, rebalance.StatusCommitted),
		cycleAt(2, rebalance.StatusRejected),
	}}
	c := &RunCoordinator{engine: runner, broker: broker, log: zerolog.Nop()}

	runID, err := c.Start()
	require.NoError(t, err)
	_, err = uuid.Parse(runID)
	require.NoError(t, err)

	got := awaitFrames(t, frames, func(f Frame) bool { return f.Kind == FrameRunFinished })
	require.Len(t, got, 5)
	assert.Equal(t, FrameRunStarted, got[0].Kind)

	for i, frame := range got[1:4] {
		assert.Equal(t, FrameCycle, frame.Kind)
		assert.Equal(t, runID, frame.RunID)
		assert.Equal(t, i+1, frame.Sequence)
		assert.Equal(t, i, frame.Period)
	}
	assert.Equal(t, string(rebalance.StatusNotDue), got[1].Status)
	assert.Equal(t, string(rebalance.StatusCommitted), got[2].Status)
	assert.Equal(t, string(rebalance.StatusRejected), got[3].Status)

	final := got[4]
	assert.Equal(t, 1, final.Committed)
	assert.Equal(t, 1, final.Rejected)
	assert.Equal(t, 0, final.Failed)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.active && c.last != nil
	}, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	c.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/rebalance/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Active  bool        `json:"active"`
		LastRun *RunSummary `json:"last_run"`
	}
	decodeBody(t, rec, &resp)
	assert.False(t, resp.Active)
	require.NotNil(t, resp.LastRun)
	assert.Equal(t, runID, resp.LastRun.RunID)
	assert.Equal(t, 3, resp.LastRun.Periods)
	assert.Equal(t, 1, resp.LastRun.Committed)
	assert.Equal(t, 1, resp.LastRun.Rejected)
	assert.Empty(t, resp.LastRun.Error)
}

func TestRunCoordinator_SingleActiveRun(t *testing.T) {
	broker := NewRunBroker(zerolog.Nop())
	gate := make(chan struct{})
	runner := &scriptedRunner{
		results: []*rebalance.CycleResult{cycleAt(0, rebalance.StatusCommitted)},
		gate:    gate,
	}
	c := &RunCoordinator{engine: runner, broker: broker, log: zerolog.Nop()}

	first := httptest.NewRecorder()
	c.HandleStart(first, httptest.NewRequest(http.MethodPost, "/api/rebalance/run", nil))
	require.Equal(t, http.StatusAccepted, first.Code)

	var started map[string]string
	decodeBody(t, first, &started)
	assert.Equal(t, "started", started["status"])
	assert.NotEmpty(t, started["run_id"])

	second := httptest.NewRecorder()
	c.HandleStart(second, httptest.NewRequest(http.MethodPost, "/api/rebalance/run", nil))
	assert.Equal(t, http.StatusConflict, second.Code)

	close(gate)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.active
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunCoordinator_ExhaustedSeries(t *testing.T) {
	broker := NewRunBroker(zerolog.Nop())
	c := &RunCoordinator{engine: &scriptedRunner{}, broker: broker, log: zerolog.Nop()}

	_, err := c.Start()
	require.ErrorIs(t, err, ErrSeriesExhausted)

	rec := httptest.NewRecorder()
	c.HandleStart(rec, httptest.NewRequest(http.MethodPost, "/api/rebalance/run", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunCoordinator_StepFailurePublishesRunFailed(t *testing.T) {
	broker := NewRunBroker(zerolog.Nop())
	frames := broker.Subscribe()
	defer broker.Unsubscribe(frames)

	runner := &scriptedRunner{
		results: []*rebalance.CycleResult{cycleAt(0, rebalance.StatusCommitted)},
		stepErr: &domain.NumericalError{Op: "solve", Msg: "kkt system is singular"},
	}
	c := &RunCoordinator{engine: runner, broker: broker, log: zerolog.Nop()}

	runID, err := c.Start()
	require.NoError(t, err)

	got := awaitFrames(t, frames, func(f Frame) bool { return f.Kind == FrameRunFailed })
	final := got[len(got)-1]
	assert.Equal(t, runID, final.RunID)
	assert.Contains(t, final.Error, "singular")
	assert.Equal(t, 1, final.Committed)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.active && c.last != nil && c.last.Error != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleRunStream_DeliversMsgpackFrames(t *testing.T) {
	broker := NewRunBroker(zerolog.Nop())
	h := NewStreamHandler(broker, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(h.HandleRunStream))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return broker.Subscribers() == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent := Frame{
		RunID:        "da9e72b5-4f3a-4f29-bb5e-91f2032cd909",
		Kind:         FrameCycle,
		Sequence:     3,
		Period:       12,
		Date:         "2024-01-18",
		Status:       string(rebalance.StatusCommitted),
		Turnover:     0.08,
		Cost:         0.0002,
		ExpectedGain: 0.0015,
	}
	broker.Publish(sent)

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, typ)

	var got Frame
	require.NoError(t, msgpack.Unmarshal(data, &got))
	assert.Equal(t, sent, got)
}

func TestHandleRunStream_CleansUpWhenClientLeaves(t *testing.T) {
	broker := NewRunBroker(zerolog.Nop())
	h := NewStreamHandler(broker, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(h.HandleRunStream))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return broker.Subscribers() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		return broker.Subscribers() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
