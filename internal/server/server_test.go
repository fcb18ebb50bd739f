package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juicywoowowow/flowtrain/internal/datasets"
	"github.com/juicywoowowow/flowtrain/internal/device"
	"github.com/juicywoowowow/flowtrain/internal/store"
	"github.com/juicywoowowow/flowtrain/internal/trainer"
	"github.com/juicywoowowow/flowtrain/internal/trainer/trainertest"
)

func newTestServer(t *testing.T, runner Runner) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var n atomic.Int64
	srv := New(Config{
		Runner: runner,
		Store:  st,
		NewID:  func() string { return fmt.Sprintf("job-%d", n.Add(1)) },
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func testEngine(t *testing.T, provider datasets.Provider) *trainer.Engine {
	t.Helper()
	e, err := trainer.New(trainer.Options{
		Compiler: &trainertest.Compiler{Model: &trainertest.Model{Losses: []float64{0.5}, Correct: 1}},
		Provider: provider,
		Device:   device.Static{Name: "cpu"},
	})
	require.NoError(t, err)
	return e
}

func start(t *testing.T, ts *httptest.Server, body any) string {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/training/start", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.JobID)
	return out.JobID
}

func dial(ctx context.Context, ts *httptest.Server, id string) (*websocket.Conn, *http.Response, error) {
	return websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/training/"+id, nil)
}

// readAll reads events until the server closes the connection.
func readAll(t *testing.T, ctx context.Context, conn *websocket.Conn) []trainer.Event {
	t.Helper()
	var events []trainer.Event
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err), "read: %v", err)
			return events
		}
		ev, err := trainer.DecodeEvent(data)
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func getJob(t *testing.T, ts *httptest.Server, id string) (int, store.Job) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/api/training/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	var job store.Job
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	}
	return resp.StatusCode, job
}

func request(datasetID string, cfg map[string]any) map[string]any {
	return map[string]any{
		"graph":           trainertest.Graph(""),
		"dataset_id":      datasetID,
		"training_config": cfg,
	}
}

func TestStartAndStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	provider := &trainertest.Provider{InputShape: []int{2}, Train: trainertest.Batches(2, 2, 2)}
	ts, _ := newTestServer(t, testEngine(t, provider))

	id := start(t, ts, request("synthetic", map[string]any{"epochs": 2, "batch_size": 2}))
	assert.Equal(t, "job-1", id)

	status, job := getJob(t, ts, id)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, store.StatusPending, job.Status)
	assert.Equal(t, 2, job.Config.Epochs)
	assert.Equal(t, trainer.DefaultConfig().LearningRate, job.Config.LearningRate, "defaults fill missing settings")

	conn, _, err := dial(ctx, ts, id)
	require.NoError(t, err)
	defer conn.CloseNow()

	var kinds []trainer.EventKind
	events := readAll(t, ctx, conn)
	for _, ev := range events {
		kinds = append(kinds, ev.Kind())
	}
	assert.Equal(t, []trainer.EventKind{
		trainer.KindStarted,
		trainer.KindBatch, trainer.KindEpoch,
		trainer.KindBatch, trainer.KindEpoch,
		trainer.KindCompleted,
	}, kinds)

	done := events[len(events)-1].(trainer.Completed)
	status, job = getJob(t, ts, id)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, store.StatusCompleted, job.Status)
	assert.Equal(t, 2, job.EpochsDone)
	assert.Equal(t, &done.FinalMetrics, job.Metrics)
	assert.Equal(t, done.SizeBytes, job.ArtifactBytes)

	// Jobs have a single consumer.
	_, resp, err := dial(ctx, ts, id)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStreamSetupFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	provider := &trainertest.Provider{ShapeErr: datasets.ErrUnavailable}
	ts, _ := newTestServer(t, testEngine(t, provider))
	id := start(t, ts, request("imagenet", nil))

	conn, _, err := dial(ctx, ts, id)
	require.NoError(t, err)
	defer conn.CloseNow()

	events := readAll(t, ctx, conn)
	require.Len(t, events, 1)
	ev, ok := events[0].(trainer.Error)
	require.True(t, ok)
	assert.Equal(t, trainer.DataFailure, ev.FailureKind)

	_, job := getJob(t, ts, id)
	assert.Equal(t, store.StatusFailed, job.Status)
	assert.Equal(t, trainer.DataFailure, job.ErrorKind)
}

// endless emits batch events until the consumer stops.
type endless struct{}

func (endless) Run(ctx context.Context, _ trainer.Request) iter.Seq[trainer.Event] {
	return func(yield func(trainer.Event) bool) {
		if !yield(trainer.Started{TotalEpochs: 1, TotalBatches: 1, Device: "cpu"}) {
			return
		}
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				yield(trainer.Error{Message: ctx.Err().Error(), FailureKind: trainer.RuntimeFailure})
				return
			case <-time.After(5 * time.Millisecond):
			}
			if !yield(trainer.BatchProgress{Epoch: 1, Batch: i * trainer.BatchReportInterval}) {
				return
			}
		}
	}
}

func TestStopAbandonsJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts, st := newTestServer(t, endless{})
	id := start(t, ts, request("mnist", nil))

	conn, _, err := dial(ctx, ts, id)
	require.NoError(t, err)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	ev, err := trainer.DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, trainer.KindStarted, ev.Kind())

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"stop"}`)))
	conn.CloseNow()

	require.Eventually(t, func() bool {
		job, err := st.Get(ctx, id)
		return err == nil && job.Status == store.StatusAbandoned
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDisconnectAbandonsJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts, st := newTestServer(t, endless{})
	id := start(t, ts, request("mnist", nil))

	conn, _, err := dial(ctx, ts, id)
	require.NoError(t, err)
	_, _, err = conn.Read(ctx)
	require.NoError(t, err)
	conn.CloseNow()

	require.Eventually(t, func() bool {
		job, err := st.Get(ctx, id)
		return err == nil && job.Status == store.StatusAbandoned
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartRejectsBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, endless{})

	tests := map[string]string{
		"malformed json":  `{"graph":`,
		"missing dataset": `{"graph":{"nodes":[]}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/training/start", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var out map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.NotEmpty(t, out["detail"])
		})
	}
}

func TestUnknownJob(t *testing.T) {
	ts, _ := newTestServer(t, endless{})

	status, _ := getJob(t, ts, "nope")
	assert.Equal(t, http.StatusNotFound, status)

	_, resp, err := dial(context.Background(), ts, "nope")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobs(t *testing.T) {
	ts, _ := newTestServer(t, endless{})
	start(t, ts, request("mnist", nil))
	start(t, ts, request("cifar10", nil))

	resp, err := http.Get(ts.URL + "/api/training/?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Jobs []store.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Jobs, 1)
}

func TestServeListener(t *testing.T) {
	st, err := store.Open(context.Background(), ":memory:", store.Options{})
	require.NoError(t, err)
	defer st.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(Config{Runner: endless{}, Store: st}).ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
