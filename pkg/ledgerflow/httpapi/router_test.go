package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/httpapi"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/saga"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/stream"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/workflows"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSubmitter struct {
	mu   sync.Mutex
	keys []string
	reqs []workflows.UsageRequest
	err  error
}

func (f *fakeSubmitter) SubmitUsage(_ context.Context, usageID string, req workflows.UsageRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	if usageID == "" {
		usageID = "generated"
	}
	f.keys = append(f.keys, usageID)
	f.reqs = append(f.reqs, req)
	return usageID, nil
}

type fakeBalances map[string]float64

func (f fakeBalances) Balance(_ context.Context, account string) (float64, error) {
	return f[account], nil
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

type errorResponse struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func usageBody() map[string]any {
	end := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return map[string]any{
		"accountId":     "alice",
		"primitiveKind": "cpu",
		"quantity":      500,
		"unit":          "second",
		"serviceName":   "render",
		"windowStart":   end.Add(-time.Minute),
		"windowEnd":     end,
	}
}

func TestHealthz(t *testing.T) {
	h := httpapi.NewRouter(httpapi.Deps{Logger: discardLogger()})
	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecordUsage_Accepted(t *testing.T) {
	sub := &fakeSubmitter{}
	h := httpapi.NewRouter(httpapi.Deps{Usage: sub, Logger: discardLogger()})

	rec := do(t, h, http.MethodPost, "/v1/usage", usageBody(), "Idempotency-Key", "u-42")

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "/v1/executions/u-42", rec.Header().Get("Location"))
	resp := decode[map[string]string](t, rec)
	assert.Equal(t, "u-42", resp["executionId"])
	assert.Equal(t, "accepted", resp["status"])
	require.Len(t, sub.reqs, 1)
	assert.Equal(t, "render", sub.reqs[0].ServiceName)
	assert.InDelta(t, 500.0, sub.reqs[0].Quantity, 1e-9)
}

func TestRecordUsage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		sub    *fakeSubmitter
		body   any
		status int
		code   string
	}{
		{
			name:   "malformed json",
			sub:    &fakeSubmitter{},
			body:   `{"accountId":`,
			status: http.StatusBadRequest,
			code:   "validation_error",
		},
		{
			name:   "unknown field",
			sub:    &fakeSubmitter{},
			body:   `{"accountId":"alice","surprise":true}`,
			status: http.StatusBadRequest,
			code:   "validation_error",
		},
		{
			name: "invalid request",
			sub:  &fakeSubmitter{},
			body: func() map[string]any {
				b := usageBody()
				b["quantity"] = 0
				return b
			}(),
			status: http.StatusBadRequest,
			code:   "validation_error",
		},
		{
			name:   "launcher full",
			sub:    &fakeSubmitter{err: lferrors.Newf(lferrors.KindTransient, "test", "busy")},
			body:   usageBody(),
			status: http.StatusServiceUnavailable,
			code:   "transient_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := httpapi.NewRouter(httpapi.Deps{Usage: tt.sub, Logger: discardLogger()})
			rec := do(t, h, http.MethodPost, "/v1/usage", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			resp := decode[errorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.RequestID)
		})
	}
}

func TestExecutions(t *testing.T) {
	ctx := context.Background()
	st := saga.NewMemoryStore()
	started := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.CreateExecution(ctx, &saga.Execution{
		ID:           "exec-1",
		WorkflowName: "mint",
		Version:      1,
		Context:      json.RawMessage(`{"account_id":"alice"}`),
		Status:       saga.StatusFailed,
		StartedAt:    started,
		FailedStep:   "record_deposit",
		ErrorCode:    "conflict",
	}))
	require.NoError(t, st.AppendStep(ctx, saga.StepRecord{
		ExecutionID: "exec-1", StepName: "mint", StepIndex: 0, Phase: saga.PhaseAction,
		Status: saga.StepCompleted, RecordedAt: started,
	}))
	require.NoError(t, st.AppendStep(ctx, saga.StepRecord{
		ExecutionID: "exec-1", StepName: "mint", StepIndex: 0, Phase: saga.PhaseCompensation,
		Status: saga.StepCompensated, RecordedAt: started.Add(time.Second),
	}))

	h := httpapi.NewRouter(httpapi.Deps{Executions: st, Logger: discardLogger()})

	t.Run("get", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/executions/exec-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[struct {
			ID         string            `json:"id"`
			Status     saga.Status       `json:"status"`
			FailedStep string            `json:"failed_step"`
			Steps      []saga.StepRecord `json:"steps"`
		}](t, rec)
		assert.Equal(t, "exec-1", resp.ID)
		assert.Equal(t, saga.StatusFailed, resp.Status)
		assert.Equal(t, "record_deposit", resp.FailedStep)
		require.Len(t, resp.Steps, 2)
		assert.Equal(t, saga.PhaseCompensation, resp.Steps[1].Phase)
	})

	t.Run("missing", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/executions/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "not_found", decode[errorResponse](t, rec).Error.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/executions?workflow=mint&status=failed", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[map[string][]saga.Execution](t, rec)
		require.Len(t, resp["executions"], 1)

		rec = do(t, h, http.MethodGet, "/v1/executions?workflow=redeem", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[map[string][]saga.Execution](t, rec)["executions"])
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/executions?limit=lots", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDeadLetters_ListAndReplay(t *testing.T) {
	ctx := context.Background()
	bus := event.NewMemoryBus("ledger")
	t.Cleanup(func() { bus.Close() })
	queue := event.QueueName("ledger", "patronage")
	require.NoError(t, bus.Declare(ctx, event.QueueSpec{Name: queue, Bindings: []string{"contribution.approved"}}))

	env := event.MustNew("contribution.approved", "c-1", "reviewer", map[string]any{"credits": 0},
		event.WithEventID("E9"))
	require.NoError(t, bus.Publish(ctx, env))
	del, err := bus.Receive(ctx, queue)
	require.NoError(t, err)
	require.NoError(t, bus.DeadLetter(ctx, del, "validation_error: credits must be positive"))

	h := httpapi.NewRouter(httpapi.Deps{DeadLetters: bus, Exchange: "ledger", Logger: discardLogger()})

	rec := do(t, h, http.MethodGet, "/v1/deadletters/patronage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Queue       string             `json:"queue"`
		DeadLetters []event.DeadLetter `json:"deadLetters"`
	}](t, rec)
	assert.Equal(t, queue, resp.Queue)
	require.Len(t, resp.DeadLetters, 1)
	assert.Equal(t, "E9", resp.DeadLetters[0].Envelope.EventID)

	rec = do(t, h, http.MethodPost, "/v1/deadletters/patronage/E9/replay", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	depth, err := bus.Depth(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	rec = do(t, h, http.MethodPost, "/v1/deadletters/patronage/E9/replay", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreams(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	streams, err := stream.NewStore(ctx, db)
	require.NoError(t, err)

	h := httpapi.NewRouter(httpapi.Deps{Streams: streams, Logger: discardLogger()})

	rec := do(t, h, http.MethodPost, "/v1/streams", map[string]any{
		"id":                    "s-1",
		"externalAddress":       "0xabc",
		"token":                 "ETH",
		"accountId":             "alice",
		"direction":             "inbound",
		"samplingInterval":      "1h",
		"expectedFlowPerDay":    0.0005,
		"alertThresholdPercent": 5,
		"initialBalance":        1.5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/v1/streams/s-1", rec.Header().Get("Location"))

	reg, err := streams.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, reg.SamplingInterval)
	assert.InDelta(t, stream.FlowRatePerDay(0.0005), reg.ExpectedFlowRate, 1e-18)
	assert.True(t, reg.Active)

	rec = do(t, h, http.MethodGet, "/v1/streams/s-1/samples", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodDelete, "/v1/streams/s-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/streams?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string][]stream.Registration](t, rec)["streams"])

	rec = do(t, h, http.MethodPost, "/v1/streams", map[string]any{"id": "s-2", "samplingInterval": "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/streams/missing/samples", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBalanceAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "ledgerflow_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	h := httpapi.NewRouter(httpapi.Deps{
		Balances: fakeBalances{"alice": 12.5},
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:   discardLogger(),
	})

	rec := do(t, h, http.MethodGet, "/v1/accounts/alice/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, 12.5, resp["balance"])

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledgerflow_test_total 1")
}

func TestUnmountedRoutes(t *testing.T) {
	h := httpapi.NewRouter(httpapi.Deps{Logger: discardLogger()})
	rec := do(t, h, http.MethodPost, "/v1/usage", usageBody())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
