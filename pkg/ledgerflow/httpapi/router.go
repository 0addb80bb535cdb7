// Package httpapi exposes ledgerflow over HTTP: the asynchronous usage
// entry point, execution lookup, dead-letter inspection and replay, stream
// registration, and balances.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/reconcile"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/saga"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/stream"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/workflows"
)

const headerIdempotencyKey = "Idempotency-Key"

// UsageSubmitter starts usage executions in the background.
type UsageSubmitter interface {
	SubmitUsage(ctx context.Context, usageID string, req workflows.UsageRequest) (string, error)
}

// Compensator undoes completed executions.
type Compensator interface {
	Compensate(ctx context.Context, executionID, reason string) error
}

// DeadLetterStore lists and replays dead-lettered messages.
type DeadLetterStore interface {
	DeadLetters(ctx context.Context, queue string, limit int) ([]event.DeadLetter, error)
	Replay(ctx context.Context, queue, eventID string) error
}

// BalanceReader reads account balances.
type BalanceReader interface {
	Balance(ctx context.Context, account string) (float64, error)
}

// DivergenceReader lists recorded reconciliation divergences.
type DivergenceReader interface {
	Divergences(ctx context.Context, streamID string) ([]reconcile.Divergence, error)
}

// Deps are the collaborators behind the routes. Routes whose collaborator
// is nil are not mounted.
type Deps struct {
	Usage       UsageSubmitter
	Executions  saga.Store
	Compensator Compensator
	DeadLetters DeadLetterStore
	Exchange    string
	Balances    BalanceReader
	Streams     *stream.Store
	Divergences DivergenceReader

	// Metrics is served at MetricsPath (default /metrics) when set.
	Metrics     http.Handler
	MetricsPath string

	Logger *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := &api{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.Metrics)
	}

	r.Route("/v1", func(v1 chi.Router) {
		if deps.Usage != nil {
			v1.Post("/usage", api.recordUsage)
		}
		if deps.Executions != nil {
			v1.Get("/executions", api.listExecutions)
			v1.Get("/executions/{id}", api.getExecution)
		}
		if deps.Compensator != nil {
			v1.Post("/executions/{id}/compensate", api.compensate)
		}
		if deps.DeadLetters != nil {
			v1.Get("/deadletters/{handler}", api.listDeadLetters)
			v1.Post("/deadletters/{handler}/{eventID}/replay", api.replayDeadLetter)
		}
		if deps.Balances != nil {
			v1.Get("/accounts/{id}/balance", api.balance)
		}
		if deps.Streams != nil {
			v1.Post("/streams", api.registerStream)
			v1.Get("/streams", api.listStreams)
			v1.Get("/streams/{id}", api.getStream)
			v1.Delete("/streams/{id}", api.deactivateStream)
			v1.Get("/streams/{id}/samples", api.streamSamples)
		}
		if deps.Divergences != nil {
			v1.Get("/streams/{id}/divergences", api.streamDivergences)
		}
	})

	return otelhttp.NewHandler(r, "ledgerflow.http")
}

type api struct {
	deps   Deps
	logger *slog.Logger
}

type acceptedResponse struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
	Location    string `json:"location"`
}

func (a *api) recordUsage(w http.ResponseWriter, r *http.Request) {
	var req workflows.UsageRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, lferrors.Validation(err, "httpapi.recordUsage"))
		return
	}
	id, err := a.deps.Usage.SubmitUsage(r.Context(), r.Header.Get(headerIdempotencyKey), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	location := "/v1/executions/" + id
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusAccepted, acceptedResponse{ExecutionID: id, Status: "accepted", Location: location})
}

type executionResponse struct {
	*saga.Execution
	Steps []saga.StepRecord `json:"steps"`
}

func (a *api) getExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := a.deps.Executions.GetExecution(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	history, err := a.deps.Executions.Steps(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executionResponse{Execution: exec, Steps: saga.LatestSteps(history)})
}

func (a *api) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 50)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	execs, err := a.deps.Executions.ListExecutions(r.Context(), &saga.ListFilter{
		WorkflowName: q.Get("workflow"),
		Status:       saga.Status(q.Get("status")),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if execs == nil {
		execs = []*saga.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

type compensateRequest struct {
	Reason string `json:"reason"`
}

func (a *api) compensate(w http.ResponseWriter, r *http.Request) {
	var req compensateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, lferrors.Validation(err, "httpapi.compensate"))
		return
	}
	if req.Reason == "" {
		req.Reason = "requested over http"
	}
	id := chi.URLParam(r, "id")
	if err := a.deps.Compensator.Compensate(r.Context(), id, req.Reason); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"executionId": id, "status": string(saga.StatusCompensated)})
}

func (a *api) queue(r *http.Request) string {
	return event.QueueName(a.deps.Exchange, chi.URLParam(r, "handler"))
}

func (a *api) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 100)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	letters, err := a.deps.DeadLetters.DeadLetters(r.Context(), a.queue(r), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if letters == nil {
		letters = []event.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": a.queue(r), "deadLetters": letters})
}

func (a *api) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if err := a.deps.DeadLetters.Replay(r.Context(), a.queue(r), eventID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.logger.Info("dead letter replayed", slog.String("queue", a.queue(r)), slog.String("event_id", eventID))
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) balance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "id")
	bal, err := a.deps.Balances.Balance(r.Context(), account)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accountId": account, "balance": bal})
}

type registerStreamRequest struct {
	ID                    string           `json:"id"`
	ExternalAddress       string           `json:"externalAddress"`
	Token                 string           `json:"token"`
	AccountID             string           `json:"accountId"`
	Direction             stream.Direction `json:"direction"`
	SamplingInterval      string           `json:"samplingInterval"`
	PriceSource           string           `json:"priceSource"`
	ExpectedFlowPerDay    float64          `json:"expectedFlowPerDay"`
	AlertThresholdPercent float64          `json:"alertThresholdPercent"`
	InitialBalance        float64          `json:"initialBalance"`
}

func (a *api) registerStream(w http.ResponseWriter, r *http.Request) {
	const op = "httpapi.registerStream"
	var req registerStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, lferrors.Validation(err, op))
		return
	}
	interval, err := time.ParseDuration(req.SamplingInterval)
	if err != nil {
		a.writeError(w, r, lferrors.Validation(fmt.Errorf("sampling interval: %w", err), op))
		return
	}
	reg := &stream.Registration{
		ID:                    req.ID,
		ExternalAddress:       req.ExternalAddress,
		Token:                 req.Token,
		AccountID:             req.AccountID,
		Direction:             req.Direction,
		SamplingInterval:      interval,
		PriceSource:           req.PriceSource,
		ExpectedFlowRate:      stream.FlowRatePerDay(req.ExpectedFlowPerDay),
		AlertThresholdPercent: req.AlertThresholdPercent,
		InitialBalance:        req.InitialBalance,
	}
	if err := a.deps.Streams.Register(r.Context(), reg); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/streams/"+reg.ID)
	writeJSON(w, http.StatusCreated, reg)
}

func (a *api) listStreams(w http.ResponseWriter, r *http.Request) {
	regs, err := a.deps.Streams.List(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if regs == nil {
		regs = []*stream.Registration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": regs})
}

func (a *api) getStream(w http.ResponseWriter, r *http.Request) {
	reg, err := a.deps.Streams.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (a *api) deactivateStream(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Streams.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) streamSamples(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.deps.Streams.Get(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	samples, err := a.deps.Streams.Samples(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if samples == nil {
		samples = []stream.Sample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"streamId": id, "samples": samples})
}

func (a *api) streamDivergences(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	divs, err := a.deps.Divergences.Divergences(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if divs == nil {
		divs = []reconcile.Divergence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"streamId": id, "divergences": divs})
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind lferrors.Kind) int {
	switch kind {
	case lferrors.KindValidation:
		return http.StatusBadRequest
	case lferrors.KindAuthorization:
		return http.StatusForbidden
	case lferrors.KindNotFound:
		return http.StatusNotFound
	case lferrors.KindConflict:
		return http.StatusConflict
	case lferrors.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := lferrors.KindOf(err)
	status := statusFor(kind)
	reqID, _ := RequestIDFromContext(r.Context())

	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("request_id", reqID),
			slog.String("path", r.URL.Path),
			slog.String("error", msg))
		msg = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: kind.Code(), Message: msg, RequestID: reqID}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes exactly one JSON object. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}
	return nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, lferrors.Newf(lferrors.KindValidation, "httpapi", "invalid integer %q", raw)
	}
	return n, nil
}
