package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
)

// HTTPSource queries a JSON price endpoint:
//
//	GET {base}?token=T&averaging=A[&as_of=RFC3339]
//	200 {"price_usd": 1.23, "timestamp": "...", "confidence": 0.97}
type HTTPSource struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source backed by an instrumented HTTP client.
func NewHTTPSource(name, baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		name:    name,
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Name returns the source name.
func (s *HTTPSource) Name() string { return s.name }

type httpQuote struct {
	PriceUSD   float64   `json:"price_usd"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

// GetPrice fetches one quote. Network failures and 5xx/429 responses are
// Transient; 404 is NotFound; other statuses are Validation.
func (s *HTTPSource) GetPrice(ctx context.Context, req Request) (Quote, error) {
	op := "price." + s.name
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return Quote{}, lferrors.Validation(err, op)
	}
	q := u.Query()
	q.Set("token", req.Token)
	q.Set("averaging", string(req.Averaging))
	if !req.AsOf.IsZero() {
		q.Set("as_of", req.AsOf.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Quote{}, lferrors.Internal(err, op)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Quote{}, lferrors.Transient(err, op)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return Quote{}, lferrors.Newf(lferrors.KindNotFound, op, "no price for %s", req.Token)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Quote{}, lferrors.Newf(lferrors.KindTransient, op, "status %d", resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, lferrors.Newf(lferrors.KindValidation, op, "status %d: %s", resp.StatusCode, body)
	}

	var hq httpQuote
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&hq); err != nil {
		return Quote{}, lferrors.Transient(fmt.Errorf("decode quote: %w", err), op)
	}
	return Quote{
		PriceUSD:   hq.PriceUSD,
		Source:     s.name,
		Timestamp:  hq.Timestamp,
		Confidence: hq.Confidence,
	}, nil
}

var _ Source = (*HTTPSource)(nil)
