package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joshu-sajeev/kapublish/internal/dto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

type publishRequest struct {
	Content  json.RawMessage `json:"content"`
	Privacy  string          `json:"privacy"`
	Epochs   int             `json:"epochs"`
	Source   string          `json:"source"`
	SourceID string          `json:"sourceId"`
}

type publishResponse struct {
	UAL    string `json:"UAL"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// HTTPClient publishes through a DKG node gateway.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

type HTTPOption func(*HTTPClient)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.client = c }
}

// WithRateLimit caps outbound publishes to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(h *HTTPClient) {
		if perSecond > 0 && burst > 0 {
			h.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithLogger(log *zap.SugaredLogger) HTTPOption {
	return func(h *HTTPClient) { h.log = log }
}

func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Inf, 1),
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish sends one asset. The caller bounds it with ctx; running out of time
// is a retryable outcome like any other transient failure.
func (h *HTTPClient) Publish(ctx context.Context, req dto.NormalizedPublish) Outcome {
	if err := h.limiter.Wait(ctx); err != nil {
		return Retryable(fmt.Sprintf("rate limit wait: %v", err))
	}

	body, err := json.Marshal(publishRequest{
		Content:  req.Content,
		Privacy:  req.Privacy,
		Epochs:   req.Epochs,
		Source:   req.Source,
		SourceID: req.SourceID,
	})
	if err != nil {
		return Fatal(fmt.Sprintf("encode publish request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/publish", bytes.NewReader(body))
	if err != nil {
		return Fatal(fmt.Sprintf("build publish request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// lets the node collapse a re-sent publish for the same source
	httpReq.Header.Set("Idempotency-Key", req.SourceID)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Retryable("publish timed out")
		}
		return Retryable(fmt.Sprintf("transport: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Retryable(fmt.Sprintf("read response: %v", err))
	}

	var out publishResponse
	_ = json.Unmarshal(raw, &out)

	outcome := classify(resp.StatusCode, out)
	h.log.Debugw("publish response", "source_id", req.SourceID, "status", resp.StatusCode, "outcome", outcome.Kind.String())
	return outcome
}

func classify(status int, out publishResponse) Outcome {
	reason := out.Error
	if reason == "" {
		reason = http.StatusText(status)
	}
	reason = fmt.Sprintf("node returned %d: %s", status, reason)

	switch {
	case status >= 200 && status < 300:
		if out.UAL == "" {
			return Retryable("node accepted publish without returning a UAL")
		}
		st := out.Status
		if st == "" {
			st = "COMPLETED"
		}
		return Success(out.UAL, st)
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return Retryable(reason)
	default:
		return Fatal(reason)
	}
}

// Ping checks the node answers its info endpoint.
func (h *HTTPClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/info", nil)
	if err != nil {
		return errors.Wrap(err, "build ping request")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "ping publisher")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode >= 300 {
		return errors.Newf("publisher info returned status %d", resp.StatusCode)
	}
	return nil
}
