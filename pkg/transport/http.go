package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/brickflow/internal/governance"
	"github.com/polisai/brickflow/pkg/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RunPath is the frame agent endpoint that executes envelopes.
const RunPath = "/v1/bricks/run"

const maxReplyBytes = 8 << 20

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Client      *http.Client
	Timeout     time.Duration
	Breakers    *governance.CircuitBreakerManager
	RateLimiter *governance.RateLimiter
	Logger      *slog.Logger
}

// HTTP sends envelopes as JSON to frame agents. Every destination gets its own
// circuit breaker; trace context is propagated through otelhttp.
type HTTP struct {
	client      *http.Client
	breakers    *governance.CircuitBreakerManager
	rateLimiter *governance.RateLimiter
	logger      *slog.Logger
}

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg HTTPConfig) *HTTP {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if cfg.Timeout > 0 {
		clone := *client
		clone.Timeout = cfg.Timeout
		client = &clone
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = governance.NewCircuitBreakerManager(governance.DefaultCircuitBreakerConfig())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{client: client, breakers: breakers, rateLimiter: cfg.RateLimiter, logger: logger}
}

// Send implements Transport.
func (t *HTTP) Send(ctx context.Context, dest domain.Destination, env Envelope) (Reply, error) {
	if dest.Address == "" {
		return Reply{}, fmt.Errorf("%w: %s has no address", ErrUnknownDestination, dest.ID)
	}
	if !t.rateLimiter.Allow(dest.ID) {
		return Reply{}, fmt.Errorf("%w: %s", ErrRateLimited, dest.ID)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return Reply{}, fmt.Errorf("encode envelope: %w", err)
	}

	var reply Reply
	err = t.breakers.Get(dest.ID).ExecuteContext(ctx, func(ctx context.Context) error {
		var sendErr error
		reply, sendErr = t.post(ctx, strings.TrimRight(dest.Address, "/")+RunPath, body)
		return sendErr
	})
	if err != nil {
		t.logger.Warn("frame delivery failed",
			"destination", dest.ID,
			"brick_id", env.BrickID,
			"error", err,
		)
		return Reply{}, fmt.Errorf("send to %s: %w", dest.ID, err)
	}
	return reply, nil
}

func (t *HTTP) post(ctx context.Context, url string, body []byte) (Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Reply{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp domain.ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Message != "" {
			return Reply{}, fmt.Errorf("agent returned %d: %s", resp.StatusCode, errResp.Message)
		}
		return Reply{}, fmt.Errorf("agent returned %d", resp.StatusCode)
	}

	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

// NewServer exposes h over HTTP at RunPath.
func NewServer(h Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+RunPath, func(w http.ResponseWriter, r *http.Request) {
		var env Envelope
		if err := json.NewDecoder(io.LimitReader(r.Body, maxReplyBytes)).Decode(&env); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ENVELOPE", "invalid envelope")
			logger.Warn("invalid envelope", "error", err)
			return
		}
		if env.Args == nil {
			env.Args = map[string]any{}
		}

		reply := h.Handle(r.Context(), env)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reply); err != nil {
			logger.Error("encode reply", "error", err)
		}
	})
	return otelhttp.NewHandler(mux, "brickflow.agent")
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Code: code, Message: message})
}
