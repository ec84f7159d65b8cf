package bricks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/brickflow/internal/governance"
	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine/runtime"
)

const maxResponseBytes = 4 << 20

// httpGetBrick fetches a URL. Transport errors and retryable statuses are
// retried by the brick itself; the engine never retries a step.
func httpGetBrick(client *http.Client, retry governance.RetryConfig) runtime.ResolvedBrick {
	return runtime.ResolvedBrick{
		Brick: runtime.BrickFunc(func(ctx context.Context, args map[string]any, opts runtime.Options) (runtime.Result, error) {
			url, _ := args["url"].(string)
			cfg := retry
			if n, ok := intArg(args["maxRetries"]); ok {
				cfg.MaxRetries = n
			}
			if ms, ok := intArg(args["timeoutMs"]); ok && ms > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
				defer cancel()
			}
			headers, _ := args["headers"].(map[string]any)

			var out map[string]any
			attempts, err := governance.NewRetryPolicy(cfg).Do(ctx, func(ctx context.Context) (bool, error) {
				resp, retryable, err := fetch(ctx, client, url, headers)
				if err != nil {
					return retryable, err
				}
				out = resp
				return false, nil
			})
			if err != nil {
				logger(opts).WarnContext(ctx, "http get failed",
					"url", url,
					"retries", attempts,
					"error", err,
				)
				return runtime.Result{}, err
			}
			return runtime.Value(out), nil
		}),
		Schema: runtime.InputSchema{Fields: map[string]runtime.FieldSchema{
			"url":        {Type: runtime.TypeString, Required: true, Rules: "url"},
			"headers":    {Type: runtime.TypeObject},
			"maxRetries": {Type: runtime.TypeInteger, Rules: "min=0,max=10"},
			"timeoutMs":  {Type: runtime.TypeInteger, Rules: "min=0"},
		}},
		Capabilities: runtime.Capabilities{Pure: true},
	}
}

func fetch(ctx context.Context, client *http.Client, url string, headers map[string]any) (map[string]any, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, domain.NewBusinessError(err, "build request")
	}
	for name, value := range headers {
		req.Header.Set(name, fmt.Sprint(value))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, true, fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode >= 400 {
		err := domain.NewBusinessError(fmt.Errorf("http status %d", resp.StatusCode), "get %s", url)
		return nil, governance.NewRetryPolicy(governance.RetryConfig{}).RetryableStatus(resp.StatusCode), err
	}

	out := map[string]any{
		"status":  float64(resp.StatusCode),
		"headers": flattenHeaders(resp.Header),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, false, domain.NewBusinessError(err, "decode %s", url)
		}
		out["body"] = decoded
	} else {
		out["body"] = string(body)
	}
	return out, false, nil
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

func intArg(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
