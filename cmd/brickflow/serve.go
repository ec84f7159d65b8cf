package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/polisai/brickflow/pkg/config"
	"github.com/polisai/brickflow/pkg/domain"
	"github.com/polisai/brickflow/pkg/engine"
	"github.com/polisai/brickflow/pkg/telemetry"
	"github.com/polisai/brickflow/pkg/transport"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ActivatePath runs the pipeline of a component with a posted initial context.
const ActivatePath = "/v1/components/{component}/run"

// BricksPath lists the brick catalog.
const BricksPath = "/v1/bricks"

const maxActivationBytes = 1 << 20

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the frame agent and the component activation endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	if source := cfg.Pipeline.Source(); source != "" {
		if cfg.Pipeline.Watch {
			provider, err := config.NewFileProvider(ctx, config.FileProviderOptions{
				Path:     source,
				Bricks:   a.bricks,
				OnUpdate: a.pipelines.UpdatePipelines,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := provider.Close(); err != nil {
					logger.Error("Failed to close mod watcher", "error", err)
				}
			}()
		} else if err := a.loadPipelines(ctx); err != nil {
			return err
		}
	}

	eng := engine.NewEngine(a.engineCfg)
	metrics := telemetry.NewAgentMetrics()
	agent := engine.NewAgent(eng, metrics)

	mux := http.NewServeMux()
	mux.Handle(transport.RunPath, transport.NewServer(agent, logger))
	mux.Handle("POST "+ActivatePath, otelhttp.NewHandler(activationHandler(a, eng), "brickflow.activate"))
	mux.HandleFunc("GET "+BricksPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, a.bricks.Describe())
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	servers := []*http.Server{newHTTPServer(mux)}
	listeners := []string{cfg.Server.Address}
	if cfg.Server.MetricsAddress == "" {
		mux.Handle("GET /metrics", metrics.Handler())
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metrics.Handler())
		servers = append(servers, newHTTPServer(metricsMux))
		listeners = append(listeners, cfg.Server.MetricsAddress)
	}

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		ln, err := net.Listen("tcp", listeners[i])
		if err != nil {
			return err
		}
		logger.Info("Server listening", "addr", ln.Addr().String())
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case serveErr = <-errCh:
		logger.Error("Server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("Shutdown error", "error", shutdownErr)
		}
	}
	return serveErr
}

func newHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// activationRequest is the body of an activation call.
type activationRequest struct {
	ModID   string                `json:"modId"`
	Initial domain.InitialContext `json:"initial"`
}

// activationHandler selects the component pipeline and runs it. The response
// is the outcome; failed runs answer with the status of their error kind.
func activationHandler(a *app, eng *engine.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		component := r.PathValue("component")
		var req activationRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxActivationBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeStatus(w, http.StatusBadRequest, domain.ErrorResponse{Code: "INVALID_REQUEST", Message: "invalid activation request"})
			return
		}

		p, err := a.pipelines.SelectPipeline(component)
		if err != nil {
			writeStatus(w, http.StatusNotFound, domain.ErrorResponse{Code: "PIPELINE_NOT_FOUND", Message: err.Error()})
			return
		}

		outcome, runErr := eng.Run(r.Context(), p, req.Initial, engine.RunOptions{
			Meta:               domain.RunMetadata{ModID: req.ModID, ComponentID: component},
			DestinationTimeout: a.cfg.Pipeline.DestinationTimeout,
			RequireRenderer:    a.cfg.Pipeline.RequireRenderer,
		})
		status := http.StatusOK
		if runErr != nil {
			status = statusFor(outcome)
			a.logger.LogAttrs(r.Context(), slog.LevelDebug, "activation failed",
				slog.String("component", component),
				slog.String("run_id", outcome.RunID))
		}
		writeStatus(w, status, outcome)
	})
}

func statusFor(outcome domain.Outcome) int {
	if outcome.State == domain.RunAborted {
		return 499
	}
	if outcome.Failure == nil {
		return http.StatusInternalServerError
	}
	switch outcome.Failure.Kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindBusiness:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeStatus(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
