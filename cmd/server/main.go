/*
main.go - Application entry point

Adapted from the teacher's cmd/server/main.go startup sequence (flag
parsing, store init, graceful shutdown) but rewired for this core's
config-driven stack: a viper-backed config.Load replaces the two flags,
zerolog replaces the plain "log" package, and app.Service replaces the
direct api.Handler(store) wiring since this core builds six components
per request rather than one ledger.

STARTUP SEQUENCE:
  1. Load configuration (file + CLINIC_* env overrides)
  2. Open the configured store (sqlite or postgres)
  3. Build the application service
  4. Configure the HTTP router
  5. Start the server with graceful shutdown

SEE ALSO:
  - internal/config: configuration loading
  - internal/app: per-operation transaction orchestration
  - transport/http: REST boundary
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	httptransport "github.com/clinicflow/sales-core/transport/http"
	"github.com/clinicflow/sales-core/internal/app"
	"github.com/clinicflow/sales-core/internal/clock"
	"github.com/clinicflow/sales-core/internal/config"
	"github.com/clinicflow/sales-core/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; defaults + CLINIC_* env vars apply regardless)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	if cfg.Tracing.Enabled {
		tp, err := initTracer(cfg.Tracing)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize tracer")
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("tracer shutdown failed")
			}
		}()
	}

	if cfg.Store.Driver != "sqlite" {
		logger.Fatal().Str("driver", cfg.Store.Driver).Msg("only the sqlite store driver is wired into this entrypoint; internal/store/postgres is available for a future postgres-backed entrypoint")
	}

	store, err := sqlite.New(cfg.Store.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	service := app.New(store, clock.System{}, cfg.DefaultCurrency, cfg.SaleNumberFormat, cfg.AllowExpiredOnRefund)
	handler := httptransport.NewHandler(service)
	router := httptransport.NewRouter(handler, cfg.HTTP.AllowedOrigins, logger)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

// initTracer wires the OTLP/HTTP exporter when tracing.enabled is set,
// the same exporter + resource + always-sample setup the distributed-
// transactions benchmark's order service uses for its own span export.
func initTracer(cfg config.TracingConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out zerolog.Logger
	if cfg.Format == "console" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		out = zerolog.New(os.Stdout)
	}
	return out.Level(level).With().Timestamp().Logger()
}
