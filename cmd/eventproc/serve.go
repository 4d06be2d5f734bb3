package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/bjaus/eventproc"
	"github.com/bjaus/eventproc/config"
	"github.com/bjaus/eventproc/httpapi"
	"github.com/bjaus/eventproc/internal/accounts"
	"github.com/bjaus/eventproc/observability"
	"github.com/bjaus/eventproc/resources"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the event processor over HTTP",
	Long: `Build the processor from configuration, register the account processors,
and serve POST /events until SIGINT or SIGTERM.

When metrics.exporter is "prometheus", a second listener on metrics.addr
serves /metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv(config.EnvPrefix + "_CONFIG")
}

const telemetryFlushTimeout = 5 * time.Second

// app is everything serve runs, built from one Config.
type app struct {
	processor     *eventproc.Processor
	registry      *resources.Registry
	router        *gin.Engine
	metricsServer *http.Server
	shutdown      []func(context.Context) error
}

// Close flushes telemetry, then closes resources.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
	defer cancel()

	var errs []error
	for _, fn := range a.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "shutdown telemetry"))
		}
	}
	if err := a.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		return errors.Wrap(err, "initialize logger")
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close resources", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      a.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		return listen(srv)
	})
	if a.metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics server listening", zap.String("addr", a.metricsServer.Addr))
			return listen(a.metricsServer)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, errors.Wrap(err, "shutdown http server"))
		}
		if a.metricsServer != nil {
			if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, errors.Wrap(err, "shutdown metrics server"))
			}
		}
		return stderrors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return err
	}
	logger.Info("server exited successfully")
	return nil
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "listen on %s", srv.Addr)
	}
	return nil
}

// newApp wires resources, observability, the processor, and the router.
// With the otel exporter, metrics and spans are written as JSON to
// telemetry. The caller owns Close.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, telemetry io.Writer) (_ *app, err error) {
	a := &app{registry: newRegistry(cfg.Resources, logger)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if _, ok := cfg.Resources.SQL[accounts.Database]; ok {
		db, err := a.registry.DB(ctx, accounts.Database)
		if err != nil {
			return nil, errors.Wrap(err, "open accounts database")
		}
		if err := accounts.Migrate(ctx, db); err != nil {
			return nil, errors.Wrap(err, "migrate accounts database")
		}
	}

	opts, err := cfg.Processor.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, eventproc.WithLogger(logger))

	switch cfg.Metrics.Exporter {
	case config.ExporterPrometheus:
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, eventproc.WithMetrics(observability.NewPrometheusMetrics(reg)))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
		}
	case config.ExporterOTel:
		otelOpts, err := a.startOTel(telemetry)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otelOpts...)
	}

	p := eventproc.New(opts...)
	if err := a.registry.Register(p); err != nil {
		return nil, errors.Wrap(err, "register resource factories")
	}
	if err := accounts.NewService(logger, bcrypt.DefaultCost).Register(p); err != nil {
		return nil, errors.Wrap(err, "register account processors")
	}
	a.processor = p

	if cfg.Logger.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	a.router = httpapi.NewRouter(httpapi.NewHandler(p, logger), logger)

	return a, nil
}

// startOTel installs SDK meter and tracer providers exporting to w, both
// globally and on the processor. Close flushes and stops them.
func (a *app) startOTel(w io.Writer) ([]eventproc.Option, error) {
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, errors.Wrap(err, "create otel metric exporter")
	}
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, errors.Wrap(err, "create otel trace exporter")
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	a.shutdown = append(a.shutdown, tp.Shutdown, mp.Shutdown)
	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	m, err := observability.NewMetricsRecorder(mp)
	if err != nil {
		return nil, errors.Wrap(err, "create otel metrics")
	}
	return []eventproc.Option{
		eventproc.WithMetrics(m),
		eventproc.WithTracing(observability.NewSpanManager(tp)),
	}, nil
}

func newRegistry(cfg config.ResourcesConfig, logger *zap.Logger) *resources.Registry {
	opts := []resources.Option{resources.WithLogger(logger)}
	for name, dsn := range cfg.SQL {
		opts = append(opts, resources.WithSQL(name, dsn))
	}
	for name, rc := range cfg.Redis {
		opts = append(opts, resources.WithRedis(name, &redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}))
	}
	return resources.New(opts...)
}
