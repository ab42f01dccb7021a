package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/otherjamesbrown/penf-transcripts/config"
	"github.com/otherjamesbrown/penf-transcripts/pkg/api"
	"github.com/otherjamesbrown/penf-transcripts/pkg/buildinfo"
	"github.com/otherjamesbrown/penf-transcripts/pkg/db"
	"github.com/otherjamesbrown/penf-transcripts/pkg/events"
	"github.com/otherjamesbrown/penf-transcripts/pkg/logging"
	"github.com/otherjamesbrown/penf-transcripts/pkg/logsink"
	"github.com/otherjamesbrown/penf-transcripts/pkg/observability"
	"github.com/otherjamesbrown/penf-transcripts/pkg/retry"
	"github.com/otherjamesbrown/penf-transcripts/pkg/webhook"
	"github.com/otherjamesbrown/penf-transcripts/pkg/workers"
)

// Metric namespace and service label for the log database pool collector.
const (
	metricsNamespace = "penf"
	metricsService   = "transcripts"
)

// logDBConnectPolicy bounds startup attempts against the log database.
var logDBConnectPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: time.Second,
	MaxBackoff:     10 * time.Second,
	BackoffFactor:  2.0,
}

// ServeCommandDeps holds the dependencies of the serve command.
type ServeCommandDeps struct {
	LoadConfig func() (*config.ServiceConfig, error)
	OpenStore  func() (SecretStore, error)
	LogOutput  io.Writer
}

// DefaultServeDeps returns the production dependencies.
func DefaultServeDeps(loadConfig func() (*config.ServiceConfig, error)) *ServeCommandDeps {
	return &ServeCommandDeps{
		LoadConfig: loadConfig,
		OpenStore:  openStore,
		LogOutput:  os.Stderr,
	}
}

// NewServeCommand creates the 'serve' command.
func NewServeCommand(deps *ServeCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultServeDeps(func() (*config.ServiceConfig, error) { return config.LoadConfig("") })
	}

	return &cobra.Command{
		Use:   "serve",
		Short: "Run the transcript acquisition service",
		Long: `Run the HTTP service that receives change notifications and acquires
meeting transcripts.

Routes:
  POST <server.webhook_path>         Change notifications (202, processed in background)
  ANY  <server.webhook_path>?validationToken=...  Subscription validation echo
  GET  /webhooks/validate            Subscription validation echo
  GET  /v1/transcripts/{meetingID}   Manual acquisition (Bearer token or ?owner=ID)
  GET  /healthz, /version, /metrics

When server.grpc_health_address is set, the gRPC health service is served
there. Lifecycle events are published to Redis when redis.addr is set, and
logs are persisted to PostgreSQL when log_db.enabled is true.

The service shuts down gracefully on SIGINT or SIGTERM, waiting up to
server.shutdown_timeout for in-flight acquisitions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			store, err := deps.OpenStore()
			if err != nil {
				return fmt.Errorf("initializing credential store: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := newServer(ctx, cfg, store, deps.LogOutput)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
}

// server owns every long-lived component of the running service.
type server struct {
	cfg        *config.ServiceConfig
	logger     logging.Logger
	handler    http.Handler
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	dispatcher *workers.Dispatcher
	emitter    events.Emitter
	sink       *logging.AsyncSink
	pool       *pgxpool.Pool
}

// newServer wires the service from cfg. Optional backends that cannot be
// reached are logged and left disabled.
func newServer(ctx context.Context, cfg *config.ServiceConfig, store SecretStore, logOutput io.Writer) (*server, error) {
	if logOutput == nil {
		logOutput = os.Stderr
	}
	s := &server{cfg: cfg, logger: newLogger(cfg, logOutput), emitter: events.NopEmitter{}}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewPipelineMetrics(registry)

	if cfg.LogDB.Enabled {
		if err := s.startLogSink(ctx, registry, logOutput); err != nil {
			s.logger.Warn("Log database unavailable; logs are console only", logging.Err(err))
		}
	}

	if cfg.Redis.Enabled() {
		publisher, err := events.NewPublisherFromConfig(events.PublisherConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, s.logger)
		if err != nil {
			s.logger.Warn("Status events disabled", logging.F("redis_addr", cfg.Redis.Addr), logging.Err(err))
		} else {
			s.emitter = publisher
		}
	}

	svc, err := newDiscovery(cfg, store, metrics, s.logger)
	if err != nil {
		s.close()
		return nil, err
	}

	s.dispatcher = workers.NewDispatcher(metrics, s.logger)

	hook := webhook.NewHandler(svc, s.dispatcher, webhook.Config{
		ClientState: cfg.Webhook.ClientState,
		SettleDelay: cfg.Webhook.SettleDelay,
	},
		webhook.WithEmitter(s.emitter),
		webhook.WithMetrics(metrics),
		webhook.WithLogger(s.logger),
	)

	var check api.HealthCheck
	if s.pool != nil {
		pool := s.pool
		check = func(ctx context.Context) *db.HealthStatus { return db.Check(ctx, pool) }
	}

	s.handler = api.NewRouter(api.RouterConfig{
		WebhookPath: cfg.Server.WebhookPath,
		Webhook:     hook,
		Validate:    hook.ValidateHandler(),
		Transcripts: api.NewTranscriptHandler(svc,
			api.WithEmitter(s.emitter),
			api.WithMetrics(metrics),
			api.WithLogger(s.logger),
		),
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Health:  api.HealthHandler(check),
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.Server.GRPCHealthAddress != "" {
		s.health = health.NewServer()
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		s.health.SetServingStatus(buildinfo.ServiceName, healthpb.HealthCheckResponse_SERVING)
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
	}

	return s, nil
}

// startLogSink connects the log database and rebuilds the logger with a
// PostgreSQL sink.
func (s *server) startLogSink(ctx context.Context, registry prometheus.Registerer, logOutput io.Writer) error {
	pool, err := db.ConnectWithRetry(ctx, &s.cfg.LogDB.Config, logDBConnectPolicy)
	if err != nil {
		return err
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		db.Close(pool)
		return err
	}
	if _, err := db.RegisterPoolStatsCollector(registry, pool, metricsNamespace, metricsService); err != nil {
		s.logger.Warn("Pool stats collector not registered", logging.Err(err))
	}

	s.pool = pool
	s.sink = logging.NewAsyncSink(logging.AsyncSinkConfig{Writer: logsink.NewPostgresWriter(pool)})
	s.logger = newLogger(s.cfg, logOutput, s.sink)
	s.logger.Info("Persisting logs", logging.F("table", db.LogTable), logging.F("host", s.cfg.LogDB.Host))
	return nil
}

// Handler returns the HTTP routes.
func (s *server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is done or a listener fails, then shuts down.
func (s *server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("HTTP server listening",
			logging.F("address", s.cfg.Server.Address),
			logging.F("webhook_path", s.cfg.Server.WebhookPath),
			logging.F("version", buildinfo.Get().Version),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if s.grpcServer != nil {
		lis, err := net.Listen("tcp", s.cfg.Server.GRPCHealthAddress)
		if err != nil {
			errCh <- fmt.Errorf("grpc health listener: %w", err)
		} else {
			go func() {
				s.logger.Info("gRPC health server listening", logging.F("address", s.cfg.Server.GRPCHealthAddress))
				if err := s.grpcServer.Serve(lis); err != nil {
					errCh <- fmt.Errorf("grpc health server: %w", err)
				}
			}()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown requested")
	case runErr = <-errCh:
		s.logger.Error("Listener failed", logging.Err(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, s.Shutdown(shutdownCtx))
}

// Shutdown stops accepting requests, drains in-flight acquisitions and
// releases the backends.
func (s *server) Shutdown(ctx context.Context) error {
	var errs []error

	if s.health != nil {
		s.health.Shutdown()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining acquisitions: %w", err))
		}
		stats := s.dispatcher.Stats()
		s.logger.Info("Service stopped",
			logging.F("processed", stats.Processed),
			logging.F("failed", stats.Failed),
		)
	}

	s.close()
	return errors.Join(errs...)
}

// close releases the event publisher, log sink and database pool.
func (s *server) close() {
	if err := s.emitter.Close(); err != nil {
		s.logger.Warn("Closing event publisher", logging.Err(err))
	}
	if s.sink != nil {
		_ = s.sink.Close()
	}
	if s.pool != nil {
		db.Close(s.pool)
	}
}
