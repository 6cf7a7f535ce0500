// Command renderd is the dispatcher process: it loads config, starts
// one worker per configured render device, and serves the HTTP and
// gRPC health surfaces until told to stop.
package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/renderforge/dispatcher/internal/config"
	"github.com/renderforge/dispatcher/internal/eventbus"
	"github.com/renderforge/dispatcher/internal/gpudetect"
	"github.com/renderforge/dispatcher/internal/grpcapi"
	"github.com/renderforge/dispatcher/internal/httpapi"
	"github.com/renderforge/dispatcher/internal/logging"
	"github.com/renderforge/dispatcher/internal/metrics"
	"github.com/renderforge/dispatcher/internal/render"
	"github.com/renderforge/dispatcher/internal/runtime"
	"github.com/renderforge/dispatcher/internal/store"
	"github.com/renderforge/dispatcher/internal/tracing"
)

func main() {
	log := logging.New("renderforge-dispatcher", logging.GetEnv("VERSION", "dev"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgDir := logging.GetEnv("RENDERFORGE_CONFIG_DIR", ".")
	cfgStore := config.NewStore(cfgDir)
	cfg := cfgStore.Load()

	wired := wireCollaborators(ctx, log)
	defer wired.Close()

	d := render.NewDispatcher(log, runtime.NewDemoAdapter(0, 0), wired.dispatcherOpts...)

	requested := gpudetect.ResolveRequested(ctx, splitDevices(cfg.RenderDevices))
	if len(requested) == 0 {
		requested = []string{"cpu"}
	}
	if err := d.UpdateWorkers(ctx, requested); err != nil {
		log.WithError(err).Warn("renderd: not every requested worker started cleanly")
	}

	api := httpapi.New(d, cfgStore, log)
	httpSrv := &http.Server{
		Addr:              listenAddr(cfg),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	api.RegisterShutdown(httpSrv)

	grpcSrv := grpcapi.New()
	go grpcSrv.Watch(ctx, d, 5*time.Second)

	grpcPort := logging.GetEnv("GRPC_HEALTH_PORT", "9090")
	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		log.WithError(err).Fatal("renderd: failed to bind gRPC health listener")
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.WithError(err).Error("renderd: gRPC health server stopped")
		}
	}()

	metricsSrv := &http.Server{
		Addr:              logging.GetEnv("METRICS_ADDR", ":9091"),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("renderd: metrics server stopped")
		}
	}()

	go func() {
		log.WithField("addr", httpSrv.Addr).Info("renderd: HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("renderd: HTTP server stopped")
		}
	}()

	<-ctx.Done()
	log.Info("renderd: shutdown signal received")

	d.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("renderd: HTTP server did not shut down cleanly")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("renderd: metrics server did not shut down cleanly")
	}
	grpcSrv.GracefulStop()
	log.Info("renderd: stopped")
}

func listenAddr(cfg config.AppConfig) string {
	host := "127.0.0.1"
	if cfg.Net.ListenToNetwork {
		host = "0.0.0.0"
	}
	port := cfg.Net.ListenPort
	if port == 0 {
		port = 9000
	}
	return host + ":" + strconv.Itoa(port)
}

func splitDevices(v string) []string {
	if v == "" {
		return []string{"auto"}
	}
	var out []string
	for _, tag := range strings.Split(v, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

// wiredCollaborators bundles the optional render.Option-backed
// collaborators built from environment configuration, plus whatever
// needs to be closed on shutdown.
type wiredCollaborators struct {
	dispatcherOpts []render.Option
	auditStore     *store.Store
	redisClient    *redis.Client
	tracerShutdown func(context.Context) error
}

func (w *wiredCollaborators) Close() {
	if w.auditStore != nil {
		w.auditStore.Close()
	}
	if w.redisClient != nil {
		w.redisClient.Close()
	}
	if w.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.tracerShutdown(ctx)
	}
}

// wireCollaborators builds metrics, tracing, audit, and event
// publishing from environment variables, skipping any that fail to
// connect rather than refusing to start: a dispatcher with no Redis or
// Postgres nearby should still render.
func wireCollaborators(ctx context.Context, log *logrus.Entry) *wiredCollaborators {
	w := &wiredCollaborators{}

	sink := metrics.New(prometheus.DefaultRegisterer)
	w.dispatcherOpts = append(w.dispatcherOpts, render.WithMetrics(sink))

	if shutdownFn, err := tracing.Init(ctx, "renderforge-dispatcher"); err != nil {
		log.WithError(err).Warn("renderd: tracing disabled, OTLP exporter unavailable")
	} else {
		w.tracerShutdown = shutdownFn
		w.dispatcherOpts = append(w.dispatcherOpts, render.WithTracer(tracing.New("renderforge-dispatcher")))
	}

	if redisURL := logging.GetEnv("REDIS_URL", ""); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			log.WithError(err).Warn("renderd: invalid REDIS_URL, event publishing disabled")
		} else {
			rdb := redis.NewClient(opt)
			if _, err := rdb.Ping(ctx).Result(); err != nil {
				log.WithError(err).Warn("renderd: could not reach Redis, event publishing disabled")
				rdb.Close()
			} else {
				w.redisClient = rdb
				w.dispatcherOpts = append(w.dispatcherOpts, render.WithEvents(eventbus.New(rdb, "")))
			}
		}
	}

	if dsn := logging.GetEnv("DATABASE_URL", ""); dsn != "" {
		auditStore, err := store.Open(ctx, dsn)
		if err != nil {
			log.WithError(err).Warn("renderd: could not reach Postgres, audit logging disabled")
		} else {
			w.auditStore = auditStore
			w.dispatcherOpts = append(w.dispatcherOpts, render.WithAudit(auditStore))
		}
	}

	return w
}
