package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/Strob0t/hostagent/internal/adapter/cacheserver"
	_ "github.com/Strob0t/hostagent/internal/adapter/displayserver"
	_ "github.com/Strob0t/hostagent/internal/adapter/mediaserver"

	cfhttp "github.com/Strob0t/hostagent/internal/adapter/http"
	cfnats "github.com/Strob0t/hostagent/internal/adapter/nats"
	cfotel "github.com/Strob0t/hostagent/internal/adapter/otel"
	"github.com/Strob0t/hostagent/internal/adapter/statefile"
	"github.com/Strob0t/hostagent/internal/adapter/udp"
	"github.com/Strob0t/hostagent/internal/adapter/ws"
	"github.com/Strob0t/hostagent/internal/config"
	"github.com/Strob0t/hostagent/internal/domain/command"
	"github.com/Strob0t/hostagent/internal/domain/intent"
	"github.com/Strob0t/hostagent/internal/logger"
	"github.com/Strob0t/hostagent/internal/periodic"
	"github.com/Strob0t/hostagent/internal/port/link"
	"github.com/Strob0t/hostagent/internal/resilience"
	"github.com/Strob0t/hostagent/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if cfg.Logging.File != "" && !filepath.IsAbs(cfg.Logging.File) {
		cfg.Logging.File = filepath.Join(cfg.Paths.DataDir, cfg.Logging.File)
	}
	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	servers, err := config.LoadServers(cfg.Paths.ConfDir)
	if err != nil {
		return fmt.Errorf("servers: %w", err)
	}
	slog.Info("config loaded",
		"conf_dir", cfg.Paths.ConfDir,
		"data_dir", cfg.Paths.DataDir,
		"http_port", cfg.HTTP.Port,
		"udp_port", cfg.UDP.Port,
		"servers", len(servers),
		"log_level", cfg.Logging.Level,
	)

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o750); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Services ---

	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	transport := service.NewTransportService(command.DefaultSchema(), metrics)
	breakers := resilience.NewSet(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	svc, err := service.NewAgentService(service.AgentDeps{
		Config:    cfg,
		Servers:   servers,
		Transport: transport,
		Intents:   intent.NewRegistry(),
		Store:     statefile.New(filepath.Join(cfg.Paths.DataDir, statefile.FileName)),
		Dialers: link.Schemes{
			"ws":   ws.NewDialer(),
			"wss":  ws.NewDialer(),
			"nats": cfnats.NewDialer(),
		},
		Metrics:  metrics,
		Breakers: breakers,
	})
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	otelShutdown, err := cfotel.Setup(ctx, cfg.Logging.Service, svc.AgentID(), cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	// --- Transports ---

	router := cfhttp.NewRouter(cfhttp.NewCommandHandler(transport), cfhttp.HealthHandler(svc.HealthStatus),
		cfg.Logging.Service, cfg.HTTP.CORSOrigin)
	httpSrv, err := cfhttp.Listen(":"+strconv.Itoa(cfg.HTTP.Port), router)
	if err != nil {
		return err
	}

	udpTr, err := udp.Listen(ctx, cfg.UDP.Port, transport)
	if err != nil {
		return err
	}
	defer udpTr.Close()
	udpTr.SetReporter(svc)

	svc.Bind(ctx, service.Endpoints{
		TCPPort:   httpSrv.Port(),
		UDPPort:   udpTr.Port(),
		Pusher:    udp.NewPusher(udpTr, breakers),
		Datagrams: udpTr,
	})
	svc.Start(ctx)

	slog.Info("agent listening", "agent_id", svc.AgentID(), "http_port", httpSrv.Port(), "udp_port", udpTr.Port())

	// --- Run ---

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := httpSrv.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error { return udpTr.Serve(gctx) })
	g.Go(func() error {
		maintain := periodic.New("udp.maintain", 4*cfg.Agent.Heartbeat, udpTr.Maintain,
			periodic.WithJitter(4*cfg.Agent.Heartbeat), periodic.WithInitialDelay(4*cfg.Agent.Heartbeat))
		maintain.Run(gctx)
		return nil
	})
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-svc.Done():
			slog.Info("shutdown command received")
		}
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown", "error", err)
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("agent stopped")
	return err
}
