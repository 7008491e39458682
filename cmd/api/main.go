package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"

	"mylucky.org/internal/audit"
	"mylucky.org/internal/auth"
	"mylucky.org/internal/custody"
	"mylucky.org/internal/deploy"
	"mylucky.org/internal/httpapi"
	"mylucky.org/internal/migrate"
	"mylucky.org/internal/obs"
	"mylucky.org/internal/store/pg"
	"mylucky.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var (
		planPath     = flag.String("plan", os.Getenv("MYLUCKY_PLAN"), "Deployment plan (YAML); env-only when empty")
		manifestPath = flag.String("manifest", "", "Write the deployment manifest to this path")
		httpAddr     = flag.String("http", envOr("MYLUCKY_HTTP_ADDR", ":8080"), "HTTP listen address")
		grpcAddr     = flag.String("grpc", envOr("MYLUCKY_GRPC_ADDR", ":9090"), "gRPC listen address")
	)
	flag.Parse()

	// Observability: metrics registration, build info
	obs.Init()
	obs.InitBuildInfo(version, commit)

	plan, err := deploy.LoadPlan(*planPath)
	if err != nil {
		log.Fatalf("load plan: %v", err)
	}
	if !auth.Configured() && len(plan.Depositors) > 0 {
		log.Fatalf("depositors configured but MYLUCKY_AUTH_SECRET is not set")
	}
	creds := auth.NewCredentials()
	for _, dep := range plan.Depositors {
		if err := creds.Add(common.HexToAddress(dep.Address), dep.KeyHash); err != nil {
			log.Fatalf("depositor %s: %v", dep.Address, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	live := stream.New()
	sinks := custody.Fanout{obs.EventSink{}, audit.Sink{}, live}

	var (
		store *pg.Store
		d     *deploy.Deployment
	)
	if dsn := os.Getenv("MYLUCKY_PG_DSN"); dsn != "" {
		store, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		mgr := migrate.NewManager(store.DB(), migrate.Migrations(), migrate.Seeds())
		if err := mgr.Up(ctx); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		sinks = append(sinks, store.Events())
		opts := deploy.Options{Sink: sinks, Registry: store}
		d, err = deploy.Resume(ctx, plan, deploy.PostgresLedgers(store), store, opts)
		if errors.Is(err, deploy.ErrNotDeployed) {
			d, err = deploy.Deploy(ctx, plan, deploy.PostgresLedgers(store), opts)
		}
	} else {
		d, err = deploy.Deploy(ctx, plan, deploy.InMemoryLedgers(), deploy.Options{Sink: sinks})
	}
	if err != nil {
		log.Fatalf("deployment: %v", err)
	}
	if *manifestPath != "" {
		if err := d.WriteManifest(ctx, *manifestPath); err != nil {
			log.Fatalf("write manifest: %v", err)
		}
	}
	cancel()

	probe := httpapi.ReadyProbe{}
	if store != nil {
		probe.DB = store.DB()
	}

	// HTTP API
	api := httpapi.New(probe, version, d, live, creds)
	srv := &http.Server{
		Addr:              *httpAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE responses stay open; the stream ends with the client.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// gRPC release service + health
	grpcSrv := grpc.NewServer()
	releases := httpapi.NewGRPCServer(probe, d)
	releases.Register(grpcSrv)
	lis, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	obs.Info("starting mylucky-api", map[string]any{
		"version": version,
		"http":    srv.Addr,
		"grpc":    *grpcAddr,
		"network": plan.Network,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	healthCtx, stopHealth := context.WithCancel(context.Background())
	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-healthCtx.Done():
				return
			case <-t.C:
				releases.RefreshHealth(healthCtx)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Info("shutting down", nil)
	stopHealth()
	releases.Shutdown()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if store != nil {
		_ = store.Close()
	}
	obs.Info("stopped", nil)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
