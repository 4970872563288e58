// Package main is the entry point of the workload service: OTLP receivers for
// PostgreSQL logs, the REST API and snapshot management over one storage
// backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fidde/pgworkload/internal/aggregator"
	"github.com/fidde/pgworkload/internal/api"
	"github.com/fidde/pgworkload/internal/config"
	"github.com/fidde/pgworkload/internal/receiver"
	"github.com/fidde/pgworkload/internal/storage"
	"github.com/fidde/pgworkload/internal/storage/snapshots"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// service is a listener the process supervises.
type service interface {
	Start() error
	Shutdown(ctx context.Context) error
}

type namedService struct {
	name string
	addr string
	service
}

func main() {
	configPath := pflag.StringP("config", "c", envOr("PGW_CONFIG", "pgworkload.yaml"), "path to the YAML configuration")
	pprofAddr := pflag.String("pprof-addr", envOr("PPROF_ADDR", "localhost:6060"), "pprof listen address, empty disables it")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *pprofAddr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Shutdown complete")
}

func run(ctx context.Context, configPath, pprofAddr string) error {
	log.Println("Starting PostgreSQL workload service...")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := slog.Default()

	store, err := storage.NewStorage(ctx, cfg.StorageConfig(logger))
	if err != nil {
		return fmt.Errorf("creating storage: %w", err)
	}
	defer func() {
		log.Println("Closing storage...")
		if err := store.Close(); err != nil {
			log.Printf("Error closing storage: %v", err)
		}
	}()

	pipeline := aggregator.NewPipeline(cfg.PipelineConfig(logger))
	consumer := receiver.NewConsumer(pipeline, store, cfg.Server.OTLP, cfg.Storage.KeepRecords)
	log.Printf("Pipeline: %d workers, %s buckets, %s storage", pipeline.Parallelism(), cfg.Pipeline.Bucket, cfg.Storage.Backend)

	snapshotStore, err := snapshots.New(snapshots.Config{
		Dir:          cfg.Snapshots.Dir,
		MaxSnapshots: cfg.Snapshots.MaxSnapshots,
	})
	if err != nil {
		return fmt.Errorf("creating snapshot store: %w", err)
	}
	snapshotHandler := api.NewSnapshotHandler(snapshotStore, store, cfg.Pipeline.Bucket, cfg.Pipeline.MaxExclusionSamples)

	services := []namedService{
		{"OTLP HTTP receiver", "http://" + cfg.Server.OTLPHTTPAddr + "/v1/logs", receiver.NewHTTPReceiver(cfg.Server.OTLPHTTPAddr, consumer)},
		{"OTLP gRPC receiver", cfg.Server.OTLPGRPCAddr, receiver.NewGRPCReceiver(cfg.Server.OTLPGRPCAddr, consumer)},
		{"REST API", "http://" + cfg.Server.APIAddr + "/api/v1", api.NewServer(api.Config{Addr: cfg.Server.APIAddr, Location: loc}, store, consumer, snapshotHandler)},
	}
	if pprofAddr != "" {
		services = append(services, namedService{"pprof", "http://" + pprofAddr + "/debug/pprof", &pprofServer{srv: &http.Server{Addr: pprofAddr}}})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error {
			log.Printf("Starting %s on %s", svc.name, svc.addr)
			if err := svc.Start(); err != nil {
				return fmt.Errorf("%s: %w", svc.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, svc := range services {
			if err := svc.Shutdown(shutdownCtx); err != nil {
				log.Printf("Error shutting down %s: %v", svc.name, err)
			}
		}
		return nil
	})

	return g.Wait()
}

// pprofServer serves the default mux, where net/http/pprof registers.
type pprofServer struct {
	srv *http.Server
}

func (p *pprofServer) Start() error {
	if err := p.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (p *pprofServer) Shutdown(ctx context.Context) error {
	return p.srv.Shutdown(ctx)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
