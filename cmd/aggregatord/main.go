package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/stateless-rollup/internal/aggregator"
	"github.com/example/stateless-rollup/internal/api"
	"github.com/example/stateless-rollup/internal/archive"
	"github.com/example/stateless-rollup/internal/config"
	"github.com/example/stateless-rollup/internal/proof"
	"github.com/example/stateless-rollup/internal/rollup"
	"github.com/example/stateless-rollup/internal/security"
	"github.com/example/stateless-rollup/internal/transport"
	"github.com/example/stateless-rollup/pkg/audit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	oracle, err := rollup.OpenLevelDBOracle(cfg.OracleDBPath)
	if err != nil {
		log.Fatalf("Failed to open oracle database: %v", err)
	}
	defer oracle.Close()

	events := audit.NewChainLogger()
	agg := aggregator.New(proof.NewMerkleSystem(), oracle, cfg.BlockTimeout)

	var blockArchive *archive.PostgresArchive
	deps := api.Dependencies{Logger: logger, Agg: agg, Events: events}
	var archiver aggregator.BlockArchiver
	if cfg.DatabaseURL != "" {
		blockArchive, err = archive.Connect(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect block archive: %v", err)
		}
		defer blockArchive.Close()
		archiver = blockArchive
		deps.Archive = blockArchive
		log.Printf("Block archive enabled")
	}

	svc := aggregator.NewService(agg, archiver)

	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewWSServer(svc.Handle))
	mux.Handle("/", api.NewRouter(deps))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	tlsCfg := security.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile, CAFile: cfg.TLSCAFile}
	if tlsCfg.Enabled() {
		server.TLSConfig, err = security.ServerTLS(tlsCfg)
		if err != nil {
			log.Fatalf("Failed to load TLS configuration: %v", err)
		}
	}

	// Abandon closed blocks that never collect their signatures.
	expireCtx, stopExpire := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-expireCtx.Done():
				return
			case now := <-ticker.C:
				if agg.Expire(now.UTC()) {
					log.Printf("Expired transfer block awaiting signatures past %v", cfg.BlockTimeout)
				}
			}
		}
	}()

	go func() {
		log.Printf("Aggregator listening on %s", cfg.ListenAddr)
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down aggregator...")
	stopExpire()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
