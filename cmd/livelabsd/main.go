package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/davidgeorgehope/livelabs.cc/internal/appcontainer"
	"github.com/davidgeorgehope/livelabs.cc/internal/appinit"
	"github.com/davidgeorgehope/livelabs.cc/internal/clock"
	"github.com/davidgeorgehope/livelabs.cc/internal/config"
	"github.com/davidgeorgehope/livelabs.cc/internal/docker"
	"github.com/davidgeorgehope/livelabs.cc/internal/events"
	"github.com/davidgeorgehope/livelabs.cc/internal/images"
	"github.com/davidgeorgehope/livelabs.cc/internal/logging"
	"github.com/davidgeorgehope/livelabs.cc/internal/metrics"
	"github.com/davidgeorgehope/livelabs.cc/internal/proxy"
	"github.com/davidgeorgehope/livelabs.cc/internal/runner"
	"github.com/davidgeorgehope/livelabs.cc/internal/store"
	"github.com/davidgeorgehope/livelabs.cc/internal/terminal"
	"github.com/davidgeorgehope/livelabs.cc/internal/track"
	"github.com/davidgeorgehope/livelabs.cc/internal/web"
)

var version = "dev"

// metricsTextfileInterval is how often the textfile mirror is rewritten.
const metricsTextfileInterval = 15 * time.Second

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("livelabsd " + version)
	fmt.Println("=============================================")
	fmt.Printf("LIVELABS_DOCKER_SOCK=%s\n", cfg.DockerSock)
	fmt.Printf("LIVELABS_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("LIVELABS_WEB_PORT=%d\n", cfg.WebPort)
	fmt.Printf("LIVELABS_TRACKS_DIR=%s\n", cfg.TracksDir)
	fmt.Printf("LIVELABS_RUNNER_TIMEOUT=%s\n", cfg.RunnerTimeout)
	fmt.Printf("LIVELABS_RECONCILE_INTERVAL=%s\n", cfg.ReconcileInterval)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client, err := docker.NewClient(cfg.DockerSock)
	if err != nil {
		log.Error("failed to create Docker client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.TracksDir != "" {
		tracks, err := track.LoadDir(cfg.TracksDir)
		if err != nil {
			log.Error("failed to load track catalog", "dir", cfg.TracksDir, "error", err)
			os.Exit(1)
		}
		for _, t := range tracks {
			if err := db.UpsertTrack(t); err != nil {
				log.Error("failed to store track", "track", t.ID, "error", err)
				os.Exit(1)
			}
		}
		log.Info("track catalog loaded", "dir", cfg.TracksDir, "tracks", len(tracks))
	}

	clk := clock.Real{}
	bus := events.New()
	imageManager := images.NewManager(client, log, clk, bus)
	scriptRunner := runner.New(client, imageManager, clk, log, cfg.RunnerTimeout)
	apps := appcontainer.NewManager(client, db, imageManager, clk, log, bus)
	initOrch := appinit.NewOrchestrator(db, scriptRunner, clk, log, bus)
	bridge := terminal.NewBridge(client, imageManager, log)

	fetcher, err := proxy.New(cfg.ProxyAllow, log)
	if err != nil {
		log.Error("failed to build embedding proxy", "error", err)
		os.Exit(1)
	}

	srv := web.NewServer(web.Dependencies{
		Store:     db,
		Runner:    scriptRunner,
		Apps:      apps,
		Init:      initOrch,
		Images:    imageManager,
		Proxy:     fetcher,
		Terminal:  bridge,
		Engine:    client,
		Bus:       bus,
		Clock:     clk,
		Log:       log,
		JWTSecret: cfg.JWTSecret,
	})

	go func() {
		addr := net.JoinHostPort("", strconv.Itoa(cfg.WebPort))
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("web server error", "error", err)
			cancel()
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if len(cfg.WarmupImages) > 0 {
		go imageManager.Warmup(ctx, cfg.WarmupImages)
		if cfg.WarmupSchedule != "" {
			go func() {
				if err := imageManager.WarmupLoop(ctx, cfg.WarmupSchedule, cfg.WarmupImages); err != nil {
					log.Error("image warmup loop failed", "error", err)
				}
			}()
		}
	}

	if cfg.MetricsTextfile != "" {
		go metricsTextfileLoop(ctx, cfg.MetricsTextfile, log)
	}

	log.Info("livelabsd started", "version", version)

	reconciler := appcontainer.NewReconciler(client, db, bridge, clk, log, cfg.ReconcileInterval)
	if err := reconciler.Run(ctx); err != nil {
		log.Error("livelabsd exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("livelabsd shutdown complete")
}

// metricsTextfileLoop mirrors the livelabs_ metric families into a
// node_exporter textfile until shutdown.
func metricsTextfileLoop(ctx context.Context, path string, log *logging.Logger) {
	ticker := time.NewTicker(metricsTextfileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("metrics textfile write failed", "path", path, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
