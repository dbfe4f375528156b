package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/position.report/internal/api"
	"github.com/banshee-data/position.report/internal/broadcast"
	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/db"
	"github.com/banshee-data/position.report/internal/uwb"
	"github.com/banshee-data/position.report/internal/uwb/network"
	"github.com/banshee-data/position.report/internal/version"
)

var (
	configPath    = flag.String("config", "position.json", "Path to the site config file")
	dbPath        = flag.String("db", "positions.db", "Path to the position history database")
	migrationsDir = flag.String("migrations", "migrations", "Path to the database migrations directory")
	listen        = flag.String("listen", "", "HTTP listen address (overrides config)")
	udpListen     = flag.String("udp", "", "UDP listen address (overrides config)")
	noHistory     = flag.Bool("no-history", false, "Disable position history recording")
)

func main() {
	flag.Parse()
	log.Printf("position.report %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	cfg, err := config.LoadOrCreate(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfgMgr := config.NewManager(*configPath, cfg)

	var database *db.DB
	if !*noHistory {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer database.Close()
		if err := database.MigrateUp(*migrationsDir); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}

	anchors := cfg.Anchors
	if len(anchors) == 0 {
		anchors = config.DefaultAnchors()
	}
	store := uwb.NewTrackerStore(uwb.StoreConfig{
		StaleThreshold: cfg.GetStaleThreshold(),
		FreshWindow:    cfg.GetFreshWindow(),
		Solver: uwb.SolverConfig{
			MaxCondition:  cfg.GetMaxSolverCondition(),
			MaxResidualCm: cfg.GetMaxSolveResidualCm(),
		},
	}, uwb.NewAnchorRegistry(anchors), cfg.Screen)

	hub := broadcast.NewHub()

	// The calibration engine solves the reference tag through the live store
	// and installs accepted fits into the store, the config file, and the
	// audit table.
	calib := uwb.NewCalibrationEngine(
		cfg.GetMaxFitResidualCm(),
		func(tagID string) (uwb.Vec3, error) {
			return store.SolveTag(tagID, time.Now())
		},
		func(cal uwb.ScreenCalibration, residualCm float64) error {
			store.InstallScreen(cal)
			if err := cfgMgr.SaveScreen(&cal); err != nil {
				return err
			}
			if database != nil {
				if err := database.RecordCalibration(cal, residualCm); err != nil {
					log.Printf("Failed to record calibration audit row: %v", err)
				}
			}
			return nil
		},
	)

	udpAddr := cfg.GetUDPListen()
	if *udpListen != "" {
		udpAddr = *udpListen
	}
	stats := network.NewPacketStats()
	listener := network.NewUDPListener(network.ListenerConfig{
		Address:       udpAddr,
		Stats:         stats,
		Store:         store,
		MinDistanceCm: cfg.GetMinDistanceCm(),
		MaxDistanceCm: cfg.GetMaxDistanceCm(),
	})

	var recorder uwb.SnapshotRecorder
	if database != nil {
		recorder = database
	}
	scheduler := uwb.NewScheduler(store, hub, recorder, cfg.GetBroadcastInterval())

	httpAddr := cfg.GetHTTPListen()
	if *listen != "" {
		httpAddr = *listen
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("UDP listener error: %v", err)
		}
		log.Print("UDP listener routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scheduler.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("Scheduler error: %v", err)
		}
		log.Print("scheduler routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(store, calib, hub, cfgMgr, database, stats).ServeMux()
		// Admin debugging routes over the live database (dev/tailnet use).
		if database != nil {
			database.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    httpAddr,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP server listening on %s", httpAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
