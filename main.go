package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/arborsight/treemetric/internal/api"
	"github.com/arborsight/treemetric/internal/calibration"
	"github.com/arborsight/treemetric/internal/config"
	"github.com/arborsight/treemetric/internal/db"
	"github.com/arborsight/treemetric/internal/location"
	"github.com/arborsight/treemetric/internal/measure"
	"github.com/arborsight/treemetric/internal/rangefinder"
	"github.com/arborsight/treemetric/internal/services"
	"github.com/arborsight/treemetric/internal/telemetry"
	"github.com/arborsight/treemetric/internal/version"
)

var (
	listen     = flag.String("listen", "127.0.0.1:8077", "Listen address (the device UI is the only client)")
	dbFile     = flag.String("db", "treemetric.db", "Engine database path")
	configPath = flag.String("config", "", "Optional JSON config file")
	deviceFlag = flag.String("device", "", "Device fingerprint (default: hostname)")
)

// gpsSource adapts the NMEA receiver to the workflow's location interface.
type gpsSource struct {
	recv *location.Receiver
}

func (g gpsSource) Fix() (measure.Position, bool) {
	fix, ok := g.recv.Fix()
	if !ok {
		return measure.Position{}, false
	}
	return measure.Position{Lat: fix.Lat, Lon: fix.Lon, HeadingDeg: fix.HeadingDeg}, true
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	device := *deviceFlag
	if device == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Fatalf("failed to resolve hostname: %v", err)
		}
		device = host
	}

	database, err := db.Open(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	store := calibration.NewStore(database)
	estimator := calibration.NewEstimator(store, device, calibration.EstimatorOptions{
		ReferenceObjectWidthM: cfg.GetReferenceObjectWidth(),
		FallbackFocal35:       cfg.GetFallbackFocalLength35(),
		FallbackFOVDeg:        cfg.GetFallbackFOVDeg(),
	})

	clients := services.NewClients(
		&http.Client{},
		cfg.GetSegmentationURL(),
		cfg.GetIdentificationURL(),
		cfg.GetCarbonURL(),
		cfg.GetPersistenceURL(),
		cfg.GetRemoteCallTimeout(),
	)

	hub := api.NewFrameHub()

	deps := measure.Deps{
		Clients:             clients,
		Store:               store,
		Estimator:           estimator,
		DeviceID:            device,
		NewTrackingProvider: hub.NewProvider,
		Diagnostics:         database,
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if port := cfg.GetRangefinderPort(); port != "" {
		rf, err := rangefinder.Open(port, cfg.GetRangefinderBaud())
		if err != nil {
			log.Fatalf("failed to open rangefinder on %s: %v", port, err)
		}
		defer rf.Close()
		deps.Rangefinder = rf
		log.Printf("rangefinder attached on %s", port)
	}

	if port := cfg.GetGPSPort(); port != "" {
		recv, err := location.Open(port, cfg.GetGPSBaud())
		if err != nil {
			log.Fatalf("failed to open GPS receiver on %s: %v", port, err)
		}
		deps.Location = gpsSource{recv: recv}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("GPS receiver stopped: %v", err)
			}
		}()
		log.Printf("GPS receiver attached on %s", port)
	}

	if broker := cfg.GetMQTTBroker(); broker != "" {
		pub, err := telemetry.Connect(broker, cfg.GetMQTTTopic(), device)
		if err != nil {
			// Telemetry is advisory; a field unit must measure without it.
			log.Printf("telemetry disabled, broker unreachable: %v", err)
		} else {
			defer pub.Close()
			deps.Events = pub
			log.Printf("telemetry publishing to %s", broker)
		}
	}

	orch := measure.New(deps, measure.Options{
		PlacementCooldown:      cfg.GetPlacementCooldown(),
		DefaultWoodDensityKgM3: cfg.GetDefaultWoodDensity(),
		QuotaWarnThreshold:     cfg.GetQuotaWarnThreshold(),
		MaxUploadEdgePx:        cfg.GetMaxUploadEdgePx(),
	})

	srv := api.NewServer(orch, database, store, estimator, hub, device)
	mux := srv.ServeMux()
	database.AttachAdminRoutes(mux)

	httpServer := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("treemetric engine %s (%s) listening on %s (device %s)", version.Version, version.GitSHA, *listen, device)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Print("shutting down")

	// Abandon any in-flight measurement so remote calls stop promptly.
	if err := orch.Cancel(); err != nil && !errors.Is(err, measure.ErrInvalidTransition) {
		log.Printf("failed to cancel active session: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	wg.Wait()
}
