// calibrate extracts a camera calibration from a photo's EXIF metadata and
// stores it in the engine database, for bench-provisioning devices before
// they go out in the field.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/arborsight/treemetric/internal/calibration"
	"github.com/arborsight/treemetric/internal/config"
	"github.com/arborsight/treemetric/internal/db"
)

var (
	photoPath = flag.String("photo", "", "Path to a JPEG taken by the device camera")
	dbFile    = flag.String("db", "treemetric.db", "Engine database path")
	deviceID  = flag.String("device", "", "Device fingerprint (default: hostname)")
	dryRun    = flag.Bool("dry-run", false, "Estimate and print only; do not persist")
)

func main() {
	flag.Parse()

	if *photoPath == "" {
		log.Fatal("-photo is required")
	}

	device := *deviceID
	if device == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Fatalf("failed to resolve hostname: %v", err)
		}
		device = host
	}

	photo, err := os.ReadFile(*photoPath)
	if err != nil {
		log.Fatalf("failed to read photo: %v", err)
	}

	var store *calibration.Store
	if !*dryRun {
		database, err := db.Open(*dbFile)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer database.Close()
		store = calibration.NewStore(database)
	}

	estimator := calibration.NewEstimator(store, device, calibration.EstimatorOptions{
		FallbackFocal35: config.DefaultFallbackFocal35,
		FallbackFOVDeg:  config.DefaultFallbackFOVDeg,
	})

	cal := estimator.Estimate(photo, nil, nil)
	if cal.LowConfidence() {
		log.Fatalf("no calibration could be extracted from %s: EXIF carries no focal length", *photoPath)
	}

	out, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		log.Fatalf("failed to encode calibration: %v", err)
	}
	fmt.Println(string(out))

	if *dryRun {
		fmt.Println("(dry run: not persisted)")
	} else {
		fmt.Printf("stored calibration for device %s\n", device)
	}
}
