// scaleplot renders a stored device calibration's mm-per-pixel curve over a
// distance range to a PNG, for eyeballing calibration quality offline.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/arborsight/treemetric/internal/calibration"
	"github.com/arborsight/treemetric/internal/db"
	"github.com/arborsight/treemetric/internal/scale"
)

var (
	dbFile   = flag.String("db", "treemetric.db", "Engine database path")
	deviceID = flag.String("device", "", "Device fingerprint to plot (default: hostname)")
	outPath  = flag.String("out", "scale.png", "Output PNG path")
	maxDist  = flag.Float64("max-distance", 30, "Maximum distance in metres")
)

func main() {
	flag.Parse()

	if *maxDist <= 0 {
		log.Fatalf("-max-distance must be > 0, got %v", *maxDist)
	}

	device := *deviceID
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
	cal, ok, err := store.Get(device)
	if err != nil {
		log.Fatalf("failed to load calibration: %v", err)
	}
	if !ok {
		log.Fatalf("no calibration stored for device %s", device)
	}
	if !cal.Usable() || cal.ImageWidthPx == 0 {
		log.Fatalf("calibration for device %s is unusable", device)
	}

	const stepM = 0.5
	pts := make(plotter.XYs, 0, int(*maxDist/stepM))
	for d := stepM; d <= *maxDist; d += stepM {
		sf, err := scale.Compute(d, cal, cal.ImageWidthPx, cal.ImageHeightPx)
		if err != nil {
			log.Fatalf("failed to compute scale at %.1fm: %v", d, err)
		}
		pts = append(pts, plotter.XY{X: d, Y: sf})
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Scale factor: %s (%s, %dx%d)", cal.DeviceID, cal.Method, cal.ImageWidthPx, cal.ImageHeightPx)
	p.X.Label.Text = "distance (m)"
	p.Y.Label.Text = "mm/px"

	line, err := plotter.NewLine(pts)
	if err != nil {
		log.Fatalf("failed to build line: %v", err)
	}
	p.Add(plotter.NewGrid(), line)

	if err := p.Save(8*vg.Inch, 5*vg.Inch, *outPath); err != nil {
		log.Fatalf("failed to save plot: %v", err)
	}
	fmt.Printf("wrote %s\n", *outPath)
}
