// Command simulate-tag emits synthetic tag range reports against a running
// server. The tag walks an ellipse through the room; each report carries the
// true distance to every configured anchor plus optional gaussian noise, so
// the full ingest → solve → broadcast path can be exercised without hardware.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/uwb"
	"github.com/banshee-data/position.report/internal/uwb/network"
)

var (
	target     = flag.String("target", "127.0.0.1:16061", "UDP address of the position server")
	configPath = flag.String("config", "", "Site config to read anchor positions from (default: bootstrap layout)")
	tagID      = flag.String("tag", "T0", "Tag identifier to report as")
	rate       = flag.Float64("rate", 10, "Reports per second")
	noiseCm    = flag.Float64("noise", 3, "Gaussian range noise sigma in cm")
	periodSec  = flag.Float64("period", 20, "Seconds per lap of the walk path")
)

func main() {
	flag.Parse()

	anchors := config.DefaultAnchors()
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		if len(cfg.Anchors) > 0 {
			anchors = cfg.Anchors
		}
	}

	conn, err := net.Dial("udp", *target)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", *target, err)
	}
	defer conn.Close()

	// Walk an ellipse centred in the anchor bounding box, at hand height.
	var minX, maxX, minY, maxY float64
	first := true
	for _, p := range anchors {
		if first {
			minX, maxX, minY, maxY = p.X, p.X, p.Y, p.Y
			first = false
			continue
		}
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}
	centre := uwb.Vec3{X: (minX + maxX) / 2, Y: (minY + maxY) / 2, Z: 120}
	radiusX := (maxX - minX) / 3
	radiusY := (maxY - minY) / 3

	log.Printf("simulating tag %s: %d anchors, centre (%.0f, %.0f), %.1f reports/s",
		*tagID, len(anchors), centre.X, centre.Y, *rate)

	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for range ticker.C {
		t := time.Since(start).Seconds()
		angle := 2 * math.Pi * t / *periodSec
		pos := uwb.Vec3{
			X: centre.X + radiusX*math.Cos(angle),
			Y: centre.Y + radiusY*math.Sin(angle),
			Z: centre.Z + 10*math.Sin(angle*3),
		}

		report := network.Report{Tag: *tagID}
		for id, anchor := range anchors {
			d := pos.DistanceTo(anchor) + rand.NormFloat64()*(*noiseCm)
			report.Anchors = append(report.Anchors, network.ReportRange{ID: id, Distance: d})
		}

		payload, err := json.Marshal(report)
		if err != nil {
			log.Fatalf("failed to marshal report: %v", err)
		}
		if _, err := conn.Write(payload); err != nil {
			log.Printf("send failed: %v", err)
		}
	}
}
