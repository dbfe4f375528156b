// Command site-plot renders a top-down PNG of the site geometry: anchor
// positions from the config file, the calibrated screen edge if installed,
// and optionally recent solved positions from the history database.
package main

import (
	"flag"
	"image/color"
	"log"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/db"
)

var (
	configPath = flag.String("config", "position.json", "Path to the site config file")
	dbPath     = flag.String("db", "", "History database to overlay recent positions from (optional)")
	hours      = flag.Float64("hours", 1, "How many hours of history to overlay")
	output     = flag.String("output", "site-plot.png", "Output PNG file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	anchors := cfg.Anchors
	if len(anchors) == 0 {
		anchors = config.DefaultAnchors()
	}

	p := plot.New()
	p.Title.Text = "Site layout (top-down)"
	p.X.Label.Text = "X (cm)"
	p.Y.Label.Text = "Y (cm)"

	anchorPts := make(plotter.XYs, 0, len(anchors))
	for _, pos := range anchors {
		anchorPts = append(anchorPts, plotter.XY{X: pos.X, Y: pos.Y})
	}
	anchorScatter, err := plotter.NewScatter(anchorPts)
	if err != nil {
		log.Fatalf("failed to build anchor scatter: %v", err)
	}
	anchorScatter.GlyphStyle.Radius = vg.Points(5)
	anchorScatter.GlyphStyle.Color = color.RGBA{R: 220, A: 255}
	p.Add(anchorScatter)
	p.Legend.Add("anchors", anchorScatter)

	if cfg.Screen != nil {
		// Draw the screen's bottom edge: origin to origin + width along the
		// U basis, projected onto the XY plane.
		o := cfg.Screen.Origin
		e := o.Add(cfg.Screen.BasisU.Scale(cfg.Screen.WidthCm))
		edge, err := plotter.NewLine(plotter.XYs{{X: o.X, Y: o.Y}, {X: e.X, Y: e.Y}})
		if err != nil {
			log.Fatalf("failed to build screen edge: %v", err)
		}
		edge.LineStyle.Width = vg.Points(2)
		edge.LineStyle.Color = color.RGBA{B: 220, A: 255}
		p.Add(edge)
		p.Legend.Add("screen edge", edge)
	}

	if *dbPath != "" {
		database, err := db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer database.Close()

		end := time.Now()
		start := end.Add(-time.Duration(*hours * float64(time.Hour)))
		records, err := database.PositionsInRange("", start.UnixNano(), end.UnixNano(), 50000)
		if err != nil {
			log.Fatalf("failed to query positions: %v", err)
		}

		trackPts := make(plotter.XYs, 0, len(records))
		for _, r := range records {
			if !r.X.Valid || !r.Y.Valid {
				continue
			}
			trackPts = append(trackPts, plotter.XY{X: r.X.Float64, Y: r.Y.Float64})
		}
		if len(trackPts) > 0 {
			trackScatter, err := plotter.NewScatter(trackPts)
			if err != nil {
				log.Fatalf("failed to build track scatter: %v", err)
			}
			trackScatter.GlyphStyle.Radius = vg.Points(1.5)
			trackScatter.GlyphStyle.Color = color.RGBA{G: 180, A: 255}
			p.Add(trackScatter)
			p.Legend.Add("positions", trackScatter)
		}
		log.Printf("overlaid %d history rows", len(trackPts))
	}

	if err := p.Save(8*vg.Inch, 8*vg.Inch, *output); err != nil {
		log.Fatalf("failed to save plot: %v", err)
	}
	log.Printf("wrote %s", *output)
}
