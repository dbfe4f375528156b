// Command position-report renders recorded tracker positions from the
// history database as an interactive HTML scatter chart. Screen-plane (u,v)
// coordinates are plotted when present, coloured by time, so an operator can
// review where tags moved across the screen during a session.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/position.report/internal/db"
)

var (
	dbPath   = flag.String("db", "positions.db", "Path to the position history database")
	tag      = flag.String("tag", "", "Only plot this tag (default: all tags)")
	hours    = flag.Float64("hours", 1, "How many hours back to plot")
	limit    = flag.Int("limit", 20000, "Maximum number of history rows to plot")
	output   = flag.String("output", "position-report.html", "Output HTML file")
	plotXY   = flag.Bool("xy", false, "Plot room-space (x,y) instead of screen-space (u,v)")
	pageSize = "900px"
)

func main() {
	flag.Parse()

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	end := time.Now()
	start := end.Add(-time.Duration(*hours * float64(time.Hour)))
	records, err := database.PositionsInRange(*tag, start.UnixNano(), end.UnixNano(), *limit)
	if err != nil {
		log.Fatalf("failed to query positions: %v", err)
	}
	if len(records) == 0 {
		log.Fatalf("no positions recorded between %s and %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	// One series per tag so the legend can toggle them.
	series := make(map[string][]opts.ScatterData)
	startNanos := records[len(records)-1].TSUnixNanos
	endNanos := records[0].TSUnixNanos
	for _, r := range records {
		var h, v sql.NullFloat64
		if *plotXY {
			h, v = r.X, r.Y
		} else {
			h, v = r.U, r.V
		}
		if !h.Valid || !v.Valid {
			continue
		}
		ageSec := float64(endNanos-r.TSUnixNanos) / 1e9
		series[r.Tag] = append(series[r.Tag], opts.ScatterData{
			Value: []interface{}{h.Float64, v.Float64, ageSec},
		})
	}

	space := "screen (u,v)"
	if *plotXY {
		space = "room (x,y)"
	}
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Position Report",
			Theme:     "dark",
			Width:     pageSize,
			Height:    pageSize,
		}),
		charts.WithTitleOpts(opts.Title{
			Title: "Tracked positions, " + space,
			Subtitle: fmt.Sprintf("%s to %s, %d rows",
				time.Unix(0, startNanos).Format(time.RFC3339),
				time.Unix(0, endNanos).Format(time.RFC3339),
				len(records)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cm", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "cm", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(float64(endNanos-startNanos) / 1e9),
			Dimension:  "2",
			Text:       []string{"old", "recent"},
		}),
	)

	for tagID, data := range series {
		scatter.AddSeries(tagID, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create output file: %v", err)
	}
	defer f.Close()
	if err := scatter.Render(f); err != nil {
		log.Fatalf("failed to render chart: %v", err)
	}
	log.Printf("wrote %s (%d tags)", *output, len(series))
}
