package server

import (
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

var chartMetrics = []string{"size", "expired", "hits", "misses", "evictions", "expirations"}

// handleChart renders the cache counters of every store as a grouped bar chart.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Cache stores", Subtitle: "entries and lookup counters"}),
	)
	bar.SetXAxis(chartMetrics)
	for _, st := range s.svc.Stats() {
		values := []uint64{uint64(st.Size), uint64(st.ExpiredCount), st.Hits, st.Misses, st.Evictions, st.Expirations}
		data := make([]opts.BarData, len(values))
		for i, v := range values {
			data[i] = opts.BarData{Value: v}
		}
		bar.AddSeries(st.Name, data)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := bar.Render(w); err != nil {
		s.log.Error("render cache chart", "err", err)
	}
}
