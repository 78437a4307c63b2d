package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Gauge is a point-in-time value read on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() int
}

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler serves the counters of m as one metric labelled by
// event, followed by the given gauges, in Prometheus' text format.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP aero_mesh_signal_events_total Signaling server event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE aero_mesh_signal_events_total counter")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "aero_mesh_signal_events_total{event=\"%s\"} %d\n", labelEscaper.Replace(k), snap[k])
		}

		for _, g := range gauges {
			if g.Value == nil {
				continue
			}
			if g.Help != "" {
				_, _ = fmt.Fprintf(w, "# HELP %s %s\n", g.Name, g.Help)
			}
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", g.Name)
			_, _ = fmt.Fprintf(w, "%s %d\n", g.Name, g.Value())
		}
	})
}
