package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/samber/lo"
)

const eventsMetric = "aero_webrtc_signaling_events_total"

// Gauge is a point-in-time value sampled on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() int
}

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters share one metric with an `event` label. Gauges are emitted as
// separate unlabelled metrics.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		writeCounters(w, m.Snapshot())
		for _, g := range gauges {
			if g.Value == nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n", g.Name, g.Help)
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", g.Name)
			_, _ = fmt.Fprintf(w, "%s %d\n", g.Name, g.Value())
		}
	})
}

func writeCounters(w io.Writer, snap map[string]uint64) {
	keys := lo.Keys(snap)
	sort.Strings(keys)

	_, _ = fmt.Fprintf(w, "# HELP %s Signaling relay event counters.\n", eventsMetric)
	_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetric)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetric, labelEscaper.Replace(k), snap[k])
	}
}
