package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var poolConns = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "engage",
	Subsystem: "db_pool",
	Name:      "conns",
	Help:      "Database pool connections by state.",
}, []string{"state"})

func init() {
	prometheus.MustRegister(poolConns)
}

// MetricsHandler exposes every collector registered with the default
// Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func recordPoolStats(acquired, idle, total int32) {
	poolConns.WithLabelValues("acquired").Set(float64(acquired))
	poolConns.WithLabelValues("idle").Set(float64(idle))
	poolConns.WithLabelValues("total").Set(float64(total))
}

// ReportPoolStats samples pool connection counts every interval until ctx
// is done.
func ReportPoolStats(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stat := pool.Stat()
		recordPoolStats(stat.AcquiredConns(), stat.IdleConns(), stat.TotalConns())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
