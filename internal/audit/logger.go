package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/civicworks/engage/internal/platform/database"
)

var eventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "engage",
	Subsystem: "audit",
	Name:      "events_total",
	Help:      "Audit events by result: written, dropped or failed.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(eventsCounter)
}

const (
	resultWritten = "written"
	resultDropped = "dropped"
	resultFailed  = "failed"

	flushTimeout = 5 * time.Second
)

// LoggerConfig configures the async audit logger.
type LoggerConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// AsyncLogger writes audit events to audit_events in batches from a
// background worker. Log never blocks: a full buffer drops the event.
type AsyncLogger struct {
	events    chan Event
	store     *Store
	db        database.Querier
	cfg       LoggerConfig
	logger    *slog.Logger
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewAsyncLogger starts the worker. db is usually the pool; audit rows carry
// their own tenant_id so no tenant session is needed.
func NewAsyncLogger(db database.Querier, store *Store, cfg LoggerConfig) *AsyncLogger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &AsyncLogger{
		events:  make(chan Event, cfg.BufferSize),
		store:   store,
		db:      db,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *AsyncLogger) Log(_ context.Context, event Event) {
	select {
	case l.events <- event:
	default:
		eventsCounter.WithLabelValues(resultDropped).Inc()
		l.logger.Warn("audit buffer full, dropping event",
			"action", event.Action,
			"tenant_id", event.TenantID,
		)
	}
}

// Close writes whatever is buffered and stops the worker. Safe to call twice.
func (l *AsyncLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		<-l.stopped
	})
	return nil
}

func (l *AsyncLogger) run() {
	defer close(l.stopped)

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, l.cfg.BatchSize)
	for {
		select {
		case <-l.done:
			for {
				select {
				case e := <-l.events:
					batch = append(batch, e)
				default:
					l.write(batch)
					return
				}
			}
		case e := <-l.events:
			batch = append(batch, e)
			if len(batch) >= l.cfg.BatchSize {
				l.write(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			l.write(batch)
			batch = batch[:0]
		}
	}
}

// write inserts the batch, retrying once. A batch that fails twice is lost
// and counted.
func (l *AsyncLogger) write(batch []Event) {
	if len(batch) == 0 {
		return
	}
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err = l.store.InsertBatch(ctx, l.db, batch)
		cancel()
		if err == nil {
			eventsCounter.WithLabelValues(resultWritten).Add(float64(len(batch)))
			return
		}
	}
	eventsCounter.WithLabelValues(resultFailed).Add(float64(len(batch)))
	l.logger.Error("audit flush failed", "error", err, "count", len(batch))
}
