// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
)

var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_connections_rejected_total",
		Help: "Total connection rejections by reason",
	}, []string{"reason"})

	// Message metrics
	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_messages_received_total",
		Help: "Total protocol frames received, by kind",
	}, []string{"kind"})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_messages_sent_total",
		Help: "Total protocol frames sent to clients",
	})

	malformedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_malformed_frames_total",
		Help: "Total frames that failed to parse",
	})

	// Sync metrics
	deltasApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_deltas_applied_total",
		Help: "Total delta batches merged into document state",
	})

	syncRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_requests_total",
		Help: "Total sync_request frames served",
	})

	broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_broadcasts_total",
		Help: "Total delta broadcasts fanned out to subscribers",
	})

	coordinatorOverflow = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_coordinator_overflow_total",
		Help: "Total operations rejected because a coordinator queue was full",
	})

	documentSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_document_subscribers",
		Help: "Current subscriber count per document",
	}, []string{"doc_id"})

	// Reliability metrics
	slowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_slow_clients_disconnected_total",
		Help: "Total connections closed for persistent send-queue overflow",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_rate_limited_messages_total",
		Help: "Total inbound frames dropped by the per-connection rate limiter",
	})

	// Bus metrics
	busEnvelopesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_bus_envelopes_applied_total",
		Help: "Total cross-node envelopes merged locally",
	})

	busPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_bus_publish_errors_total",
		Help: "Total failed bus publishes",
	})

	// Awareness metrics
	awarenessUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_awareness_updates_total",
		Help: "Total awareness updates accepted",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_memory_bytes",
		Help: "Current heap usage in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)

	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(malformedFrames)

	prometheus.MustRegister(deltasApplied)
	prometheus.MustRegister(syncRequests)
	prometheus.MustRegister(broadcasts)
	prometheus.MustRegister(coordinatorOverflow)
	prometheus.MustRegister(documentSubscribers)

	prometheus.MustRegister(slowClientsDisconnected)
	prometheus.MustRegister(rateLimitedMessages)

	prometheus.MustRegister(busEnvelopesApplied)
	prometheus.MustRegister(busPublishErrors)

	prometheus.MustRegister(awarenessUpdates)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
}

func IncrementConnections() { connectionsTotal.Inc(); connectionsActive.Inc() }

func DecrementConnections() { connectionsActive.Dec() }

func IncrementRejected(reason string) { connectionsRejected.WithLabelValues(reason).Inc() }

func IncrementReceived(kind string) { messagesReceived.WithLabelValues(kind).Inc() }

func IncrementSent() { messagesSent.Inc() }

func IncrementMalformed() { malformedFrames.Inc() }

func IncrementDeltasApplied() { deltasApplied.Inc() }

func IncrementSyncRequests() { syncRequests.Inc() }

func IncrementBroadcasts() { broadcasts.Inc() }

func IncrementCoordinatorOverflow() { coordinatorOverflow.Inc() }

// SetDocumentSubscribers tracks subscriber counts per document and drops
// the series once the document has none left.
func SetDocumentSubscribers(docID string, n int) {
	if n == 0 {
		documentSubscribers.DeleteLabelValues(docID)
		return
	}
	documentSubscribers.WithLabelValues(docID).Set(float64(n))
}

func IncrementSlowClientDisconnect() { slowClientsDisconnected.Inc() }

func IncrementRateLimited() { rateLimitedMessages.Inc() }

func IncrementBusEnvelopesApplied() { busEnvelopesApplied.Inc() }

func IncrementBusPublishErrors() { busPublishErrors.Inc() }

func IncrementAwarenessUpdates() { awarenessUpdates.Inc() }

// Collector samples system metrics on a fixed interval.
type Collector struct {
	interval time.Duration
	stop     chan struct{}
}

// NewCollector returns a collector; a zero interval defaults to 15s.
func NewCollector(interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{interval: interval, stop: make(chan struct{})}
}

// Start begins periodic collection in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() { close(c.stop) }

func (c *Collector) collect() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memoryUsageBytes.Set(float64(mem.Alloc))
	goroutinesActive.Set(float64(runtime.NumGoroutine()))

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuUsagePercent.Set(percents[0])
	}
}
