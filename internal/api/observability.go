package api

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"multiplayer/internal/game"
	"multiplayer/internal/netentity"
	"multiplayer/internal/replication"
)

// Metrics carry bounded labels only; nothing is labelled per connection.
var (
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "game_tick_duration_seconds",
		Help:    "Time spent in one simulation and replication tick",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
	})

	entityCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "game_entity_count",
		Help: "Networked entities in the world",
	})

	playerCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "game_player_count",
		Help: "Connected players",
	})

	eventLogWritten = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "event_log_written",
		Help: "Events written to the event log since start",
	})

	eventLogDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "event_log_dropped",
		Help: "Events dropped by rate limiting or a full queue since start",
	})

	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Requests or connections rejected",
	}, []string{"reason"}) // rate_limit, origin, ws_total_limit, ws_ip_limit, join, unauthorized

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections_active",
		Help: "Currently attached websocket sessions",
	})

	wsMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "websocket_messages_total",
		Help: "Websocket messages by direction",
	}, []string{"direction"})

	// Replication
	windowUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replication_window_updates_total",
		Help: "Replication window recomputations",
	})

	windowSetSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replication_window_set_size",
		Help:    "Entities in a replication set after an update",
		Buckets: []float64{0, 1, 4, 8, 16, 32, 64, 128},
	})

	packetsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replication_packets_total",
		Help: "Entity update packets produced",
	})

	packetBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replication_bytes_total",
		Help: "Bytes of entity update packets produced",
	})

	entityMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replication_entity_messages_total",
		Help: "Entity messages packed into update packets",
	}, []string{"kind"}) // create, update, delete

	oversizeMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replication_oversize_messages_total",
		Help: "Entity messages larger than the payload budget, sent alone",
	})

	pendingSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replication_pending_skipped_total",
		Help: "Creates deferred because too many were unacknowledged",
	})

	pinnedDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replication_pinned_dropped_total",
		Help: "Controlled entities left out because the window was full",
	})

	outboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_outbound_dropped_total",
		Help: "Packets dropped because a session's writer fell behind",
	})

	inboundDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_inbound_dropped_total",
		Help: "Client packets dropped before reaching the tick",
	}, []string{"reason"}) // rate_limit, queue_full

	inputFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "input_frames_total",
		Help: "Client input frames by outcome",
	}, []string{"outcome"}) // processed, recovered, dropped
)

// =============================================================================
// RECORDERS
// =============================================================================

func RecordTick(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// RecordEngineStats copies engine gauges. Called from the tick observer.
func RecordEngineStats(entities, players int, events game.EventLogStats) {
	entityCount.Set(float64(entities))
	playerCount.Set(float64(players))
	eventLogWritten.Set(float64(events.Written))
	eventLogDropped.Set(float64(events.Dropped))
}

func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

func RecordRequest(method, endpoint string, status int, d time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(d.Seconds())
	requestTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
}

func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

func IncrementWSMessages(direction string) {
	wsMessagesTotal.WithLabelValues(direction).Inc()
}

// sessionMetrics feeds one session's events into the package metrics. The
// receiver reports cumulative totals, so deltas are kept per session.
type sessionMetrics struct {
	lastRecovered uint64
	lastDropped   uint64
	lastPinned    uint64
}

func (m *sessionMetrics) WindowUpdated(setSize int, pinnedDropped uint64) {
	windowUpdates.Inc()
	windowSetSize.Observe(float64(setSize))
	if pinnedDropped > m.lastPinned {
		pinnedDroppedTotal.Add(float64(pinnedDropped - m.lastPinned))
		m.lastPinned = pinnedDropped
	}
}

func (m *sessionMetrics) PacketsSent(s replication.SendStats) {
	packetsSent.Add(float64(s.Packets))
	packetBytes.Add(float64(s.Bytes))
	entityMessages.WithLabelValues("create").Add(float64(s.Creates))
	entityMessages.WithLabelValues("delete").Add(float64(s.Deletes))
	if updates := s.Entities - s.Creates - s.Deletes; updates > 0 {
		entityMessages.WithLabelValues("update").Add(float64(updates))
	}
	oversizeMessages.Add(float64(s.OversizeAlone))
	pendingSkipped.Add(float64(s.SkippedPending))
}

func (m *sessionMetrics) OutboundDropped() { outboundDropped.Inc() }

func (m *sessionMetrics) InboundDropped(reason string) {
	inboundDropped.WithLabelValues(reason).Inc()
}

func (m *sessionMetrics) InputFrames(frames int, recovered, dropped uint64) {
	inputFrames.WithLabelValues("processed").Add(float64(frames))
	if recovered > m.lastRecovered {
		inputFrames.WithLabelValues("recovered").Add(float64(recovered - m.lastRecovered))
		m.lastRecovered = recovered
	}
	if dropped > m.lastDropped {
		inputFrames.WithLabelValues("dropped").Add(float64(dropped - m.lastDropped))
		m.lastDropped = dropped
	}
}

// =============================================================================
// DEBUG SERVER
// =============================================================================

// ObservabilityConfig configures the debug server.
type ObservabilityConfig struct {
	Enabled       bool
	ListenAddr    string // loopback unless ALLOW_DEBUG_EXTERNAL=true
	BasicAuthUser string
	BasicAuthPass string
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060",
	}
}

// ErrUnknownConnection is returned by a WindowRenderer for ids it does not hold.
var ErrUnknownConnection = errors.New("api: unknown connection")

// WindowRenderer draws one connection's replication window as PNG.
type WindowRenderer interface {
	RenderWindow(id netentity.ConnectionID, size int, w io.Writer) error
}

const (
	defaultWindowImageSize = 512
	maxWindowImageSize     = 2048
)

// NewDebugHandler serves pprof, /metrics, /health and, when windows is not
// nil, /debug/window/{id}.png.
func NewDebugHandler(cfg ObservabilityConfig, windows WindowRenderer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if windows != nil {
		mux.HandleFunc("GET /debug/window/{file}", func(w http.ResponseWriter, r *http.Request) {
			serveWindowImage(w, r, windows)
		})
	}

	var handler http.Handler = mux
	if cfg.BasicAuthUser != "" {
		handler = basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}
	return handler
}

// serveWindowImage answers /debug/window/{id}.png?size=N.
func serveWindowImage(w http.ResponseWriter, r *http.Request, windows WindowRenderer) {
	name := r.PathValue("file")
	if len(name) < 5 || name[len(name)-4:] != ".png" {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseUint(name[:len(name)-4], 10, 32)
	if err != nil {
		http.Error(w, "bad connection id", http.StatusBadRequest)
		return
	}
	size := defaultWindowImageSize
	if s := r.URL.Query().Get("size"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			size = min(n, maxWindowImageSize)
		}
	}

	var buf bytes.Buffer
	if err := windows.RenderWindow(netentity.ConnectionID(id), size, &buf); err != nil {
		if errors.Is(err, ErrUnknownConnection) {
			http.NotFound(w, r)
			return
		}
		log.Printf("⚠️ Window render failed for connection %d: %v", id, err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}

// loopbackAddr keeps the debug server off external interfaces.
func loopbackAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1:6060"
	}
	if host == "localhost" {
		return addr
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return addr
	}
	if os.Getenv("ALLOW_DEBUG_EXTERNAL") == "true" {
		return addr
	}
	log.Println("⚠️ Debug server forced to localhost for security")
	return net.JoinHostPort("127.0.0.1", port)
}

// StartDebugServer serves NewDebugHandler in the background.
func StartDebugServer(cfg ObservabilityConfig, windows WindowRenderer) error {
	if !cfg.Enabled {
		log.Println("📊 Debug server disabled")
		return nil
	}
	addr := loopbackAddr(cfg.ListenAddr)
	handler := NewDebugHandler(cfg, windows)

	go func() {
		log.Printf("📊 Debug server starting on %s", addr)
		log.Printf("   - pprof:   http://%s/debug/pprof/", addr)
		log.Printf("   - metrics: http://%s/metrics", addr)
		log.Printf("   - windows: http://%s/debug/window/{connection}.png", addr)
		if err := http.ListenAndServe(addr, handler); err != nil {
			log.Printf("⚠️ Debug server error: %v", err)
		}
	}()
	return nil
}

func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
