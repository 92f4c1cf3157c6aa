package progress

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// wsClient is one connected status-stream subscriber.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// hub fans a snapshot out to every connected client, dropping any client
// whose write fails.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*wsClient]struct{})}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) broadcast(snap Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if err := c.send(payload); err != nil {
			delete(h.clients, c)
			_ = c.conn.Close()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Metrics are the per-phase Prometheus counters the status server exposes
// alongside the push stream.
type Metrics struct {
	DevicesStarted  *prometheus.CounterVec
	DevicesFinished *prometheus.CounterVec
}

// NewMetrics registers the updater's counters against registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		DevicesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchupdater_devices_started_total",
			Help: "Devices for which an update attempt has started, by kind.",
		}, []string{"kind"}),
		DevicesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchupdater_devices_finished_total",
			Help: "Devices for which an update attempt finished, by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	registry.MustRegister(m.DevicesStarted, m.DevicesFinished)
	return m
}

// Server exposes the bus's live snapshot over HTTP (GET /status) and
// WebSocket (GET /ws), plus a Prometheus /metrics endpoint.
type Server struct {
	bus     *Bus
	hub     *hub
	mux     *http.ServeMux
	metrics *Metrics
}

// NewServer wires a push server to bus; bus should have been constructed
// with this server's Push method as its onMutate callback.
func NewServer(bus *Bus, registry *prometheus.Registry) *Server {
	s := &Server{
		bus:     bus,
		hub:     newHub(),
		mux:     http.NewServeMux(),
		metrics: NewMetrics(registry),
	}
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return s
}

// Metrics exposes the registered counters for callers to increment.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Push is wired as the Bus's onMutate callback: it fans the snapshot out
// to every connected WebSocket client.
func (s *Server) Push(snap Snapshot) {
	s.hub.broadcast(snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.bus.Snapshot())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn}
	s.hub.add(client)
	defer func() {
		s.hub.remove(client)
		_ = conn.Close()
	}()

	if payload, err := json.Marshal(s.bus.Snapshot()); err == nil {
		_ = client.send(payload)
	}

	// Drain reads so the connection's close is detected; clients never
	// send meaningful payloads on this stream.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ListenAndServe starts the HTTP server; it blocks until the listener
// fails or the process exits.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.mux)
}
