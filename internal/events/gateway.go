package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"streamloop/internal/observability/logging"
)

const defaultPingInterval = 30 * time.Second

// GatewayConfig wires the event gateway.
type GatewayConfig struct {
	Queue        Queue
	Logger       *slog.Logger
	PingInterval time.Duration
}

// Gateway accepts WebSocket clients and pushes every queue event to each of
// them. The stream is one-way: clients receive updated listings, they never
// send commands over the socket.
type Gateway struct {
	queue        Queue
	logger       *slog.Logger
	pingInterval time.Duration

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool

	sub  Subscription
	done chan struct{}
}

func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	g := &Gateway{
		queue:        cfg.Queue,
		logger:       logging.WithComponent(logger, "events"),
		pingInterval: pingInterval,
		conns:        make(map[*Conn]struct{}),
		done:         make(chan struct{}),
	}
	g.sub = cfg.Queue.Subscribe()
	go g.broadcastLoop()
	go g.pingLoop()
	return g
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the client disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !g.register(conn) {
		conn.Close()
		return
	}
	defer g.unregister(conn)

	if err := conn.serveReads(); err != nil {
		g.logger.Debug("client connection closed", "error", err)
	}
}

func (g *Gateway) register(conn *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[conn] = struct{}{}
	return true
}

func (g *Gateway) unregister(conn *Conn) {
	g.mu.Lock()
	delete(g.conns, conn)
	g.mu.Unlock()
	conn.Close()
}

func (g *Gateway) broadcastLoop() {
	for {
		select {
		case <-g.done:
			return
		case event, ok := <-g.sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				g.logger.Error("failed to encode event", "error", err)
				continue
			}
			g.broadcast(payload)
		}
	}
}

func (g *Gateway) broadcast(payload []byte) {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for conn := range g.conns {
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteText(payload); err != nil {
			g.unregister(conn)
		}
	}
}

func (g *Gateway) pingLoop() {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.mu.Lock()
			conns := make([]*Conn, 0, len(g.conns))
			for conn := range g.conns {
				conns = append(conns, conn)
			}
			g.mu.Unlock()
			for _, conn := range conns {
				if err := conn.Ping(nil); err != nil {
					g.unregister(conn)
				}
			}
		}
	}
}

// ClientCount reports the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close drops every client and stops the broadcast loops.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	conns := make([]*Conn, 0, len(g.conns))
	for conn := range g.conns {
		conns = append(conns, conn)
	}
	g.conns = make(map[*Conn]struct{})
	g.mu.Unlock()

	close(g.done)
	g.sub.Close()
	for _, conn := range conns {
		conn.Close()
	}
}
