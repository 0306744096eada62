// Package api exposes the HTTP and websocket interface of the analyzer
// service: health and metrics endpoints plus a socket over which clients
// submit jobs and receive live progress.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/githubkpis/analyzer/internal/analyzer"
	"github.com/githubkpis/analyzer/internal/metrics"
	"github.com/githubkpis/analyzer/internal/scheduler"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// JobService is the slice of the scheduler the hub needs.
type JobService interface {
	Submit(req analyzer.Request, requesterID string) (*scheduler.Job, error)
	ClientConnected(clientID string)
	ClientDisconnected(clientID string)
}

// envelope is the wire frame in both directions.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outgoing struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan outgoing
}

// Hub owns the websocket clients. It satisfies scheduler.Broadcaster; a
// slow client whose send buffer fills up is dropped rather than allowed to
// stall everyone else's updates.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*client
	jobs    JobService
}

// NewHub constructs a Hub. The logger may be nil. The job service is
// attached later via SetJobs; the hub and the scheduler reference each
// other.
func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The socket is same-origin in production and proxied in dev.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger,
		metrics: m,
		clients: map[string]*client{},
	}
}

// SetJobs attaches the scheduler once both sides exist.
func (h *Hub) SetJobs(jobs JobService) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = jobs
}

// Broadcast queues an event for every connected client.
func (h *Hub) Broadcast(event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.sendLocked(c, outgoing{Event: event, Payload: payload})
	}
}

// SendTo queues an event for a single client; unknown ids are ignored.
func (h *Hub) SendTo(clientID, event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return
	}
	h.sendLocked(c, outgoing{Event: event, Payload: payload})
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// sendLocked enqueues without blocking; a full buffer closes the client.
func (h *Hub) sendLocked(c *client, msg outgoing) {
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("client cannot keep up; dropping it", zap.String("client", c.id))
		close(c.send)
		delete(h.clients, c.id)
	}
}

// ServeHTTP lets the hub be mounted directly on a router.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleSocket(w, r)
}

// HandleSocket upgrades the connection and runs the read loop until the
// client goes away.
func (h *Hub) HandleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan outgoing, sendBuffer),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	jobs := h.jobs
	h.mu.Unlock()

	h.metrics.SocketClients(count)
	h.logger.Info("client connected",
		zap.String("client", c.id), zap.String("remote", r.RemoteAddr), zap.Int("clients", count))

	go h.writePump(c)
	if jobs != nil {
		jobs.ClientConnected(c.id)
	}
	h.readPump(c, jobs)
}

func (h *Hub) readPump(c *client, jobs JobService) {
	defer h.drop(c, jobs)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("client read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		h.dispatch(c, jobs, msg)
	}
}

// dispatch routes one client message. Unknown events are logged and
// ignored; submission failures were already answered by the scheduler.
func (h *Hub) dispatch(c *client, jobs JobService, msg envelope) {
	switch msg.Event {
	case scheduler.EventOpAdd:
		var req analyzer.Request
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.RepoFullName == "" {
			h.logger.Warn("malformed job submission",
				zap.String("client", c.id), zap.Error(err))
			h.SendTo(c.id, scheduler.EventMessage, "Malformed request.")
			return
		}
		if jobs == nil {
			return
		}
		if _, err := jobs.Submit(req, c.id); err != nil {
			h.logger.Info("submission rejected",
				zap.String("client", c.id), zap.String("repo", req.RepoFullName), zap.Error(err))
		}
	default:
		h.logger.Debug("unknown client event",
			zap.String("client", c.id), zap.String("event", msg.Event))
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop unregisters a client after its read loop ends.
func (h *Hub) drop(c *client, jobs JobService) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		close(c.send)
		delete(h.clients, c.id)
	}
	count := len(h.clients)
	h.mu.Unlock()
	_ = c.conn.Close()

	h.metrics.SocketClients(count)
	h.logger.Info("client disconnected", zap.String("client", c.id), zap.Int("clients", count))
	if jobs != nil {
		jobs.ClientDisconnected(c.id)
	}
}
