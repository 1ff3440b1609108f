// Package realtime runs the websocket presence hub that shares the HTTP
// listener with the REST routes.
package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"magical-music-backend/internal/auth"
	"magical-music-backend/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 32
)

var (
	// ErrUserOffline is returned by Emit when the user has no open socket.
	ErrUserOffline = errors.New("user is not connected")
	// ErrHubClosed is returned once Close has been called.
	ErrHubClosed = errors.New("realtime hub is closed")
)

// Options configures a Hub.
type Options struct {
	// CheckOrigin decides which browser origins may open a socket. Nil
	// allows every origin.
	CheckOrigin func(origin string) bool
	Log         *zap.Logger
	Metrics     *metrics.Metrics
}

// Hub tracks connected clients and the users they announced.
type Hub struct {
	log      *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	clients    map[*client]struct{}
	users      map[string]*client
	activities map[string]string
	closed     bool

	wg sync.WaitGroup
}

// NewHub returns an empty hub.
func NewHub(opts Options) *Hub {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		log:        log,
		metrics:    opts.Metrics,
		clients:    make(map[*client]struct{}),
		users:      make(map[string]*client),
		activities: make(map[string]string),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || opts.CheckOrigin == nil {
				return true
			}
			return opts.CheckOrigin(origin)
		},
	}
	return h
}

// Attach mounts the hub on the shared router.
func Attach(r chi.Router, h *Hub) {
	r.Get("/ws", h.ServeHTTP)
}

// ServeHTTP upgrades the request and starts the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.Debug("ws_upgrade_failed", zap.Error(err))
		return
	}

	c := newClient(h, conn)
	if id, ok := auth.FromContext(r.Context()); ok {
		c.verifiedID = id.UserID
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	h.metrics.RealtimeConnected(1)
	h.log.Debug("ws_connected",
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("remote", r.RemoteAddr),
	)

	go c.writePump()
	go c.readPump()
}

// Emit sends one event to every socket of userID.
func (h *Hub) Emit(userID, event string, data any) error {
	msg, err := encode(event, data)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	c, ok := h.users[userID]
	if !ok {
		return ErrUserOffline
	}
	if !c.trySend(msg) {
		go c.close()
	}
	return nil
}

// Broadcast sends one event to every connected client.
func (h *Hub) Broadcast(event string, data any) error {
	return h.broadcast(nil, event, data)
}

// Online returns the ids of announced users, sorted.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked()
}

// Close disconnects every client and waits for their pumps to exit.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
	return nil
}

func (h *Hub) onlineLocked() []string {
	ids := make([]string, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) activitiesLocked() [][2]string {
	out := make([][2]string, 0, len(h.activities))
	for _, id := range h.onlineLocked() {
		out = append(out, [2]string{id, h.activities[id]})
	}
	return out
}

// broadcast sends to every client except skip.
func (h *Hub) broadcast(skip *client, event string, data any) error {
	msg, err := encode(event, data)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c == skip {
			continue
		}
		if !c.trySend(msg) {
			go c.close()
		}
	}
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)

	userID := c.userID
	announced := userID != "" && h.users[userID] == c
	if announced {
		delete(h.users, userID)
		delete(h.activities, userID)
	}
	closed := h.closed
	h.mu.Unlock()

	h.metrics.RealtimeConnected(-1)
	if announced && !closed {
		h.log.Info("user_disconnected", zap.String("user_id", userID))
		_ = h.broadcast(nil, EventUserDisconnected, userID)
	}
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(outgoing{Event: event, Data: data})
}
