package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/masking"
	"github.com/Mao74/insurance-analyzer/internal/security"
)

// Hub maintains the set of active clients, broadcasts status events and
// answers masking messages with per-client previews
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	upgrader websocket.Upgrader
	engine   *masking.Engine
	ips      *security.IPResolver
	config   *HubConfig
	logger   *zap.Logger

	mu    sync.RWMutex
	stats *HubStats
}

// NewHub creates a new WebSocket hub. A nil engine renders plain previews.
func NewHub(config *HubConfig, engine *masking.Engine, logger *zap.Logger) *Hub {
	if engine == nil {
		engine = masking.NewEngine(nil, nil)
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 54 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 8 << 20
	}

	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		engine:     engine,
		config:     config,
		logger:     logger,
		stats:      &HubStats{},
	}
	ips, err := security.NewIPResolver(config.TrustedProxies)
	if err != nil {
		logger.Warn("Ignoring trusted proxies", zap.Error(err))
	}
	h.ips = ips
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run starts the hub and blocks until ctx is cancelled, then closes every
// client connection
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket hub")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	if client.registered != nil {
		close(client.registered)
	}
	h.stats.TotalConnections++
	h.stats.ActiveConnections++
	h.stats.LastConnectionTime = time.Now()

	h.logger.Info("WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int64("active_connections", h.stats.ActiveConnections))

	if h.config.BroadcastConnections {
		h.deliverLocked(Event{
			Type:      EventTypeConnection,
			Timestamp: time.Now(),
			Data: ConnectionEvent{
				Action:    "connected",
				ClientID:  client.ID,
				ClientIP:  client.IP,
				UserAgent: client.UserAgent,
				Message:   "New client connected",
			},
		}, client)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	h.removeLocked(client)
	h.stats.LastDisconnectTime = time.Now()

	h.logger.Info("WebSocket client disconnected",
		zap.String("client_id", client.ID),
		zap.Int64("active_connections", h.stats.ActiveConnections))

	if h.config.BroadcastConnections {
		h.deliverLocked(Event{
			Type:      EventTypeConnection,
			Timestamp: time.Now(),
			Data: ConnectionEvent{
				Action:   "disconnected",
				ClientID: client.ID,
				ClientIP: client.IP,
				Message:  "Client disconnected",
			},
		}, nil)
	}
}

func (h *Hub) broadcastEvent(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.TotalBroadcasts++
	h.stats.LastBroadcastTime = time.Now()
	h.deliverLocked(event, nil)
}

// deliverLocked sends event to every subscribed client except exclude.
// Clients whose buffer is full are dropped. Caller holds h.mu.
func (h *Hub) deliverLocked(event Event, exclude *Client) {
	for client := range h.clients {
		if client == exclude || !shouldSendToClient(client, event) {
			continue
		}
		select {
		case client.Send <- event:
			h.stats.TotalMessages++
		default:
			h.logger.Warn("Client send buffer full, disconnecting",
				zap.String("client_id", client.ID))
			h.removeLocked(client)
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	delete(h.clients, client)
	close(client.Send)
	h.stats.ActiveConnections--
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.removeLocked(client)
	}
}

// sendTo delivers event to a single client if it is still registered
func (h *Hub) sendTo(client *Client, event Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.clients[client] {
		return false
	}
	select {
	case client.Send <- event:
		return true
	default:
		h.logger.Warn("Dropping event for slow client",
			zap.String("client_id", client.ID),
			zap.String("event_type", string(event.Type)))
		return false
	}
}

// shouldSendToClient determines if an event should be sent to a specific client
func shouldSendToClient(client *Client, event Event) bool {
	if client.Subscription == nil {
		return true
	}

	subscribed := len(client.Subscription.Events) == 0
	for _, eventType := range client.Subscription.Events {
		if eventType == event.Type {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return false
	}

	filter := client.Subscription.Filter
	if filter == nil {
		return true
	}
	switch data := event.Data.(type) {
	case DocumentStatusEvent:
		return len(filter.DocumentIDs) == 0 || containsID(filter.DocumentIDs, data.DocumentID)
	case AnalysisStatusEvent:
		return len(filter.AnalysisIDs) == 0 || containsID(filter.AnalysisIDs, data.AnalysisID)
	}
	return true
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// BroadcastEvent queues an event for all clients, subject to config flags
func (h *Hub) BroadcastEvent(eventType EventType, data interface{}) {
	switch eventType {
	case EventTypeDocumentStatus:
		if !h.config.BroadcastDocuments {
			return
		}
	case EventTypeAnalysisStatus:
		if !h.config.BroadcastAnalyses {
			return
		}
	case EventTypeConnection:
		if !h.config.BroadcastConnections {
			return
		}
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Broadcast channel full, dropping event",
			zap.String("event_type", string(eventType)))
	}
}

// DocumentReady announces that a document's text is available
func (h *Hub) DocumentReady(docID int64, tokens int) {
	h.BroadcastEvent(EventTypeDocumentStatus, DocumentStatusEvent{
		DocumentID: docID,
		Status:     "ready",
		Tokens:     tokens,
	})
}

// DocumentFailed announces that text extraction failed
func (h *Hub) DocumentFailed(docID int64, reason string) {
	h.BroadcastEvent(EventTypeDocumentStatus, DocumentStatusEvent{
		DocumentID: docID,
		Status:     "error",
		Message:    reason,
	})
}

// AnalysisStatus announces an analysis status change
func (h *Hub) AnalysisStatus(analysisID int64, status, message string) {
	h.BroadcastEvent(EventTypeAnalysisStatus, AnalysisStatusEvent{
		AnalysisID: analysisID,
		Status:     status,
		Message:    message,
	})
}

// HandleWebSocket upgrades the request and starts the client pumps
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:          generateClientID(),
		Conn:        conn,
		Send:        make(chan Event, 256),
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
		IP:          h.ips.ClientIP(r),
		UserAgent:   r.UserAgent(),
		session:     masking.NewSession(nil, ""),
		registered:  make(chan struct{}),
	}

	// pumps start only once previews can be delivered to the client
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	select {
	case <-client.registered:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

// checkOrigin accepts same-host requests, requests without an Origin header
// and origins listed in the config ("*" allows any)
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return *h.stats
}

func generateClientID() string {
	return fmt.Sprintf("client_%s", uuid.NewString()[:8])
}
