package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mao74/insurance-analyzer/internal/masking"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypePreview carries a recomputed masking preview to one client
	EventTypePreview EventType = "preview"
	// EventTypeDocumentStatus reports the end of text extraction
	EventTypeDocumentStatus EventType = "document_status"
	// EventTypeAnalysisStatus reports analysis pipeline progress
	EventTypeAnalysisStatus EventType = "analysis_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	EventTypePong       EventType = "pong"
	EventTypeError      EventType = "error"
)

// Client message types
const (
	MessageLoad      = "load"
	MessageSelect    = "select"
	MessageInputs    = "inputs"
	MessageSubscribe = "subscribe"
	MessagePing      = "ping"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// DocumentStatusEvent is broadcast when a document is ready or failed
type DocumentStatusEvent struct {
	DocumentID int64  `json:"document_id"`
	Status     string `json:"status"`
	Tokens     int    `json:"tokens,omitempty"`
	Message    string `json:"message,omitempty"`
}

// AnalysisStatusEvent is broadcast when an analysis changes status
type AnalysisStatusEvent struct {
	AnalysisID int64  `json:"analysis_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ErrorEvent reports a rejected client message
type ErrorEvent struct {
	Message string `json:"message"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// LoadMessage opens documents as tabs and optionally selects one
type LoadMessage struct {
	Documents []masking.Document `json:"documents"`
	Active    string             `json:"active"`
}

// SelectMessage switches the active tab
type SelectMessage struct {
	DocID string `json:"doc_id"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType   `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows status events to specific documents or analyses
type EventFilter struct {
	DocumentIDs []int64 `json:"document_ids,omitempty"`
	AnalysisIDs []int64 `json:"analysis_ids,omitempty"`
}

// Client represents a WebSocket client connection. session and inputs
// are only touched by the client's read goroutine.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	LastPing     time.Time
	IP           string
	UserAgent    string

	session    *masking.Session
	inputs     masking.Inputs
	registered chan struct{} // closed once the hub tracks the client
}

// HubConfig contains configuration for the WebSocket hub
type HubConfig struct {
	BroadcastDocuments   bool
	BroadcastAnalyses    bool
	BroadcastConnections bool
	ReadBufferSize       int
	WriteBufferSize      int
	PingInterval         time.Duration
	PongTimeout          time.Duration
	WriteTimeout         time.Duration
	MaxMessageSize       int64
	TrustedProxies       []string
	AllowedOrigins       []string
}

// HubStats tracks WebSocket hub statistics
type HubStats struct {
	TotalConnections   int64     `json:"total_connections"`
	ActiveConnections  int64     `json:"active_connections"`
	TotalMessages      int64     `json:"total_messages"`
	TotalBroadcasts    int64     `json:"total_broadcasts"`
	TotalPreviews      int64     `json:"total_previews"`
	LastConnectionTime time.Time `json:"last_connection_time"`
	LastDisconnectTime time.Time `json:"last_disconnect_time"`
	LastBroadcastTime  time.Time `json:"last_broadcast_time"`
}
