// Package dashboard serves the local mirror over HTTP and pushes sync and
// mutation events to WebSocket clients.
//
// Routes:
//
//	GET    /health              status, WebSocket clients, mirrored products
//	GET    /api/products        list via the read path (q, sort, dir, page, per_page, active)
//	POST   /api/products        create via the write path
//	PUT    /api/products/{id}   update via the write path
//	DELETE /api/products/{id}   deactivate via the write path
//	POST   /api/sync            run a pass now (rate limited)
//	GET    /ws                  event stream
//	GET    /metrics             Prometheus exposition
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopfront/posmirror/internal/catalog"
	"github.com/shopfront/posmirror/internal/listing"
	"github.com/shopfront/posmirror/internal/mirror/db"
	"github.com/shopfront/posmirror/internal/mirror/schema"
	"github.com/shopfront/posmirror/internal/remote"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSyncComplete indicates a reconciliation pass finished
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeSyncFailed indicates a pass aborted; the mirror is stale
	MessageTypeSyncFailed MessageType = "sync_failed"

	// MessageTypeProductMutation indicates a write was sent to the server
	MessageTypeProductMutation MessageType = "product_mutation"

	// MessageTypeStats indicates updated mirror statistics
	MessageTypeStats MessageType = "stats"
)

// StaleHeader is set to "true" on responses served after a pass that failed
// or skipped records.
const StaleHeader = "X-Mirror-Stale"

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Catalog is the read and write path the server exposes.
// *catalog.Service satisfies it.
type Catalog interface {
	LoadSnapshot(ctx context.Context) (*catalog.Snapshot, error)
	Cached(ctx context.Context) ([]*schema.Product, error)
	Create(ctx context.Context, in schema.ProductInput) (*catalog.MutationResult, error)
	Update(ctx context.Context, id string, in schema.ProductInput) (*catalog.MutationResult, error)
	Delete(ctx context.Context, id string) (*catalog.MutationResult, error)
}

// Server manages HTTP routes and WebSocket connections
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	config   *Config

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Logging
	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080). Zero picks a free port.
	Port int

	// Host to bind (default: 127.0.0.1)
	Host string

	// SyncRateLimit is how many POST /api/sync requests one client may
	// make per minute (default: 6)
	SyncRateLimit int

	// Gatherer backs /metrics (default: prometheus.DefaultGatherer)
	Gatherer prometheus.Gatherer

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:          8080,
		Host:          "127.0.0.1",
		SyncRateLimit: 6,
		Gatherer:      prometheus.DefaultGatherer,
		Logger:        log.Default(),
	}
}

// NewServer creates a new dashboard server
func NewServer(config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Gatherer == nil {
		config.Gatherer = defaults.Gatherer
	}
	if config.SyncRateLimit <= 0 {
		config.SyncRateLimit = defaults.SyncRateLimit
	}
	if config.Host == "" {
		config.Host = defaults.Host
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		config:    config,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Router builds the HTTP routes over c.
func (s *Server) Router(c Catalog) http.Handler {
	api := &apiHandler{catalog: c, logger: s.logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s.handleHealth(w, r, c)
	})
	r.Get("/ws", s.handleWebSocket)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))

	limiter := httprate.Limit(s.config.SyncRateLimit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "too many sync requests")
		}),
	)

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", api.handleList)
		r.Post("/products", api.handleCreate)
		r.Put("/products/{id}", api.handleUpdate)
		r.Delete("/products/{id}", api.handleDelete)
		r.With(limiter).Post("/sync", api.handleSync)
	})

	return r
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start(c Catalog) error {
	// Create listener
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Router(c),
		ReadHeaderTimeout: 10 * time.Second,
		// Writes include a reconciliation pass, which may wait on the server.
		WriteTimeout: 60 * time.Second,
	}

	// Start broadcast handler
	s.wg.Add(1)
	go s.broadcastLoop()

	// Start HTTP server
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	// Signal shutdown
	s.cancel()

	// Close all WebSocket connections
	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	// Wait for goroutines
	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// RunBroadcaster delivers broadcasts without starting the HTTP listener.
// Use it with Router when serving through another http.Server.
func (s *Server) RunBroadcaster() {
	s.wg.Add(1)
	go s.broadcastLoop()
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Send outside the lock so a slow client can't block registration
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The dashboard binds to loopback by default; browsers on the
		// register open it from file:// and localhost origins.
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	welcome := Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
	}
	welcomeData, _ := json.Marshal(welcome)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, welcomeData)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
		// Client messages are ignored
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, c Catalog) {
	status := "ok"
	count := 0
	products, err := c.Cached(r.Context())
	if err != nil {
		status = "degraded"
		s.logger.Printf("Health check: %v", err)
	} else {
		count = len(products)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"clients":  s.ClientCount(),
		"products": count,
	})
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// apiHandler serves the /api routes.
type apiHandler struct {
	catalog Catalog
	logger  *log.Logger
}

func (h *apiHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := h.catalog.LoadSnapshot(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if snap.Stale {
		w.Header().Set(StaleHeader, "true")
	}

	writeJSON(w, http.StatusOK, listing.Apply(snap.Products, q))
}

func (h *apiHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeInput(w, r)
	if !ok {
		return
	}

	res, err := h.catalog.Create(r.Context(), in)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	writeMutationResult(w, http.StatusCreated, res)
}

func (h *apiHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeInput(w, r)
	if !ok {
		return
	}

	res, err := h.catalog.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeMutationError(w, err)
		return
	}
	writeMutationResult(w, http.StatusOK, res)
}

func (h *apiHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, err := h.catalog.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeMutationError(w, err)
		return
	}
	writeMutationResult(w, http.StatusOK, res)
}

func (h *apiHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	snap, err := h.catalog.LoadSnapshot(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	body := map[string]interface{}{
		"fetched":  snap.Sync.Fetched,
		"upserted": snap.Sync.Upserted,
		"skipped":  snap.Sync.Skipped,
		"shared":   snap.Sync.Shared,
		"stale":    snap.Stale,
		"partial":  snap.Partial,
		"total":    len(snap.Products),
	}
	status := http.StatusOK
	if snap.SyncErr != nil {
		body["error"] = snap.SyncErr.Error()
		if !snap.Partial {
			status = http.StatusBadGateway
		}
		w.Header().Set(StaleHeader, "true")
	}
	writeJSON(w, status, body)
}

func parseQuery(r *http.Request) (listing.Query, error) {
	v := r.URL.Query()

	field, err := listing.ParseSortField(v.Get("sort"))
	if err != nil {
		return listing.Query{}, err
	}

	q := listing.Query{
		Search: v.Get("q"),
		Sort:   field,
		Desc:   strings.EqualFold(v.Get("dir"), "desc"),
	}

	if q.Page, err = intParam(v.Get("page"), 1); err != nil {
		return listing.Query{}, fmt.Errorf("invalid page: %w", err)
	}
	if q.PerPage, err = intParam(v.Get("per_page"), listing.DefaultPerPage); err != nil {
		return listing.Query{}, fmt.Errorf("invalid per_page: %w", err)
	}
	if raw := v.Get("active"); raw != "" {
		if q.ActiveOnly, err = strconv.ParseBool(raw); err != nil {
			return listing.Query{}, fmt.Errorf("invalid active: %w", err)
		}
	}
	return q, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("must be at least 1, got %d", n)
	}
	return n, nil
}

func decodeInput(w http.ResponseWriter, r *http.Request) (schema.ProductInput, bool) {
	in := schema.NewProductInput()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return in, false
	}
	return in, true
}

func writeMutationResult(w http.ResponseWriter, status int, res *catalog.MutationResult) {
	body := map[string]interface{}{"product": res.Product}
	if res.Snapshot != nil {
		body["stale"] = res.Snapshot.Stale
		body["total"] = len(res.Snapshot.Products)
		if res.Snapshot.Stale {
			w.Header().Set(StaleHeader, "true")
		}
	}
	writeJSON(w, status, body)
}

func writeMutationError(w http.ResponseWriter, err error) {
	var verr *schema.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
	case errors.Is(err, remote.ErrMutationFailed):
		var merr *remote.MutationError
		if errors.As(err, &merr) && merr.StatusCode == http.StatusNotFound {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeStoreError(w, err)
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrStorageUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
