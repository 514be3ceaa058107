package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/shopfront/posmirror/internal/catalog"
	mirrorsync "github.com/shopfront/posmirror/internal/mirror/sync"
)

// SyncData describes a finished reconciliation pass
type SyncData struct {
	Fetched    int    `json:"fetched"`
	Upserted   int    `json:"upserted"`
	Skipped    int    `json:"skipped"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// MutationData describes a write sent to the server
type MutationData struct {
	Op      string `json:"op"` // create, update, delete
	ID      string `json:"id,omitempty"`
	SKU     string `json:"sku,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StatsData contains running totals since the handler started
type StatsData struct {
	Passes          int       `json:"passes"`
	FailedPasses    int       `json:"failed_passes"`
	Mutations       int       `json:"mutations"`
	FailedMutations int       `json:"failed_mutations"`
	LastSync        time.Time `json:"last_sync,omitempty"`
	Stale           bool      `json:"stale"`
}

// Handler turns reconciler and write path events into dashboard messages.
// It implements sync.Observer and catalog.MutationHook.
type Handler struct {
	server *Server
	logger *log.Logger

	statsMu sync.Mutex
	stats   StatsData
}

var (
	_ mirrorsync.Observer  = (*Handler)(nil)
	_ catalog.MutationHook = (*Handler)(nil)
)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server: server,
		logger: logger,
	}
}

// OnSyncComplete handles a successful pass
func (h *Handler) OnSyncComplete(res mirrorsync.Result) {
	h.statsMu.Lock()
	h.stats.Passes++
	h.stats.LastSync = res.Started.Add(res.Duration)
	h.stats.Stale = res.Skipped > 0
	h.statsMu.Unlock()

	h.send(MessageTypeSyncComplete, syncData(res, nil))
	h.broadcastStats()
}

// OnSyncFailed handles an aborted pass
func (h *Handler) OnSyncFailed(res mirrorsync.Result, err error) {
	h.logger.Printf("Sync failed: %v", err)

	h.statsMu.Lock()
	h.stats.Passes++
	h.stats.FailedPasses++
	h.stats.Stale = true
	h.statsMu.Unlock()

	h.send(MessageTypeSyncFailed, syncData(res, err))
	h.broadcastStats()
}

// OnMutation handles a write sent to the server
func (h *Handler) OnMutation(ev catalog.MutationEvent) {
	data := MutationData{
		Op:      string(ev.Op),
		ID:      ev.ID,
		SKU:     ev.SKU,
		Success: ev.Err == nil,
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}

	h.statsMu.Lock()
	h.stats.Mutations++
	if ev.Err != nil {
		h.stats.FailedMutations++
	}
	h.statsMu.Unlock()

	h.send(MessageTypeProductMutation, data)
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.stats
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	h.send(MessageTypeStats, h.GetStats())
}

func (h *Handler) send(typ MessageType, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}

	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

func syncData(res mirrorsync.Result, err error) SyncData {
	data := SyncData{
		Fetched:    res.Fetched,
		Upserted:   res.Upserted,
		Skipped:    res.Skipped,
		DurationMS: res.Duration.Milliseconds(),
	}
	if err != nil {
		data.Error = err.Error()
	}
	return data
}
