// Package remotetest provides an in-memory catalog server with the same
// HTTP contract as the real one, for tests, demos and load tests.
package remotetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopfront/posmirror/internal/mirror/schema"
	"github.com/shopspring/decimal"
)

// Server is an in-memory catalog. The zero value is not usable; call New.
type Server struct {
	mu       sync.Mutex
	products map[string]*schema.RemoteProduct
	order    []string // insertion order, which is also GET order

	failFetch     atomic.Bool
	failMutations atomic.Bool
	fetches       atomic.Int64
	fetchDelay    atomic.Int64 // nanoseconds

	now func() time.Time
	srv *httptest.Server
}

// New starts a catalog server on a loopback port.
// The server is closed when the test ends if t is non-nil.
func New(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		products: make(map[string]*schema.RemoteProduct),
		now:      time.Now,
	}
	s.srv = httptest.NewServer(s.Router())
	if t != nil {
		t.Cleanup(s.Close)
	}
	return s
}

// URL returns the base URL to hand to remote.NewClient.
func (s *Server) URL() string {
	return s.srv.URL
}

// Close shuts the listener down.
func (s *Server) Close() {
	s.srv.Close()
}

// Router returns the HTTP handler without starting a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/products", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})
	return r
}

// FailFetch makes GET /api/products answer 503 while set.
func (s *Server) FailFetch(fail bool) {
	s.failFetch.Store(fail)
}

// FailMutations makes every write answer 500 while set.
func (s *Server) FailMutations(fail bool) {
	s.failMutations.Store(fail)
}

// SetFetchDelay delays every list response, to widen race windows.
func (s *Server) SetFetchDelay(d time.Duration) {
	s.fetchDelay.Store(int64(d))
}

// Fetches reports how many list requests have been served.
func (s *Server) Fetches() int {
	return int(s.fetches.Load())
}

// Put stores p as-is, replacing any product with the same id.
func (s *Server) Put(p *schema.RemoteProduct) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	if _, exists := s.products[p.ID]; !exists {
		s.order = append(s.order, p.ID)
	}
	s.products[p.ID] = &cp
}

// Remove drops a product entirely, as a hard delete on the server would.
func (s *Server) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.products, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Product returns a copy of the stored product, active or not.
func (s *Server) Product(id string) (*schema.RemoteProduct, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Active returns the products GET /api/products would list.
func (s *Server) Active() []*schema.RemoteProduct {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*schema.RemoteProduct, 0, len(s.order))
	for _, id := range s.order {
		p := s.products[id]
		if p.Active() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.fetches.Add(1)
	if d := time.Duration(s.fetchDelay.Load()); d > 0 {
		time.Sleep(d)
	}
	if s.failFetch.Load() {
		writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.Active())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := s.Product(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Product not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.failMutations.Load() {
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}

	var in schema.ProductInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	stamp := s.timestamp()
	p := fromInput(uuid.NewString(), in)
	p.CreatedAt = stamp
	p.UpdatedAt = stamp
	s.Put(p)

	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.failMutations.Load() {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}

	id := chi.URLParam(r, "id")
	existing, ok := s.Product(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Product not found")
		return
	}

	var in schema.ProductInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	p := fromInput(id, in)
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.timestamp()
	s.Put(p)

	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.failMutations.Load() {
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}

	id := chi.URLParam(r, "id")
	p, ok := s.Product(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Product not found")
		return
	}

	inactive := false
	p.IsActive = &inactive
	p.UpdatedAt = s.timestamp()
	s.Put(p)

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func fromInput(id string, in schema.ProductInput) *schema.RemoteProduct {
	active := in.IsActive
	return &schema.RemoteProduct{
		ID:          id,
		SKU:         in.SKU,
		Name:        in.Name,
		Price:       decimal.NewFromFloat(in.Price),
		Cost:        decimal.NewFromFloat(in.Cost),
		Stock:       in.Stock,
		IsActive:    &active,
		Description: in.Description,
		Category:    in.Category,
		ImageURL:    in.ImageURL,
	}
}

// Seed stores n generated products with ids p0000..pNNNN and returns them
// in the order GET will list them.
func (s *Server) Seed(n int) []*schema.RemoteProduct {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*schema.RemoteProduct, 0, n)
	for i := 0; i < n; i++ {
		p := Generate(i, base.Add(time.Duration(i)*time.Minute))
		s.Put(p)
		out = append(out, p)
	}
	return out
}

var categories = []string{"beverages", "snacks", "household", "produce"}

// Generate builds a deterministic product for index i.
func Generate(i int, at time.Time) *schema.RemoteProduct {
	active := true
	stamp := at.UTC().Format(time.RFC3339)
	id := "p" + pad4(i)
	return &schema.RemoteProduct{
		ID:        id,
		SKU:       "SKU-" + pad4(i),
		Name:      "Product " + pad4(i),
		Price:     decimal.NewFromInt(int64(100 + i%900)).Shift(-2).Add(decimal.NewFromInt(1)),
		Cost:      decimal.NewFromInt(int64(50 + i%400)).Shift(-2),
		Stock:     i % 50,
		IsActive:  &active,
		Category:  categories[i%len(categories)],
		CreatedAt: stamp,
		UpdatedAt: stamp,
	}
}

func pad4(i int) string {
	const digits = "0123456789"
	b := []byte("0000")
	for pos := 3; pos >= 0 && i > 0; pos-- {
		b[pos] = digits[i%10]
		i /= 10
	}
	return string(b)
}

// IDs returns the ids of products sorted ascending.
func IDs(products []*schema.RemoteProduct) []string {
	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
