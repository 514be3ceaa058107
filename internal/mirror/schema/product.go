package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product is a product record as stored in the local mirror.
// It is always derived from a RemoteProduct by the reconciler; the mirror
// never originates records of its own.
type Product struct {
	// ===== Identity =====
	ID  string `json:"id" yaml:"id" validate:"required"`
	SKU string `json:"sku" yaml:"sku"`

	// ===== Display =====
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty" yaml:"imageUrl,omitempty"`

	// ===== Money & inventory =====
	Price float64 `json:"price" yaml:"price" validate:"gte=0"`
	Cost  float64 `json:"cost" yaml:"cost" validate:"gte=0"`
	Stock int     `json:"stock" yaml:"stock" validate:"gte=0"`

	IsActive bool `json:"isActive" yaml:"isActive"`

	// ===== Timestamps (epoch millis) =====
	CreatedAt int64 `json:"createdAt" yaml:"createdAt"`
	UpdatedAt int64 `json:"updatedAt" yaml:"updatedAt"`
}

// Validate checks the rules every mirrored record must hold.
func (p *Product) Validate() error {
	return validateStruct(p)
}

// UpdatedTime returns UpdatedAt as a UTC time.
func (p *Product) UpdatedTime() time.Time {
	return time.UnixMilli(p.UpdatedAt).UTC()
}

// Margin returns (price-cost)/cost*100, or 0 when cost is zero.
func (p *Product) Margin() float64 {
	if p.Cost <= 0 {
		return 0
	}
	return (p.Price - p.Cost) / p.Cost * 100
}

// RemoteProduct is a product as returned by the catalog server.
type RemoteProduct struct {
	ID          string          `json:"id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Cost        decimal.Decimal `json:"cost"`
	Stock       int             `json:"stock"`
	IsActive    *bool           `json:"isActive,omitempty"` // nil means active
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	ImageURL    string          `json:"imageUrl,omitempty"`
	CreatedAt   string          `json:"createdAt,omitempty"`
	UpdatedAt   string          `json:"updatedAt"`
}

// Active reports the effective active flag, defaulting to true.
func (r *RemoteProduct) Active() bool {
	if r.IsActive == nil {
		return true
	}
	return *r.IsActive
}

// Normalize converts a server record into a mirror record.
//
// updatedAt is required and becomes epoch milliseconds; a missing createdAt
// becomes 0. The returned Product has been validated.
func (r *RemoteProduct) Normalize() (*Product, error) {
	if strings.TrimSpace(r.UpdatedAt) == "" {
		return nil, fmt.Errorf("product %q: updatedAt is required", r.ID)
	}
	updated, err := ParseTimestamp(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("product %q: invalid updatedAt: %w", r.ID, err)
	}

	var created int64
	if strings.TrimSpace(r.CreatedAt) != "" {
		t, err := ParseTimestamp(r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("product %q: invalid createdAt: %w", r.ID, err)
		}
		created = t.UnixMilli()
	}

	p := &Product{
		ID:          r.ID,
		SKU:         r.SKU,
		Name:        r.Name,
		Description: r.Description,
		Category:    r.Category,
		ImageURL:    r.ImageURL,
		Price:       r.Price.InexactFloat64(),
		Cost:        r.Cost.InexactFloat64(),
		Stock:       r.Stock,
		IsActive:    r.Active(),
		CreatedAt:   created,
		UpdatedAt:   updated.UnixMilli(),
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("product %q: %w", r.ID, err)
	}
	return p, nil
}

// timestampLayouts are tried in order by ParseTimestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a server timestamp. Values without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatTimestamp renders epoch millis the way the server does.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
