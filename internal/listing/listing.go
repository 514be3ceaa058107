// Package listing filters, sorts and pages mirrored products for display.
package listing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopfront/posmirror/internal/mirror/schema"
)

// DefaultPerPage is the page size used when none is given.
const DefaultPerPage = 10

// LowStockThreshold is the stock level below which a product is flagged.
const LowStockThreshold = 10

// SortField names a sortable column.
type SortField string

const (
	SortName   SortField = "name"
	SortSKU    SortField = "sku"
	SortPrice  SortField = "price"
	SortMargin SortField = "margin"
	SortStock  SortField = "stock"
)

// ParseSortField accepts a column name, case-insensitively. Empty means name.
func ParseSortField(s string) (SortField, error) {
	switch f := SortField(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return SortName, nil
	case SortName, SortSKU, SortPrice, SortMargin, SortStock:
		return f, nil
	}
	return "", fmt.Errorf("unknown sort field %q (want sku, name, price, margin or stock)", s)
}

// Query selects one page of a product list.
type Query struct {
	// Search matches name or SKU, case-insensitively.
	Search string
	Sort   SortField
	Desc   bool
	// Page is 1-based. Values below 1 mean the first page.
	Page    int
	PerPage int
	// ActiveOnly hides deactivated products.
	ActiveOnly bool
}

// Page is one page of results.
type Page struct {
	Items      []*schema.Product `json:"items"`
	Page       int               `json:"page"`
	PerPage    int               `json:"per_page"`
	Total      int               `json:"total"`
	TotalPages int               `json:"total_pages"`
}

// Apply filters, sorts and pages products. The input slice is not modified.
func Apply(products []*schema.Product, q Query) Page {
	filtered := Filter(products, q.Search)
	if q.ActiveOnly {
		filtered = activeOnly(filtered)
	}

	field := q.Sort
	if field == "" {
		field = SortName
	}
	Sort(filtered, field, q.Desc)

	return Paginate(filtered, q.Page, q.PerPage)
}

// Filter returns the products whose name or SKU contains search.
// An empty search returns a copy of every product.
func Filter(products []*schema.Product, search string) []*schema.Product {
	term := strings.ToLower(strings.TrimSpace(search))

	out := make([]*schema.Product, 0, len(products))
	for _, p := range products {
		if term == "" ||
			strings.Contains(strings.ToLower(p.Name), term) ||
			strings.Contains(strings.ToLower(p.SKU), term) {
			out = append(out, p)
		}
	}
	return out
}

func activeOnly(products []*schema.Product) []*schema.Product {
	out := products[:0]
	for _, p := range products {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out
}

// Sort orders products in place. Text columns compare case-insensitively;
// margin sorts by profit per unit. Ties fall back to id so the order is stable
// across reloads.
func Sort(products []*schema.Product, field SortField, desc bool) {
	less := lessFunc(field)
	sort.SliceStable(products, func(i, j int) bool {
		a, b := products[i], products[j]
		if less(a, b) {
			return !desc
		}
		if less(b, a) {
			return desc
		}
		return a.ID < b.ID
	})
}

func lessFunc(field SortField) func(a, b *schema.Product) bool {
	switch field {
	case SortSKU:
		return func(a, b *schema.Product) bool {
			return strings.ToLower(a.SKU) < strings.ToLower(b.SKU)
		}
	case SortPrice:
		return func(a, b *schema.Product) bool { return a.Price < b.Price }
	case SortMargin:
		return func(a, b *schema.Product) bool {
			return a.Price-a.Cost < b.Price-b.Cost
		}
	case SortStock:
		return func(a, b *schema.Product) bool { return a.Stock < b.Stock }
	default:
		return func(a, b *schema.Product) bool {
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}
	}
}

// Paginate returns page (1-based) of products. A page past the end is empty
// but still reports the totals.
func Paginate(products []*schema.Product, page, perPage int) Page {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if page < 1 {
		page = 1
	}

	total := len(products)
	totalPages := (total + perPage - 1) / perPage

	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	return Page{
		Items:      products[start:end],
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
	}
}

// IsOutOfStock reports whether p has no stock.
func IsOutOfStock(p *schema.Product) bool {
	return p.Stock == 0
}

// IsLowStock reports whether p is in stock but below LowStockThreshold.
func IsLowStock(p *schema.Product) bool {
	return p.Stock > 0 && p.Stock < LowStockThreshold
}
