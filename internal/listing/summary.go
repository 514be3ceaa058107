package listing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shopfront/posmirror/internal/mirror/schema"
)

// Summary totals an inventory listing.
type Summary struct {
	Products   int             `json:"products"`
	Active     int             `json:"active"`
	Units      int             `json:"units"`
	StockValue decimal.Decimal `json:"stock_value"` // sum of price x stock
}

// Summarize totals products. Inactive products count toward every total.
func Summarize(products []*schema.Product) Summary {
	s := Summary{Products: len(products), StockValue: decimal.Zero}
	for _, p := range products {
		if p.IsActive {
			s.Active++
		}
		s.Units += p.Stock
		s.StockValue = s.StockValue.Add(decimal.NewFromFloat(p.Price).Mul(decimal.NewFromInt(int64(p.Stock))))
	}
	return s
}

// String renders e.g. "Total products: 3 (2 active), 57 units, stock value $546.00".
func (s Summary) String() string {
	return fmt.Sprintf("Total products: %d (%d active), %d units, stock value $%s",
		s.Products, s.Active, s.Units, s.StockValue.StringFixed(2))
}
