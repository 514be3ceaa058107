package listing

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopfront/posmirror/internal/mirror/schema"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Format is an export format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts csv, json, yaml or yml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv", "":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown export format %q (want csv, json or yaml)", s)
}

// Extension returns the usual file extension for f, without the dot.
func (f Format) Extension() string {
	return string(f)
}

// Export writes products to w in the given format.
func Export(w io.Writer, format Format, products []*schema.Product) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, products)
	case FormatJSON:
		return WriteJSON(w, products)
	case FormatYAML:
		return WriteYAML(w, products)
	}
	return fmt.Errorf("unknown export format %q", format)
}

var csvHeader = []string{"SKU", "Name", "Price", "Cost", "Profit", "Margin %", "Stock", "Status"}

// WriteCSV writes the spreadsheet export: money to two places, margin to one.
func WriteCSV(w io.Writer, products []*schema.Product) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, p := range products {
		price := decimal.NewFromFloat(p.Price)
		cost := decimal.NewFromFloat(p.Cost)

		record := []string{
			p.SKU,
			p.Name,
			price.StringFixed(2),
			cost.StringFixed(2),
			price.Sub(cost).StringFixed(2),
			FormatMargin(p),
			strconv.Itoa(p.Stock),
			Status(p),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row for %s: %w", p.ID, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}

// FormatMargin renders (price-cost)/cost*100 to one place, or "0" when the
// cost is zero.
func FormatMargin(p *schema.Product) string {
	cost := decimal.NewFromFloat(p.Cost)
	if !cost.IsPositive() {
		return "0"
	}
	price := decimal.NewFromFloat(p.Price)
	return price.Sub(cost).Div(cost).Mul(decimal.NewFromInt(100)).StringFixed(1)
}

// FormatMoney renders an amount to two places.
func FormatMoney(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

// Status is "Active" or "Inactive".
func Status(p *schema.Product) string {
	if p.IsActive {
		return "Active"
	}
	return "Inactive"
}

// WriteJSON writes products as an indented JSON array.
func WriteJSON(w io.Writer, products []*schema.Product) error {
	if products == nil {
		products = []*schema.Product{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(products); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// WriteYAML writes products as a YAML sequence.
func WriteYAML(w io.Writer, products []*schema.Product) error {
	if products == nil {
		products = []*schema.Product{}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(products); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish YAML: %w", err)
	}
	return nil
}
