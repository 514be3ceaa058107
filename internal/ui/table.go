package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/shopfront/posmirror/internal/listing"
	"github.com/shopfront/posmirror/internal/mirror/schema"
)

var productHeaders = []string{"SKU", "Name", "Price", "Cost", "Margin %", "Stock", "Status"}

const (
	colStock  = 5
	colStatus = 6
)

// ProductTable renders products as a bordered table. Stock is highlighted
// when low or out, and inactive rows are muted.
func ProductTable(products []*schema.Product) string {
	rows := make([][]string, 0, len(products))
	for _, p := range products {
		rows = append(rows, []string{
			p.SKU,
			p.Name,
			listing.FormatMoney(p.Price),
			listing.FormatMoney(p.Cost),
			listing.FormatMargin(p),
			strconv.Itoa(p.Stock),
			listing.Status(p),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(productHeaders...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row < 0 || row >= len(products) {
				return cellStyle
			}
			p := products[row]
			switch {
			case col == colStock && listing.IsOutOfStock(p):
				return cellStyle.Foreground(ColorFail)
			case col == colStock && listing.IsLowStock(p):
				return cellStyle.Foreground(ColorWarn)
			case col == colStatus && p.IsActive:
				return cellStyle.Foreground(ColorPass)
			case !p.IsActive:
				return cellStyle.Foreground(ColorMuted)
			}
			return cellStyle
		})

	return t.String()
}

// PageFooter summarizes a listing page, e.g. "Page 2 of 5 (43 products)".
func PageFooter(page listing.Page) string {
	noun := "products"
	if page.Total == 1 {
		noun = "product"
	}
	if page.TotalPages == 0 {
		return RenderMuted(fmt.Sprintf("No %s", noun))
	}
	return RenderMuted(fmt.Sprintf("Page %d of %d (%d %s)", page.Page, page.TotalPages, page.Total, noun))
}

// ProductDetail renders one product as aligned label/value lines.
func ProductDetail(p *schema.Product) string {
	var b strings.Builder
	line := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s %s\n", accentStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
	}

	line("ID", p.ID)
	line("SKU", p.SKU)
	line("Name", p.Name)
	line("Price", listing.FormatMoney(p.Price))
	line("Cost", listing.FormatMoney(p.Cost))
	line("Margin %", listing.FormatMargin(p))
	line("Stock", strconv.Itoa(p.Stock))
	line("Status", listing.Status(p))
	line("Category", p.Category)
	line("Description", p.Description)
	line("Image", p.ImageURL)
	line("Updated", fmt.Sprintf("%s (%s)", schema.FormatTimestamp(p.UpdatedAt), humanize.Time(p.UpdatedTime())))
	if p.CreatedAt > 0 {
		line("Created", schema.FormatTimestamp(p.CreatedAt))
	}
	return b.String()
}
