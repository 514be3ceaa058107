package ui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/shopfront/posmirror/internal/mirror/schema"
	"github.com/shopspring/decimal"
)

// ErrFormAborted is returned when the user cancels the product form.
var ErrFormAborted = errors.New("form aborted")

// FormValues holds the product form's fields as typed text.
type FormValues struct {
	SKU         string
	Name        string
	Price       string
	Cost        string
	Stock       string
	Active      bool
	Description string
	Category    string
	ImageURL    string
}

// NewFormValues pre-fills the form from in.
func NewFormValues(in schema.ProductInput) *FormValues {
	return &FormValues{
		SKU:         in.SKU,
		Name:        in.Name,
		Price:       decimal.NewFromFloat(in.Price).StringFixed(2),
		Cost:        decimal.NewFromFloat(in.Cost).StringFixed(2),
		Stock:       strconv.Itoa(in.Stock),
		Active:      in.IsActive,
		Description: in.Description,
		Category:    in.Category,
		ImageURL:    in.ImageURL,
	}
}

// Input converts the typed text into a ProductInput. Blank numbers are zero.
// The result still needs Validate for range and required checks.
func (v *FormValues) Input() (schema.ProductInput, error) {
	price, err := parseAmount(v.Price)
	if err != nil {
		return schema.ProductInput{}, fmt.Errorf("price: %w", err)
	}
	cost, err := parseAmount(v.Cost)
	if err != nil {
		return schema.ProductInput{}, fmt.Errorf("cost: %w", err)
	}
	stock, err := parseStock(v.Stock)
	if err != nil {
		return schema.ProductInput{}, fmt.Errorf("stock: %w", err)
	}

	return schema.ProductInput{
		SKU:         strings.TrimSpace(v.SKU),
		Name:        strings.TrimSpace(v.Name),
		Price:       price,
		Cost:        cost,
		Stock:       stock,
		IsActive:    v.Active,
		Description: strings.TrimSpace(v.Description),
		Category:    strings.TrimSpace(v.Category),
		ImageURL:    strings.TrimSpace(v.ImageURL),
	}, nil
}

func parseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if d.IsNegative() {
		return 0, errors.New("must be zero or more")
	}
	return d.Round(2).InexactFloat64(), nil
}

func parseStock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a whole number", s)
	}
	if n < 0 {
		return 0, errors.New("must be zero or more")
	}
	return n, nil
}

func required(label string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", label)
		}
		return nil
	}
}

func amountField(s string) error {
	_, err := parseAmount(s)
	return err
}

func stockField(s string) error {
	_, err := parseStock(s)
	return err
}

// ProductForm builds the interactive add/edit form bound to v.
func ProductForm(title string, v *FormValues) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().Title(title),
			huh.NewInput().Title("SKU").Value(&v.SKU).Validate(required("SKU")),
			huh.NewInput().Title("Name").Value(&v.Name).Validate(required("Name")),
			huh.NewInput().Title("Price").Value(&v.Price).Validate(amountField),
			huh.NewInput().Title("Cost").Value(&v.Cost).Validate(amountField),
			huh.NewInput().Title("Stock").Value(&v.Stock).Validate(stockField),
			huh.NewConfirm().Title("Active").Affirmative("Yes").Negative("No").Value(&v.Active),
		),
		huh.NewGroup(
			huh.NewInput().Title("Category").Value(&v.Category),
			huh.NewText().Title("Description").Value(&v.Description),
			huh.NewInput().Title("Image URL").Value(&v.ImageURL),
		),
	)
}

// RunProductForm shows the form pre-filled from in and returns the edited,
// validated input.
func RunProductForm(title string, in schema.ProductInput, accessible bool) (schema.ProductInput, error) {
	values := NewFormValues(in)
	if err := ProductForm(title, values).WithAccessible(accessible).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return schema.ProductInput{}, ErrFormAborted
		}
		return schema.ProductInput{}, err
	}

	out, err := values.Input()
	if err != nil {
		return schema.ProductInput{}, err
	}
	if err := out.Validate(); err != nil {
		return schema.ProductInput{}, err
	}
	return out, nil
}
