package schema

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ProductInput is the body of create and update requests.
// Identity and timestamps are assigned by the server.
type ProductInput struct {
	SKU         string  `json:"sku" validate:"required,max=64"`
	Name        string  `json:"name" validate:"required,max=200"`
	Price       float64 `json:"price" validate:"gte=0"`
	Cost        float64 `json:"cost" validate:"gte=0"`
	Stock       int     `json:"stock" validate:"gte=0"`
	IsActive    bool    `json:"isActive"`
	Description string  `json:"description,omitempty" validate:"max=2000"`
	Category    string  `json:"category,omitempty" validate:"max=100"`
	ImageURL    string  `json:"imageUrl,omitempty" validate:"omitempty,url"`
}

// NewProductInput returns the blank form values: zero amounts, active.
func NewProductInput() ProductInput {
	return ProductInput{IsActive: true}
}

// InputFromProduct pre-fills an edit form from a mirrored record.
func InputFromProduct(p *Product) ProductInput {
	return ProductInput{
		SKU:         p.SKU,
		Name:        p.Name,
		Price:       p.Price,
		Cost:        p.Cost,
		Stock:       p.Stock,
		IsActive:    p.IsActive,
		Description: p.Description,
		Category:    p.Category,
		ImageURL:    p.ImageURL,
	}
}

// Validate checks the input before it is sent to the server.
func (in *ProductInput) Validate() error {
	in.SKU = strings.TrimSpace(in.SKU)
	in.Name = strings.TrimSpace(in.Name)
	return validateStruct(in)
}

// ValidationError maps JSON field names to human-readable problems.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s %s", name, e.Fields[name]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validation failed: %w", err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = validationMessage(fe)
	}
	return &ValidationError{Fields: fields}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "url":
		return "must be a valid URL"
	}
	return "is invalid"
}
