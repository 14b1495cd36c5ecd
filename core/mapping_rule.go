package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// MaxIdentifierLength bounds attribute names that are embedded into matcher queries
const MaxIdentifierLength = 128

var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9_@\-]+(\.[A-Za-z0-9_@\-]+)*$`)

// ValidateIdentifier checks that an attribute name is safe to embed structurally in a
// query. Only letters, digits, underscore, dash, the dot placeholder and path dots are allowed.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty attribute name", ErrInvalidIdentifier)
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidIdentifier, name, MaxIdentifierLength)
	}
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// MappingRule enriches alerts with the fields of the first row that matches the alert
type MappingRule struct {
	ID              string           `json:"id" yaml:"id"`
	TenantID        string           `json:"tenant_id" yaml:"tenant_id"`
	Name            string           `json:"name" yaml:"name" validate:"required,max=256"`
	Description     string           `json:"description,omitempty" yaml:"description"`
	Priority        int              `json:"priority" yaml:"priority"`
	Matchers        [][]string       `json:"matchers" yaml:"matchers" validate:"required,min=1,dive,min=1"`
	Rows            []map[string]any `json:"rows" yaml:"rows"`
	Disabled        bool             `json:"disabled" yaml:"disabled"`
	IsMultiLevel    bool             `json:"is_multi_level" yaml:"is_multi_level"`
	MultiLevelKey   string           `json:"multi_level_key,omitempty" yaml:"multi_level_key"`
	PrefixToRemove  string           `json:"prefix_to_remove,omitempty" yaml:"prefix_to_remove"`
	NewPropertyName string           `json:"new_property_name,omitempty" yaml:"new_property_name"`
	CreatedAt       time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time        `json:"updated_at" yaml:"-"`
}

// Validate checks the rule structure and every matcher attribute name
func (r *MappingRule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid mapping rule: %w", err)
	}
	for _, group := range r.Matchers {
		for _, attr := range group {
			if err := ValidateIdentifier(attr); err != nil {
				return err
			}
		}
	}
	if r.IsMultiLevel {
		if r.MultiLevelKey == "" || r.NewPropertyName == "" {
			return fmt.Errorf("invalid mapping rule: multi-level rules need multi_level_key and new_property_name")
		}
		if err := ValidateIdentifier(r.MultiLevelKey); err != nil {
			return err
		}
	}
	return nil
}

// MatcherAttributes returns every attribute named by any matcher group, de-duplicated
func (r *MappingRule) MatcherAttributes() map[string]struct{} {
	attrs := make(map[string]struct{})
	for _, group := range r.Matchers {
		for _, attr := range group {
			attrs[attr] = struct{}{}
		}
	}
	return attrs
}

// NormalizeRows converts every row value to its string form and trims it. Values that
// cannot be represented as a string (nested lists or maps) are dropped.
func (r *MappingRule) NormalizeRows() {
	for i, row := range r.Rows {
		normalized := make(map[string]any, len(row))
		for k, v := range row {
			s, ok := Stringify(v)
			if !ok {
				continue
			}
			normalized[k] = strings.TrimSpace(s)
		}
		r.Rows[i] = normalized
	}
}

// RowValue returns a row attribute as a string
func RowValue(row map[string]any, attr string) (string, bool) {
	v, ok := row[attr]
	if !ok {
		return "", false
	}
	return Stringify(v)
}
