package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Preset option labels
const (
	PresetOptionCEL = "CEL"
	PresetOptionSQL = "SQL"
)

// SearchQuery is a parameterized SQL-shaped filter. Placeholders are written :name and
// resolved from Params.
type SearchQuery struct {
	SQL    string         `json:"sql" yaml:"sql"`
	Params map[string]any `json:"params" yaml:"params"`
}

// PresetOption is one representation of a preset's filter
type PresetOption struct {
	Label string `json:"label" yaml:"label"`
	Value any    `json:"value" yaml:"value"`
}

// Preset is a saved search. Its CEL and SQL options must describe the same filter.
type Preset struct {
	ID        string         `json:"id" yaml:"id"`
	TenantID  string         `json:"tenant_id" yaml:"tenant_id"`
	Name      string         `json:"name" yaml:"name" validate:"required,max=256"`
	Options   []PresetOption `json:"options" yaml:"options"`
	IsNoisy   bool           `json:"is_noisy" yaml:"is_noisy"`
	Static    bool           `json:"static" yaml:"static"`
	CreatedBy string         `json:"created_by,omitempty" yaml:"created_by"`
	CreatedAt time.Time      `json:"created_at" yaml:"-"`
}

// PresetResult is computed per request and never stored
type PresetResult struct {
	PresetID         string `json:"id"`
	Name             string `json:"name"`
	AlertsCount      int    `json:"alerts_count"`
	IsNoisy          bool   `json:"is_noisy"`
	ShouldDoNoiseNow bool   `json:"should_do_noise_now"`
	Mode             string `json:"mode"`
}

// Validate checks the preset structure
func (p *Preset) Validate() error {
	if len(p.Options) == 0 {
		return ErrEmptyOptions
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid preset: %w", err)
	}
	cel, ok := p.CEL()
	if !ok || strings.TrimSpace(cel) == "" {
		return fmt.Errorf("invalid preset: a %s option is required", PresetOptionCEL)
	}
	if _, ok := p.SQL(); !ok {
		for _, opt := range p.Options {
			if opt.Label == PresetOptionSQL {
				return fmt.Errorf("invalid preset: malformed %s option", PresetOptionSQL)
			}
		}
	}
	return nil
}

// CEL returns the CEL representation of the filter
func (p *Preset) CEL() (string, bool) {
	for _, opt := range p.Options {
		if opt.Label != PresetOptionCEL {
			continue
		}
		s, ok := opt.Value.(string)
		return s, ok
	}
	return "", false
}

// SQL returns the SQL-template representation of the filter
func (p *Preset) SQL() (SearchQuery, bool) {
	for _, opt := range p.Options {
		if opt.Label != PresetOptionSQL {
			continue
		}
		switch v := opt.Value.(type) {
		case SearchQuery:
			return v, v.SQL != ""
		case *SearchQuery:
			if v == nil {
				return SearchQuery{}, false
			}
			return *v, v.SQL != ""
		default:
			raw, err := json.Marshal(SanitizeValue(v))
			if err != nil {
				return SearchQuery{}, false
			}
			var q SearchQuery
			if err := json.Unmarshal(raw, &q); err != nil {
				return SearchQuery{}, false
			}
			return q, q.SQL != ""
		}
	}
	return SearchQuery{}, false
}

// ShouldDoNoiseNow decides whether a preset should trigger its noise signal given the
// number of actionable (firing, not deleted, not dismissed) alerts in its filtered set and
// how many of those carry the isNoisy flag.
func ShouldDoNoiseNow(p *Preset, actionableFiring, actionableNoisy int) bool {
	if p.IsNoisy {
		return actionableFiring > 0
	}
	if !p.Static {
		return actionableNoisy > 0
	}
	return false
}
