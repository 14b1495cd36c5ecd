package core

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Alert is the canonical alert record produced by provider adapters or direct ingestion.
// Attributes that have no typed field live in Extra and are flattened to the top level
// when the alert is serialized, so enrichment keys round-trip through storage unchanged.
type Alert struct {
	ID             string         `json:"id,omitempty"`
	TenantID       string         `json:"tenant_id"`
	Fingerprint    string         `json:"fingerprint"`
	Name           string         `json:"name"`
	Status         AlertStatus    `json:"status"`
	Severity       string         `json:"severity,omitempty"`
	Source         []string       `json:"source"`
	Environment    string         `json:"environment,omitempty"`
	Service        string         `json:"service,omitempty"`
	Description    string         `json:"description,omitempty"`
	Labels         map[string]any `json:"labels,omitempty"`
	LastReceived   time.Time      `json:"lastReceived"`
	PreviousStatus AlertStatus    `json:"previous_status,omitempty"`
	Deleted        bool           `json:"deleted"`
	Dismissed      bool           `json:"dismissed"`
	IsNoisy        bool           `json:"isNoisy"`

	Extra map[string]any `json:"-"`
}

// alertFields maps JSON attribute names to struct field indexes
var alertFields = func() map[string]int {
	t := reflect.TypeOf(Alert{})
	idx := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		idx[name] = i
	}
	return idx
}()

// IsTypedField reports whether key names a typed Alert field rather than an Extra attribute
func IsTypedField(key string) bool {
	_, ok := alertFields[key]
	return ok
}

// Get returns a top-level attribute by its JSON name. Zero-valued typed fields other than
// booleans are reported as absent.
func (a *Alert) Get(key string) (any, bool) {
	if i, ok := alertFields[key]; ok {
		v := reflect.ValueOf(a).Elem().Field(i)
		if v.Kind() != reflect.Bool && v.IsZero() {
			return nil, false
		}
		return v.Interface(), true
	}
	v, ok := a.Extra[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Set writes a top-level attribute. Typed fields are assigned by JSON name with the value
// converted to the field type; anything else lands in Extra.
func (a *Alert) Set(key string, value any) error {
	i, ok := alertFields[key]
	if !ok {
		if a.Extra == nil {
			a.Extra = make(map[string]any)
		}
		a.Extra[key] = value
		return nil
	}

	field := reflect.ValueOf(a).Elem().Field(i)
	switch field.Interface().(type) {
	case string, AlertStatus:
		s, ok := Stringify(value)
		if !ok {
			return fmt.Errorf("cannot assign %T to %s", value, key)
		}
		field.SetString(s)
	case bool:
		switch v := value.(type) {
		case bool:
			field.SetBool(v)
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("cannot assign %q to %s: %w", v, key, err)
			}
			field.SetBool(b)
		default:
			return fmt.Errorf("cannot assign %T to %s", value, key)
		}
	case []string:
		field.Set(reflect.ValueOf(toStringSlice(value)))
	case map[string]any:
		m, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot assign %T to %s", value, key)
		}
		field.Set(reflect.ValueOf(m))
	case time.Time:
		switch v := value.(type) {
		case time.Time:
			field.Set(reflect.ValueOf(v.UTC()))
		case string:
			t, err := ParseTimestamp(v)
			if err != nil {
				return fmt.Errorf("cannot assign %q to %s: %w", v, key, err)
			}
			field.Set(reflect.ValueOf(t))
		default:
			return fmt.Errorf("cannot assign %T to %s", value, key)
		}
	default:
		return fmt.Errorf("unsupported field %s", key)
	}
	return nil
}

// FirstSource returns the first entry of the source list, or "" if there is none
func (a *Alert) FirstSource() string {
	if len(a.Source) == 0 {
		return ""
	}
	return a.Source[0]
}

// Payload returns a JSON-safe map of the alert for expression evaluation. Every typed
// field is present, Extra attributes are merged at the top level and source is coerced
// to its first element.
func (a *Alert) Payload() map[string]any {
	payload := make(map[string]any, len(alertFields)+len(a.Extra))
	for k, v := range a.Extra {
		payload[k] = SanitizeValue(v)
	}
	rv := reflect.ValueOf(a).Elem()
	for name, i := range alertFields {
		payload[name] = SanitizeValue(rv.Field(i).Interface())
	}
	payload["source"] = a.FirstSource()
	return payload
}

// MarshalJSON flattens Extra into the top-level object
func (a Alert) MarshalJSON() ([]byte, error) {
	type alias Alert
	base, err := json.Marshal(alias(a))
	if err != nil || len(a.Extra) == 0 {
		return base, err
	}

	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = SanitizeValue(v)
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON collects unknown top-level attributes into Extra
func (a *Alert) UnmarshalJSON(data []byte) error {
	type alias Alert
	var base alias
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*a = Alert(base)
	for k, v := range all {
		if IsTypedField(k) {
			continue
		}
		if a.Extra == nil {
			a.Extra = make(map[string]any)
		}
		a.Extra[k] = v
	}
	return nil
}

// Clone returns a deep copy of the alert
func (a *Alert) Clone() (*Alert, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	var clone Alert
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// IsActionable reports whether the alert is firing and neither deleted nor dismissed
func (a *Alert) IsActionable() bool {
	return a.Status == AlertStatusFiring && !a.Deleted && !a.Dismissed
}

// AlertFromEvent rebuilds an alert from a stored event document. It fails when the
// document lacks the attributes every stored alert carries.
func AlertFromEvent(event map[string]any) (*Alert, error) {
	for _, key := range []string{"fingerprint", "status", "name"} {
		if _, ok := event[key]; !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformedEvent, key)
		}
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var alert Alert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if alert.Fingerprint == "" {
		return nil, fmt.Errorf("%w: empty fingerprint", ErrMalformedEvent)
	}
	return &alert, nil
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := Stringify(item); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		if s, ok := Stringify(v); ok {
			return []string{s}
		}
		return nil
	}
}
