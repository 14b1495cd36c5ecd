package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"vigil/core"
	"vigil/storage"
)

// Seed is the declarative rule set loaded at startup
type Seed struct {
	Tenants []TenantSeed `yaml:"tenants"`
}

// TenantSeed holds the rules of one tenant
type TenantSeed struct {
	ID                 string                        `yaml:"id"`
	MappingRules       []*core.MappingRule           `yaml:"mapping_rules"`
	MaintenanceWindows []*core.MaintenanceWindowRule `yaml:"maintenance_windows"`
	CorrelationRules   []*core.CorrelationRule       `yaml:"correlation_rules"`
	Presets            []*core.Preset                `yaml:"presets"`
}

// SeedSummary counts what LoadSeed created and skipped
type SeedSummary struct {
	Created int
	Skipped int
}

// ParseSeed decodes a seed document
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for i, t := range seed.Tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("seed tenant %d has no id", i)
		}
	}
	return &seed, nil
}

// LoadSeed creates the rules declared in the YAML file at path. Rules whose ID already
// exists and presets whose name is taken are skipped, so loading the same file twice is
// harmless.
func LoadSeed(ctx context.Context, path string, stores *StorageComponents, sugar *zap.SugaredLogger) (SeedSummary, error) {
	var summary SeedSummary
	data, err := os.ReadFile(path)
	if err != nil {
		return summary, fmt.Errorf("failed to read seed file: %w", err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return summary, err
	}

	count := func(created bool) {
		if created {
			summary.Created++
		} else {
			summary.Skipped++
		}
	}

	for _, tenant := range seed.Tenants {
		for _, rule := range tenant.MappingRules {
			rule.TenantID = tenant.ID
			created, err := seedOne(rule.ID, func() error {
				_, err := stores.MappingRules.GetMappingRule(ctx, tenant.ID, rule.ID)
				return err
			}, storage.ErrMappingRuleNotFound, func() error {
				return stores.MappingRules.CreateMappingRule(ctx, rule)
			})
			if err != nil {
				return summary, fmt.Errorf("mapping rule %q for tenant %s: %w", rule.Name, tenant.ID, err)
			}
			count(created)
		}

		for _, rule := range tenant.MaintenanceWindows {
			rule.TenantID = tenant.ID
			created, err := seedOne(rule.ID, func() error {
				_, err := stores.MaintenanceRules.GetMaintenanceRule(ctx, tenant.ID, rule.ID)
				return err
			}, storage.ErrMaintenanceRuleNotFound, func() error {
				return stores.MaintenanceRules.CreateMaintenanceRule(ctx, rule)
			})
			if err != nil {
				return summary, fmt.Errorf("maintenance window %q for tenant %s: %w", rule.Name, tenant.ID, err)
			}
			count(created)
		}

		for _, rule := range tenant.CorrelationRules {
			rule.TenantID = tenant.ID
			created, err := seedOne(rule.ID, func() error {
				_, err := stores.CorrelationRules.GetCorrelationRule(ctx, tenant.ID, rule.ID)
				return err
			}, storage.ErrCorrelationRuleNotFound, func() error {
				return stores.CorrelationRules.CreateCorrelationRule(ctx, rule)
			})
			if err != nil {
				return summary, fmt.Errorf("correlation rule %q for tenant %s: %w", rule.Name, tenant.ID, err)
			}
			count(created)
		}

		for _, preset := range tenant.Presets {
			preset.TenantID = tenant.ID
			err := stores.Presets.CreatePreset(ctx, preset)
			switch {
			case errors.Is(err, storage.ErrPresetNameExists):
				count(false)
			case err != nil:
				return summary, fmt.Errorf("preset %q for tenant %s: %w", preset.Name, tenant.ID, err)
			default:
				count(true)
			}
		}
	}

	sugar.Infow("Seed file loaded", "path", path, "tenants", len(seed.Tenants),
		"created", summary.Created, "skipped", summary.Skipped)
	return summary, nil
}

// seedOne creates a record unless one with the same non-empty id exists
func seedOne(id string, get func() error, notFound error, create func() error) (bool, error) {
	if id != "" {
		err := get()
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, notFound) {
			return false, err
		}
	}
	if err := create(); err != nil {
		return false, err
	}
	return true, nil
}
