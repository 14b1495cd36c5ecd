package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vigil/bootstrap"
	"vigil/config"
	"vigil/expr"
)

// seedResult is the JSON shape of a seed run
type seedResult struct {
	File    string `json:"file"`
	DryRun  bool   `json:"dry_run"`
	Tenants int    `json:"tenants"`
	Created int    `json:"created"`
	Skipped int    `json:"skipped"`
}

// newSeedCmd creates the 'seed' subcommand
func newSeedCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "seed <file>",
		Short: "Load mapping rules, maintenance windows, correlation rules and presets",
		Long: `Load a YAML seed file into the relational store. Records whose ID already exists
and presets whose name is taken are skipped. With --dry-run the file is only validated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read seed file: %w", err)
			}
			seed, err := bootstrap.ParseSeed(data)
			if err != nil {
				return err
			}

			sugar, err := newCLILogger()
			if err != nil {
				return err
			}
			defer func() { _ = sugar.Sync() }()

			engine, err := expr.NewEngine(0, sugar)
			if err != nil {
				return err
			}
			if err := checkSeed(seed, engine); err != nil {
				return err
			}

			result := seedResult{File: path, DryRun: dryRun, Tenants: len(seed.Tenants)}
			if !dryRun {
				summary, err := applySeed(ctx, path, sugar)
				if err != nil {
					return err
				}
				result.Created = summary.Created
				result.Skipped = summary.Skipped
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), result)
			}
			renderSeedResult(cmd, result)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the file without writing")
	return cmd
}

// checkSeed validates every record and the syntax of every expression in seed
func checkSeed(seed *bootstrap.Seed, engine *expr.Engine) error {
	for _, tenant := range seed.Tenants {
		for _, rule := range tenant.MappingRules {
			if err := rule.Validate(); err != nil {
				return fmt.Errorf("tenant %s: mapping rule %q: %w", tenant.ID, rule.Name, err)
			}
		}
		for _, rule := range tenant.MaintenanceWindows {
			if err := rule.Validate(); err != nil {
				return fmt.Errorf("tenant %s: maintenance window %q: %w", tenant.ID, rule.Name, err)
			}
			if err := engine.Parse(rule.CELQuery); err != nil {
				return fmt.Errorf("tenant %s: maintenance window %q: %w", tenant.ID, rule.Name, err)
			}
		}
		for _, rule := range tenant.CorrelationRules {
			if err := rule.Validate(); err != nil {
				return fmt.Errorf("tenant %s: correlation rule %q: %w", tenant.ID, rule.Name, err)
			}
			if err := engine.Parse(rule.Definition); err != nil {
				return fmt.Errorf("tenant %s: correlation rule %q: %w", tenant.ID, rule.Name, err)
			}
		}
		for _, preset := range tenant.Presets {
			if err := preset.Validate(); err != nil {
				return fmt.Errorf("tenant %s: preset %q: %w", tenant.ID, preset.Name, err)
			}
			cel, _ := preset.CEL()
			if err := engine.Parse(cel); err != nil {
				return fmt.Errorf("tenant %s: preset %q: %w", tenant.ID, preset.Name, err)
			}
		}
	}
	return nil
}

// applySeed opens the configured store and loads the seed file into it
func applySeed(ctx context.Context, path string, sugar *zap.SugaredLogger) (bootstrap.SeedSummary, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return bootstrap.SeedSummary{}, fmt.Errorf("failed to load config: %w", err)
	}
	dirs := bootstrap.DataDirectoriesFromConfig(cfg)
	if err := bootstrap.EnsureDataDirectories(dirs, sugar); err != nil {
		return bootstrap.SeedSummary{}, err
	}
	sqlite, err := bootstrap.InitSQLite(dirs, sugar)
	if err != nil {
		return bootstrap.SeedSummary{}, err
	}
	defer sqlite.Close()

	return bootstrap.LoadSeed(ctx, path, bootstrap.NewStorageComponents(sqlite, sugar), sugar)
}

func renderSeedResult(cmd *cobra.Command, result seedResult) {
	out := cmd.OutOrStdout()
	if result.DryRun {
		successColor.Fprintf(out, "✓ Seed file %s is valid (%d tenants)\n", result.File, result.Tenants)
		return
	}
	successColor.Fprintf(out, "✓ Seed file %s loaded\n", result.File)
	if !quiet {
		infoColor.Fprintf(out, "  created: %d\n", result.Created)
		if result.Skipped > 0 {
			warningColor.Fprintf(out, "  skipped (already present): %d\n", result.Skipped)
		}
	}
}

// newCLILogger returns a production logger that only reports warnings and errors, or only
// errors with --quiet
func newCLILogger() (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	level := zapcore.WarnLevel
	if quiet {
		level = zapcore.ErrorLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.Sugar(), nil
}
