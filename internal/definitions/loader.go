package definitions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ronappleton/growth-orchestrator/internal/config"
	"github.com/ronappleton/growth-orchestrator/internal/store"
	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

// Parse validates a YAML (or JSON) document and decodes it.
func Parse(data []byte) (workflow.Definition, error) {
	if err := ValidateDocument(data); err != nil {
		return workflow.Definition{}, err
	}
	var def workflow.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return workflow.Definition{}, fmt.Errorf("decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return workflow.Definition{}, err
	}
	return def, nil
}

// LoadDir parses every .yaml, .yml and .json file in dir. A missing
// directory yields no definitions.
func LoadDir(dir string) ([]workflow.Definition, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []workflow.Definition
	var errs []error
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		def, err := Parse(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		out = append(out, def)
	}
	return out, errors.Join(errs...)
}

// Seed writes the built-in campaigns and any definitions found in dir.
// Files in dir override built-ins of the same type.
func Seed(ctx context.Context, gw store.Gateway, dir string, logger *zap.Logger) (int, error) {
	loaded, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}
	byType := map[string]workflow.Definition{}
	for _, def := range Builtin() {
		byType[def.Type] = def
	}
	for _, def := range loaded {
		byType[def.Type] = def
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if err := gw.SaveDefinition(ctx, byType[t]); err != nil {
			return 0, fmt.Errorf("save definition %s: %w", t, err)
		}
		logger.Debug("definition seeded", zap.String("workflow_type", t), zap.Int("steps", len(byType[t].Steps)))
	}
	return len(types), nil
}

func Module() fx.Option {
	return fx.Invoke(func(lc fx.Lifecycle, gw store.Gateway, cache *store.DefinitionCache, cfg config.Config, logger *zap.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				n, err := Seed(ctx, gw, cfg.Definitions.Dir, logger)
				if err != nil {
					return err
				}
				cache.Purge()
				logger.Info("workflow definitions ready", zap.Int("count", n))
				return nil
			},
		})
	})
}
