package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// defaultSteps is the shared shape of the built-in templates: an optional
// approval gate, then the four stage steps, then a notification that only
// fires when something was actually delivered.
func defaultSteps() []models.StepDefinition {
	return []models.StepDefinition{
		{
			Type:   models.StepTypeApproval,
			Name:   "approval",
			Config: map[string]any{"required": false},
		},
		{
			Type: models.StepTypeSearch,
			Name: "search",
		},
		{
			Type: models.StepTypeDownload,
			Name: "download",
		},
		{
			Type:   models.StepTypeEncode,
			Name:   "encode",
			Config: map[string]any{"profile": "default"},
		},
		{
			Type: models.StepTypeDeliver,
			Name: "deliver",
		},
		{
			Type:   models.StepTypeNotification,
			Name:   "notify-delivered",
			Config: map[string]any{"event": "media.delivered"},
			Condition: &models.StepCondition{
				Clauses: []models.ConditionClause{
					{Path: "deliver.delivered_servers", Operator: "!=", Value: nil},
				},
			},
		},
	}
}

// DefaultMovieTemplate is the built-in pipeline for movie requests.
func DefaultMovieTemplate() *models.PipelineTemplate {
	return &models.PipelineTemplate{
		Name:      "movie-default",
		MediaKind: models.MediaKindMovie,
		IsDefault: true,
		Steps:     defaultSteps(),
	}
}

// DefaultTVTemplate is the built-in pipeline for TV requests. The step list
// is the same as the movie template; the engine branches per episode at the
// encode step.
func DefaultTVTemplate() *models.PipelineTemplate {
	return &models.PipelineTemplate{
		Name:      "tv-default",
		MediaKind: models.MediaKindTV,
		IsDefault: true,
		Steps:     defaultSteps(),
	}
}

// SeedDefaults installs the built-in templates unless templates with their
// names already exist, so operator edits survive restarts.
func SeedDefaults(ctx context.Context, repo repository.PipelineTemplateRepository, logger *slog.Logger) error {
	for _, tmpl := range []*models.PipelineTemplate{DefaultMovieTemplate(), DefaultTVTemplate()} {
		existing, err := repo.GetByName(ctx, tmpl.Name)
		if err != nil {
			return fmt.Errorf("checking template %q: %w", tmpl.Name, err)
		}
		if existing != nil {
			continue
		}
		if err := repo.Create(ctx, tmpl); err != nil {
			return fmt.Errorf("seeding template %q: %w", tmpl.Name, err)
		}
		logger.Info("seeded pipeline template", "template", tmpl.Name, "kind", tmpl.MediaKind)
	}
	return nil
}

// templateFile is the YAML shape of an operator-provided template.
type templateFile struct {
	Name      string                  `yaml:"name"`
	MediaKind models.MediaKind        `yaml:"media_kind"`
	IsDefault bool                    `yaml:"is_default"`
	Steps     []models.StepDefinition `yaml:"steps"`
}

// LoadYAMLTemplates upserts templates from *.yaml / *.yml files in dir.
// Invalid files are logged and skipped so one bad template cannot block
// startup. A missing directory is not an error.
func LoadYAMLTemplates(ctx context.Context, repo repository.PipelineTemplateRepository, registry *Registry, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading template directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)

		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Error("reading template file", "path", path, "error", err)
			continue
		}

		var tf templateFile
		if err := yaml.Unmarshal(raw, &tf); err != nil {
			logger.Error("parsing template file", "path", path, "error", err)
			continue
		}

		tmpl := &models.PipelineTemplate{
			Name:      tf.Name,
			MediaKind: tf.MediaKind,
			IsDefault: tf.IsDefault,
			Steps:     tf.Steps,
		}
		if err := registry.ValidateTemplate(tmpl); err != nil {
			logger.Error("invalid template file", "path", path, "error", err)
			continue
		}

		if err := repo.Upsert(ctx, tmpl); err != nil {
			logger.Error("storing template", "path", path, "template", tmpl.Name, "error", err)
			continue
		}
		loaded++
		logger.Info("loaded pipeline template", "template", tmpl.Name, "path", path)
	}

	if loaded > 0 {
		logger.Info("template directory loaded", "dir", dir, "templates", loaded)
	}
	return nil
}
