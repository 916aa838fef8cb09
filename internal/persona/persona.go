// Package persona loads the persona catalog and assembles the priming text
// injected into agents at session start.
package persona

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/headspace/headspace/internal/common/config"
	"github.com/headspace/headspace/internal/common/logger"
	"github.com/headspace/headspace/internal/models"
)

// catalogFile is the YAML document at personas.catalog_path.
type catalogFile struct {
	Personas []catalogEntry `yaml:"personas"`
}

type catalogEntry struct {
	Slug         string `yaml:"slug"`
	Name         string `yaml:"name"`
	Role         string `yaml:"role"`
	Organisation string `yaml:"organisation,omitempty"`
	Position     string `yaml:"position,omitempty"`
}

// LoadCatalog reads and validates the persona catalog. An empty path yields
// an empty catalog.
func LoadCatalog(path string) ([]*models.Persona, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode persona catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Personas))
	personas := make([]*models.Persona, 0, len(file.Personas))
	for i, e := range file.Personas {
		slug := strings.TrimSpace(e.Slug)
		if slug == "" {
			return nil, fmt.Errorf("persona %d: slug is required", i)
		}
		if _, dup := seen[slug]; dup {
			return nil, fmt.Errorf("persona %q: duplicate slug", slug)
		}
		seen[slug] = struct{}{}
		personas = append(personas, &models.Persona{
			Slug:         slug,
			Name:         strings.TrimSpace(e.Name),
			Role:         strings.TrimSpace(e.Role),
			Organisation: strings.TrimSpace(e.Organisation),
			Position:     strings.TrimSpace(e.Position),
		})
	}
	return personas, nil
}

// Store is the subset of the repository the service writes through.
type Store interface {
	UpsertPersona(ctx context.Context, p *models.Persona) error
}

// Service serves persona lookups and priming text.
type Service struct {
	cfg    config.PersonasConfig
	bySlug map[string]*models.Persona
	logger *logger.Logger
}

// NewService loads the catalog once at startup. A missing catalog path
// disables priming without error.
func NewService(cfg config.PersonasConfig, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "persona"))

	personas, err := LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	bySlug := make(map[string]*models.Persona, len(personas))
	for _, p := range personas {
		bySlug[p.Slug] = p
	}
	if len(personas) > 0 {
		log.Info("persona catalog loaded", zap.Int("count", len(personas)))
	}
	return &Service{cfg: cfg, bySlug: bySlug, logger: log}, nil
}

// Sync upserts every catalog persona into the store so session rows can
// join against them.
func (s *Service) Sync(ctx context.Context, store Store) error {
	for _, p := range s.bySlug {
		if err := store.UpsertPersona(ctx, p); err != nil {
			return fmt.Errorf("sync persona %s: %w", p.Slug, err)
		}
	}
	return nil
}

// Get returns the catalog persona for a slug, or nil.
func (s *Service) Get(slug string) *models.Persona {
	return s.bySlug[slug]
}

// Priming assembles the context text returned to a starting session: an
// identity line from the catalog plus the optional briefing document under
// the data dir. Unknown slugs and missing files degrade to less text, never
// an error.
func (s *Service) Priming(slug string) string {
	p := s.bySlug[slug]
	if p == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("You are " + p.Name)
	if p.Role != "" {
		b.WriteString(", " + p.Role)
	}
	if p.Organisation != "" {
		b.WriteString(" at " + p.Organisation)
	}
	if p.Position != "" {
		b.WriteString(" (" + p.Position + ")")
	}
	b.WriteString(".")

	if s.cfg.DataDir != "" {
		doc := filepath.Join(s.cfg.DataDir, p.Slug+".md")
		data, err := os.ReadFile(doc)
		switch {
		case err == nil:
			b.WriteString("\n\n")
			b.Write(data)
		case !os.IsNotExist(err):
			s.logger.Warn("persona briefing unreadable",
				zap.String("slug", p.Slug), zap.Error(err))
		}
	}
	return strings.TrimSpace(b.String())
}
