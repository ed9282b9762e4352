// Package catalog loads reference data (entities, their procedures and social
// programs) from YAML files and seeds it into the store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/medellinbot/medellinbot/internal/store"
	"github.com/medellinbot/medellinbot/pkg/logger"
)

var errInvalidCatalogYAML = errors.New("invalid catalog YAML")

// File is one catalog document. Entity may be omitted for files that only list
// programs.
type File struct {
	Path       string         `yaml:"-"`
	Entity     *EntityDoc     `yaml:"entity"`
	Procedures []ProcedureDoc `yaml:"procedures"`
	Programs   []ProgramDoc   `yaml:"programs"`
}

type EntityDoc struct {
	Code         string `yaml:"code"`
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	ContactEmail string `yaml:"contact_email"`
	ContactPhone string `yaml:"contact_phone"`
	WebsiteURL   string `yaml:"website_url"`
	Address      string `yaml:"address"`
	Category     string `yaml:"category"`
	Inactive     bool   `yaml:"inactive"`
}

type ProcedureDoc struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	Requirements    []string `yaml:"requirements"`
	Cost            int64    `yaml:"cost"`
	EstimatedTime   string   `yaml:"estimated_time"`
	ProcessSteps    []string `yaml:"process_steps"`
	OnlineAvailable bool     `yaml:"online_available"`
	OnlineURL       string   `yaml:"online_url"`
	Inactive        bool     `yaml:"inactive"`
}

type ProgramDoc struct {
	Name                string   `yaml:"name"`
	Entity              string   `yaml:"entity"`
	Description         string   `yaml:"description"`
	EligibilityCriteria []string `yaml:"eligibility_criteria"`
	Benefits            []string `yaml:"benefits"`
	ApplicationProcess  string   `yaml:"application_process"`
	WebsiteURL          string   `yaml:"website_url"`
	Inactive            bool     `yaml:"inactive"`
}

// Load reads every *.yaml / *.yml file in dir in name order. A missing or empty
// dir yields no files. Unparseable files are skipped with a warning; duplicate
// entity codes, procedure names or program names are errors.
func Load(dir string, log *logger.Logger) ([]File, error) {
	log = logger.OrNop(log).Named("catalog")
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat catalog dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var (
		files    []File
		entities = map[string]string{}
		programs = map[string]string{}
	)
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		f, err := parseFile(path)
		if err != nil {
			if errors.Is(err, errInvalidCatalogYAML) {
				log.Warn("skip invalid catalog file", zap.String("path", path), zap.Error(err))
				continue
			}
			return nil, err
		}

		if f.Entity != nil {
			if prev, ok := entities[f.Entity.Code]; ok {
				return nil, fmt.Errorf("duplicate entity code %q in %s (already in %s)", f.Entity.Code, path, prev)
			}
			entities[f.Entity.Code] = path
		}
		for _, p := range f.Programs {
			if prev, ok := programs[p.Name]; ok {
				return nil, fmt.Errorf("duplicate program %q in %s (already in %s)", p.Name, path, prev)
			}
			programs[p.Name] = path
		}
		files = append(files, f)
	}
	return files, nil
}

func parseFile(path string) (File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read catalog %q: %w", path, err)
	}

	var f File
	text := strings.TrimPrefix(string(content), "\uFEFF")
	if err := yaml.Unmarshal([]byte(text), &f); err != nil {
		return File{}, fmt.Errorf("%w: %v", errInvalidCatalogYAML, err)
	}
	f.Path = path

	if f.Entity != nil {
		f.Entity.Code = strings.ToUpper(strings.TrimSpace(f.Entity.Code))
		f.Entity.Name = strings.TrimSpace(f.Entity.Name)
		if f.Entity.Code == "" || f.Entity.Name == "" {
			return File{}, fmt.Errorf("parse catalog %q: entity needs code and name", path)
		}
	} else if len(f.Procedures) > 0 {
		return File{}, fmt.Errorf("parse catalog %q: procedures without an entity", path)
	}

	seen := make(map[string]struct{}, len(f.Procedures))
	for i := range f.Procedures {
		p := &f.Procedures[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return File{}, fmt.Errorf("parse catalog %q: procedure %d missing name", path, i)
		}
		if _, dup := seen[p.Name]; dup {
			return File{}, fmt.Errorf("parse catalog %q: duplicate procedure %q", path, p.Name)
		}
		seen[p.Name] = struct{}{}
		p.Requirements = cleanList(p.Requirements)
		p.ProcessSteps = cleanList(p.ProcessSteps)
	}
	for i := range f.Programs {
		p := &f.Programs[i]
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return File{}, fmt.Errorf("parse catalog %q: program %d missing name", path, i)
		}
		p.Entity = strings.ToUpper(strings.TrimSpace(p.Entity))
		if p.Entity == "" && f.Entity != nil {
			p.Entity = f.Entity.Code
		}
		p.EligibilityCriteria = cleanList(p.EligibilityCriteria)
		p.Benefits = cleanList(p.Benefits)
	}
	return f, nil
}

// cleanList trims items and drops blanks and repeats, keeping the original order.
func cleanList(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, exists := seen[item]; exists {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Writer is the part of the store that seeding needs.
type Writer interface {
	UpsertEntity(ctx context.Context, e *store.Entity) error
	EntityByCode(ctx context.Context, code string) (*store.Entity, error)
	UpsertProcedure(ctx context.Context, p *store.Procedure) error
	UpsertProgram(ctx context.Context, p *store.Program) error
}

type SeedReport struct {
	Entities   int
	Procedures int
	Programs   int
}

// Seed upserts the files into w. Entities go first so procedures and programs of
// any file can reference any entity.
func Seed(ctx context.Context, w Writer, files []File) (SeedReport, error) {
	var report SeedReport
	ids := map[string]string{}

	for _, f := range files {
		if f.Entity == nil {
			continue
		}
		e := &store.Entity{
			Code:         f.Entity.Code,
			Name:         f.Entity.Name,
			Description:  strings.TrimSpace(f.Entity.Description),
			ContactEmail: strings.TrimSpace(f.Entity.ContactEmail),
			ContactPhone: strings.TrimSpace(f.Entity.ContactPhone),
			WebsiteURL:   strings.TrimSpace(f.Entity.WebsiteURL),
			Address:      strings.TrimSpace(f.Entity.Address),
			Category:     strings.TrimSpace(f.Entity.Category),
			IsActive:     !f.Entity.Inactive,
		}
		if err := w.UpsertEntity(ctx, e); err != nil {
			return report, fmt.Errorf("seed entity %s: %w", e.Code, err)
		}
		ids[e.Code] = e.ID
		report.Entities++
	}

	for _, f := range files {
		for _, doc := range f.Procedures {
			p := &store.Procedure{
				EntityID:        ids[f.Entity.Code],
				Name:            doc.Name,
				Description:     strings.TrimSpace(doc.Description),
				Requirements:    doc.Requirements,
				Cost:            doc.Cost,
				EstimatedTime:   strings.TrimSpace(doc.EstimatedTime),
				ProcessSteps:    doc.ProcessSteps,
				OnlineAvailable: doc.OnlineAvailable,
				OnlineURL:       strings.TrimSpace(doc.OnlineURL),
				IsActive:        !doc.Inactive,
			}
			if err := w.UpsertProcedure(ctx, p); err != nil {
				return report, fmt.Errorf("seed procedure %q: %w", p.Name, err)
			}
			report.Procedures++
		}

		for _, doc := range f.Programs {
			p := &store.Program{
				Name:                doc.Name,
				Description:         strings.TrimSpace(doc.Description),
				EligibilityCriteria: doc.EligibilityCriteria,
				Benefits:            doc.Benefits,
				ApplicationProcess:  strings.TrimSpace(doc.ApplicationProcess),
				WebsiteURL:          strings.TrimSpace(doc.WebsiteURL),
				IsActive:            !doc.Inactive,
			}
			if doc.Entity != "" {
				id, err := resolveEntity(ctx, w, ids, doc.Entity)
				if err != nil {
					return report, fmt.Errorf("seed program %q: %w", p.Name, err)
				}
				p.EntityID = &id
			}
			if err := w.UpsertProgram(ctx, p); err != nil {
				return report, fmt.Errorf("seed program %q: %w", p.Name, err)
			}
			report.Programs++
		}
	}
	return report, nil
}

func resolveEntity(ctx context.Context, w Writer, ids map[string]string, code string) (string, error) {
	if id, ok := ids[code]; ok {
		return id, nil
	}
	e, err := w.EntityByCode(ctx, code)
	if err != nil {
		return "", fmt.Errorf("entity %s: %w", code, err)
	}
	ids[code] = e.ID
	return e.ID, nil
}
