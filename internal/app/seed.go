package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"bloomsite/api/internal/formdef"
	"bloomsite/api/internal/store"
)

type SeedFile struct {
	Forms []SeedForm `yaml:"forms"`
}

type SeedForm struct {
	Title            string        `yaml:"title"`
	Description      string        `yaml:"description"`
	ShortDescription string        `yaml:"shortDescription"`
	Icon             string        `yaml:"icon"`
	FormType         string        `yaml:"formType"`
	Order            int           `yaml:"order"`
	Inactive         bool          `yaml:"inactive"`
	Sections         []SeedSection `yaml:"sections"`
}

type SeedSection struct {
	Title           string      `yaml:"title"`
	Description     string      `yaml:"description"`
	Order           int         `yaml:"order"`
	IsRepeatable    bool        `yaml:"isRepeatable"`
	RepeatableCount *int        `yaml:"repeatableCount"`
	Fields          []SeedField `yaml:"fields"`
}

type SeedField struct {
	Label       string   `yaml:"label"`
	Description string   `yaml:"description"`
	FieldType   string   `yaml:"fieldType"`
	IsRequired  bool     `yaml:"isRequired"`
	Placeholder string   `yaml:"placeholder"`
	Options     []string `yaml:"options"`
	Order       int      `yaml:"order"`
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(data []byte) (SeedFile, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return SeedFile{}, fmt.Errorf("parse seed: %w", err)
	}
	for i, form := range seed.Forms {
		if strings.TrimSpace(form.Title) == "" {
			return SeedFile{}, fmt.Errorf("seed form %d: title is required", i)
		}
		if form.FormType == "" {
			seed.Forms[i].FormType = FormTypeIntake
		}
		for j, section := range form.Sections {
			for k, field := range section.Fields {
				if field.FieldType == "" {
					seed.Forms[i].Sections[j].Fields[k].FieldType = "text"
					continue
				}
				if _, ok := allowedFieldTypes[field.FieldType]; !ok {
					return SeedFile{}, fmt.Errorf("seed form %q: unsupported field type %q", form.Title, field.FieldType)
				}
			}
		}
	}
	return seed, nil
}

// SeedForms loads forms from a YAML file when the forms table is empty. It
// reports how many forms were created.
func (s *Service) SeedForms(ctx context.Context, path string) (int, error) {
	count, err := s.store.CountForms(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed: %w", err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return 0, err
	}

	for _, form := range seed.Forms {
		if err := s.seedForm(ctx, form); err != nil {
			return 0, err
		}
	}
	if len(seed.Forms) > 0 {
		s.notify()
	}
	return len(seed.Forms), nil
}

func (s *Service) seedForm(ctx context.Context, seed SeedForm) error {
	form, err := s.store.CreateForm(ctx, formdef.NewFormID(seed.Title), store.FormInput{
		Title:            strings.TrimSpace(seed.Title),
		Description:      seed.Description,
		ShortDescription: seed.ShortDescription,
		Icon:             seed.Icon,
		FormType:         seed.FormType,
		IsActive:         !seed.Inactive,
		Order:            seed.Order,
	}, "")
	if err != nil {
		return fmt.Errorf("seed form %q: %w", seed.Title, err)
	}

	for _, seedSection := range seed.Sections {
		section, err := s.store.CreateSection(ctx, form.FormID, store.SectionInput{
			Title:           seedSection.Title,
			Description:     seedSection.Description,
			Order:           seedSection.Order,
			IsRepeatable:    seedSection.IsRepeatable,
			RepeatableCount: seedSection.RepeatableCount,
		})
		if err != nil {
			return fmt.Errorf("seed section %q: %w", seedSection.Title, err)
		}
		for _, seedField := range seedSection.Fields {
			options, err := json.Marshal(nonNilStrings(seedField.Options))
			if err != nil {
				return err
			}
			if _, err := s.store.CreateField(ctx, form.FormID, section.ID, store.FieldInput{
				Label:       seedField.Label,
				Description: seedField.Description,
				FieldType:   seedField.FieldType,
				IsRequired:  seedField.IsRequired,
				Placeholder: seedField.Placeholder,
				Options:     options,
				Order:       seedField.Order,
			}); err != nil {
				return fmt.Errorf("seed field %q: %w", seedField.Label, err)
			}
		}
	}
	return nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
