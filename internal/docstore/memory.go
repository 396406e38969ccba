package docstore

import (
	"context"
	"sort"
	"sync"

	"bloomsite/api/internal/formdef"
)

type Memory struct {
	mu          sync.RWMutex
	definitions map[string]formdef.Definition
	profiles    map[string]Profile
}

func NewMemory() *Memory {
	return &Memory{
		definitions: make(map[string]formdef.Definition),
		profiles:    make(map[string]Profile),
	}
}

func (m *Memory) UpsertDefinition(_ context.Context, def formdef.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[def.ID] = def
	return nil
}

func (m *Memory) ListDefinitionVersions(_ context.Context, formID string) ([]formdef.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]formdef.Definition, 0)
	for _, def := range m.definitions {
		if def.FormID == formID {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

func (m *Memory) ListActiveDefinitions(_ context.Context) ([]formdef.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]formdef.Definition, 0)
	for _, def := range m.definitions {
		if def.Type == formdef.DocumentType && def.IsActive && def.IsLatest {
			out = append(out, def)
		}
	}
	out = newestPerForm(out)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].FormID < out[j].FormID
	})
	return out, nil
}

func (m *Memory) GetLatestDefinition(_ context.Context, formID string) (formdef.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest formdef.Definition
	found := false
	for _, def := range m.definitions {
		if def.FormID != formID || !def.IsLatest {
			continue
		}
		if !found || def.VersionNumber > latest.VersionNumber {
			latest = def
			found = true
		}
	}
	if !found {
		return formdef.Definition{}, ErrNotFound
	}
	return latest, nil
}

func (m *Memory) UpsertProfile(_ context.Context, profile Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[profile.UserID] = profile
	return nil
}

func (m *Memory) GetProfile(_ context.Context, userID string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	profile, ok := m.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return profile, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}
