// Package docstore holds the denormalized read models: form definitions and
// onboarding profiles. Cosmos DB backs production; Memory backs local runs
// and tests.
package docstore

import (
	"context"
	"errors"

	"bloomsite/api/internal/formdef"
)

var ErrNotFound = errors.New("document not found")

// Profile is the onboarding answers a user gave about their business.
type Profile struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	CompanyName    string `json:"companyName"`
	CompanyType    string `json:"companyType"`
	CompanyGoal    string `json:"companyGoal"`
	TargetAudience string `json:"targetAudience"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

type Definitions interface {
	UpsertDefinition(ctx context.Context, def formdef.Definition) error
	// ListDefinitionVersions returns every stored version of one form.
	ListDefinitionVersions(ctx context.Context, formID string) ([]formdef.Definition, error)
	// ListActiveDefinitions returns the latest active version of each form,
	// ordered by title.
	ListActiveDefinitions(ctx context.Context) ([]formdef.Definition, error)
	GetLatestDefinition(ctx context.Context, formID string) (formdef.Definition, error)
}

type Profiles interface {
	UpsertProfile(ctx context.Context, profile Profile) error
	GetProfile(ctx context.Context, userID string) (Profile, error)
}

type Store interface {
	Definitions
	Profiles
	Ping(ctx context.Context) error
}

// newestPerForm keeps the highest version of each form, preserving the
// order of first appearance. A publish that failed to demote an older
// version can leave two documents flagged latest.
func newestPerForm(defs []formdef.Definition) []formdef.Definition {
	index := make(map[string]int, len(defs))
	out := make([]formdef.Definition, 0, len(defs))
	for _, def := range defs {
		i, seen := index[def.FormID]
		if !seen {
			index[def.FormID] = len(out)
			out = append(out, def)
			continue
		}
		if def.VersionNumber > out[i].VersionNumber {
			out[i] = def
		}
	}
	return out
}
