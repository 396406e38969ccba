package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"bloomsite/api/internal/formdef"
)

type CosmosConfig struct {
	Endpoint          string
	Key               string
	FormDatabase      string
	FormContainer     string
	UsersDatabase     string
	ProfilesContainer string

	// Transport overrides the HTTP client, mainly for tests.
	Transport policy.Transporter
}

// Cosmos stores definitions in one container partitioned on /pk and
// profiles in a container partitioned on /userId.
type Cosmos struct {
	definitions *azcosmos.ContainerClient
	profiles    *azcosmos.ContainerClient
}

// NewCosmos authenticates with the account key when one is configured and
// with the default Azure credential chain otherwise.
func NewCosmos(cfg CosmosConfig) (*Cosmos, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("cosmos endpoint is required")
	}

	opts := &azcosmos.ClientOptions{}
	if cfg.Transport != nil {
		opts.Transport = cfg.Transport
	}

	var client *azcosmos.Client
	if cfg.Key != "" {
		cred, err := azcosmos.NewKeyCredential(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("cosmos key credential: %w", err)
		}
		client, err = azcosmos.NewClientWithKey(cfg.Endpoint, cred, opts)
		if err != nil {
			return nil, fmt.Errorf("cosmos client: %w", err)
		}
	} else {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("azure credential: %w", err)
		}
		client, err = azcosmos.NewClient(cfg.Endpoint, cred, opts)
		if err != nil {
			return nil, fmt.Errorf("cosmos client: %w", err)
		}
	}

	definitions, err := client.NewContainer(cfg.FormDatabase, cfg.FormContainer)
	if err != nil {
		return nil, fmt.Errorf("definitions container: %w", err)
	}
	profiles, err := client.NewContainer(cfg.UsersDatabase, cfg.ProfilesContainer)
	if err != nil {
		return nil, fmt.Errorf("profiles container: %w", err)
	}
	return &Cosmos{definitions: definitions, profiles: profiles}, nil
}

func (c *Cosmos) UpsertDefinition(ctx context.Context, def formdef.Definition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if _, err := c.definitions.UpsertItem(ctx, azcosmos.NewPartitionKeyString(def.PK), body, nil); err != nil {
		return fmt.Errorf("upsert definition %s: %w", def.ID, err)
	}
	return nil
}

func (c *Cosmos) ListDefinitionVersions(ctx context.Context, formID string) ([]formdef.Definition, error) {
	return c.queryDefinitions(ctx,
		"SELECT * FROM c WHERE c.type = @type AND c.formId = @formId",
		azcosmos.QueryParameter{Name: "@type", Value: formdef.DocumentType},
		azcosmos.QueryParameter{Name: "@formId", Value: formID},
	)
}

func (c *Cosmos) ListActiveDefinitions(ctx context.Context) ([]formdef.Definition, error) {
	defs, err := c.queryDefinitions(ctx,
		"SELECT * FROM c WHERE c.type = @type AND c.isActive = true AND c.isLatest = true ORDER BY c.title",
		azcosmos.QueryParameter{Name: "@type", Value: formdef.DocumentType},
	)
	if err != nil {
		return nil, err
	}
	return newestPerForm(defs), nil
}

func (c *Cosmos) GetLatestDefinition(ctx context.Context, formID string) (formdef.Definition, error) {
	defs, err := c.queryDefinitions(ctx,
		"SELECT TOP 1 * FROM c WHERE c.type = @type AND c.formId = @formId AND c.isLatest = true ORDER BY c.versionNumber DESC",
		azcosmos.QueryParameter{Name: "@type", Value: formdef.DocumentType},
		azcosmos.QueryParameter{Name: "@formId", Value: formID},
	)
	if err != nil {
		return formdef.Definition{}, err
	}
	if len(defs) == 0 {
		return formdef.Definition{}, ErrNotFound
	}
	return defs[0], nil
}

func (c *Cosmos) queryDefinitions(ctx context.Context, query string, params ...azcosmos.QueryParameter) ([]formdef.Definition, error) {
	pager := c.definitions.NewQueryItemsPager(query, azcosmos.NewPartitionKeyString(formdef.PartitionKey), &azcosmos.QueryOptions{
		QueryParameters: params,
	})
	out := make([]formdef.Definition, 0)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query definitions: %w", err)
		}
		defs, err := decodeDefinitions(page.Items)
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	return out, nil
}

func decodeDefinitions(items [][]byte) ([]formdef.Definition, error) {
	out := make([]formdef.Definition, 0, len(items))
	for _, item := range items {
		var def formdef.Definition
		if err := json.Unmarshal(item, &def); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
		out = append(out, def)
	}
	return out, nil
}

func (c *Cosmos) UpsertProfile(ctx context.Context, profile Profile) error {
	body, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if _, err := c.profiles.UpsertItem(ctx, azcosmos.NewPartitionKeyString(profile.UserID), body, nil); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (c *Cosmos) GetProfile(ctx context.Context, userID string) (Profile, error) {
	resp, err := c.profiles.ReadItem(ctx, azcosmos.NewPartitionKeyString(userID), userID, nil)
	if err != nil {
		if isNotFound(err) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	var profile Profile
	if err := json.Unmarshal(resp.Value, &profile); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

func (c *Cosmos) Ping(ctx context.Context) error {
	if _, err := c.definitions.Read(ctx, nil); err != nil {
		return fmt.Errorf("read definitions container: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var responseErr *azcore.ResponseError
	return errors.As(err, &responseErr) && responseErr.StatusCode == http.StatusNotFound
}
