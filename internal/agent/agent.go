// Package agent drives a hosted AI agent over its REST API: it opens a
// thread, posts one user message, starts a run and polls it to completion.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"bloomsite/api/internal/logging"
	"bloomsite/api/internal/metrics"
)

// ErrAgent marks failures of the agent itself rather than of the caller's
// request. The HTTP layer maps it to 502.
var ErrAgent = errors.New("agent error")

const (
	tokenScope   = "https://ai.azure.com/.default"
	pipelineName = "bloomsite.agent"
	pipelineVer  = "v1.0.0"
)

type Config struct {
	Endpoint     string
	AgentID      string
	APIVersion   string
	Timeout      time.Duration
	PollInterval time.Duration
	// Transport overrides the HTTP client, mainly for tests.
	Transport policy.Transporter
}

type Client struct {
	pipeline runtime.Pipeline
	cfg      Config
	log      zerolog.Logger
}

// NewDefault authenticates with DefaultAzureCredential.
func NewDefault(cfg Config) (*Client, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: credential: %v", ErrAgent, err)
	}
	return New(cfg, cred)
}

func New(cfg Config, cred azcore.TokenCredential) (*Client, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	opts := &policy.ClientOptions{Retry: policy.RetryOptions{MaxRetries: 2}}
	if cfg.Transport != nil {
		opts.Transport = cfg.Transport
	}
	pl := runtime.NewPipeline(pipelineName, pipelineVer, runtime.PipelineOptions{
		PerRetry: []policy.Policy{runtime.NewBearerTokenPolicy(cred, []string{tokenScope}, nil)},
	}, opts)

	return &Client{pipeline: pl, cfg: cfg, log: logging.Component("agent")}, nil
}

func checkConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.AgentID) == "" {
		return fmt.Errorf("%w: PROJECT_ENDPOINT and AGENT_ID must be set", ErrAgent)
	}
	return nil
}

// Generate sends prompt to a fresh thread and returns the agent's last reply.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	started := time.Now()
	text, err := c.generate(ctx, prompt)
	result := "completed"
	if err != nil {
		result = "error"
		c.log.Error().Err(err).Dur("duration", time.Since(started)).Msg("agent run failed")
	} else {
		c.log.Info().Dur("duration", time.Since(started)).Int("chars", len(text)).Msg("agent run completed")
	}
	metrics.RecordAgentRun(result)
	return text, err
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	thread, err := c.call(ctx, http.MethodPost, "/threads", nil, map[string]any{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	threadID := thread.Get("id").String()
	if threadID == "" {
		return "", fmt.Errorf("%w: thread response has no id", ErrAgent)
	}

	if _, err := c.call(ctx, http.MethodPost, "/threads/"+threadID+"/messages", nil, map[string]any{
		"role":    "user",
		"content": prompt,
	}); err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}

	run, err := c.call(ctx, http.MethodPost, "/threads/"+threadID+"/runs", nil, map[string]any{
		"assistant_id": c.cfg.AgentID,
	})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	runID := run.Get("id").String()

	status, err := c.waitForRun(ctx, threadID, runID, run.Get("status").String())
	if err != nil {
		return "", err
	}
	if status != "completed" {
		return "", fmt.Errorf("%w: run did not complete successfully: %s", ErrAgent, status)
	}

	messages, err := c.call(ctx, http.MethodGet, "/threads/"+threadID+"/messages", url.Values{"order": {"asc"}}, nil)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	text := lastAssistantText(messages)
	if text == "" {
		return "", fmt.Errorf("%w: no content returned by agent", ErrAgent)
	}
	return text, nil
}

func (c *Client) waitForRun(ctx context.Context, threadID, runID, status string) (string, error) {
	deadline := time.Now().Add(c.cfg.Timeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for !terminal(status) {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: agent run timed out", ErrAgent)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		run, err := c.call(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, nil)
		if err != nil {
			return "", fmt.Errorf("get run: %w", err)
		}
		status = run.Get("status").String()
	}
	return status, nil
}

func terminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled", "expired":
		return true
	}
	return false
}

// lastAssistantText reads messages listed oldest first.
func lastAssistantText(messages gjson.Result) string {
	text := ""
	messages.Get("data").ForEach(func(_, message gjson.Result) bool {
		if message.Get("role").String() == "assistant" {
			text = message.Get("content.0.text.value").String()
		}
		return true
	})
	return strings.TrimSpace(text)
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any) (gjson.Result, error) {
	req, err := runtime.NewRequest(ctx, method, c.cfg.Endpoint+path)
	if err != nil {
		return gjson.Result{}, err
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", c.cfg.APIVersion)
	req.Raw().URL.RawQuery = query.Encode()
	req.Raw().Header.Set("Accept", "application/json")
	if body != nil {
		if err := runtime.MarshalAsJSON(req, body); err != nil {
			return gjson.Result{}, err
		}
	}

	resp, err := c.pipeline.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %v", ErrAgent, err)
	}
	if !runtime.HasStatusCode(resp, http.StatusOK, http.StatusCreated) {
		return gjson.Result{}, fmt.Errorf("%w: %v", ErrAgent, runtime.NewResponseError(resp))
	}
	payload, err := runtime.Payload(resp)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: read response: %v", ErrAgent, err)
	}
	return gjson.ParseBytes(payload), nil
}
