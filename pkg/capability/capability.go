// Package capability implements the workflow adapters on top of an LLM:
// intent classification, domain selection, SQL generation and result
// analysis.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/llm"
)

type Config struct {
	Logger    *slog.Logger
	LLM       llm.Client
	Catalog   *catalog.Catalog
	Prompts   *Prompts
	Model     string // generation and analysis
	AuxModel  string // classification and domain selection
	MaxTokens int64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	if c.Catalog == nil {
		c.Catalog = catalog.Default()
	}
	if c.Prompts == nil {
		p, err := LoadPrompts()
		if err != nil {
			return err
		}
		c.Prompts = p
	}
	if c.Model == "" {
		c.Model = llm.DefaultModel
	}
	if c.AuxModel == "" {
		c.AuxModel = llm.DefaultAuxModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = llm.DefaultMaxTokens
	}
	return nil
}

// complete runs one completion with the configured token limit.
func (c *Config) complete(ctx context.Context, step string, req llm.Request) (string, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = c.MaxTokens
	}
	start := time.Now()
	resp, err := c.LLM.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s: llm completion failed: %w", step, err)
	}
	c.Logger.Debug("capability: completion done", "step", step, "model", resp.Model,
		"cached", resp.Cached, "output_tokens", resp.Usage.OutputTokens, "duration", time.Since(start))
	return resp.Text, nil
}
