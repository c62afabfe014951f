package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/malbeclabs/analyst/pkg/llm"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

// Generator writes PostgreSQL for a question against the rendered schema
// context, or repairs a previous attempt given its error.
type Generator struct {
	cfg Config
}

func NewGenerator(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Generator{cfg: cfg}, nil
}

func (g *Generator) GenerateSQL(ctx context.Context, in workflow.GenerateInput) (workflow.GeneratedSQL, error) {
	// The system prompt is identical across attempts of a turn, so it is
	// marked cacheable.
	text, err := g.cfg.complete(ctx, "generate_sql", llm.Request{
		System:      buildGeneratePrompt(g.cfg.Prompts.Generate, in.SchemaContext),
		User:        buildGenerateUserPrompt(in),
		Model:       g.cfg.Model,
		CacheSystem: true,
	})
	if err != nil {
		return workflow.GeneratedSQL{}, err
	}

	sql, explanation, err := parseGenerateResponse(text)
	if err != nil {
		return workflow.GeneratedSQL{}, newParseError("generate_sql", text, err)
	}
	if sql == "" {
		return workflow.GeneratedSQL{}, newParseError("generate_sql", text, errors.New("no SQL generated"))
	}
	return workflow.GeneratedSQL{SQL: sql, Explanation: explanation}, nil
}

func buildGeneratePrompt(staticPrompt, schema string) string {
	return staticPrompt + "\n\n## Database Schema\n\n" + schema
}

func buildGenerateUserPrompt(in workflow.GenerateInput) string {
	if !in.Refine() {
		return fmt.Sprintf("Question: %s", in.Question)
	}
	return fmt.Sprintf(`Question: %s

The previous SQL query was rejected or failed. Please fix it.

Previous SQL:
%s

Error message:
%s

Generate a corrected SQL query that avoids this error.`, in.Question, in.PreviousSQL, in.Feedback)
}
