package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/malbeclabs/analyst/pkg/llm"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

// Classifier labels a question with its routing intent using the auxiliary
// model.
type Classifier struct {
	cfg Config
}

func NewClassifier(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Classifier{cfg: cfg}, nil
}

type classifyReply struct {
	Intent              string   `json:"intent"`
	RequiresData        flexBool `json:"requires_data_access"`
	RequiresDBQuery     flexBool `json:"requires_db_query"`
	NeedsClarification  flexBool `json:"needs_clarification"`
	ClarificationNeeded flexBool `json:"clarification_needed"`
	ClarificationText   string   `json:"clarification_text"`
	ClarificationQs     string   `json:"clarification_questions"`
}

func (c *Classifier) Classify(ctx context.Context, question, history string) (workflow.Classification, error) {
	var user strings.Builder
	if history != "" {
		user.WriteString("Previous conversation:\n")
		user.WriteString(history)
		user.WriteString("\n\n")
	}
	user.WriteString("Question to classify: ")
	user.WriteString(question)

	text, err := c.cfg.complete(ctx, "classify", llm.Request{
		System:    c.cfg.Prompts.Classify,
		User:      user.String(),
		Model:     c.cfg.AuxModel,
		MaxTokens: 512,
	})
	if err != nil {
		return workflow.Classification{}, err
	}
	return parseClassifyResponse(text)
}

func parseClassifyResponse(response string) (workflow.Classification, error) {
	var reply classifyReply
	if err := decodeJSON(response, &reply); err != nil {
		return workflow.Classification{}, newParseError("classify", response, err)
	}

	out := workflow.Classification{
		Intent:             workflow.ParseIntent(reply.Intent),
		RequiresData:       bool(reply.RequiresData || reply.RequiresDBQuery),
		NeedsClarification: bool(reply.NeedsClarification || reply.ClarificationNeeded),
	}
	if out.Intent == workflow.IntentNeedsClarification {
		out.NeedsClarification = true
	}
	if out.Intent == workflow.IntentDataQuery {
		out.RequiresData = true
	}
	if out.NeedsClarification {
		out.ClarificationText = strings.TrimSpace(reply.ClarificationText)
		if out.ClarificationText == "" {
			out.ClarificationText = strings.TrimSpace(reply.ClarificationQs)
		}
	}
	return out, nil
}
