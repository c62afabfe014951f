package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/malbeclabs/analyst/pkg/llm"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

// MaxAnalysisRows caps the rows sent to the model.
const MaxAnalysisRows = 50

// Analyzer turns query rows into a written analysis with recommendations.
type Analyzer struct {
	cfg Config
}

func NewAnalyzer(cfg Config) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Analyzer{cfg: cfg}, nil
}

type analyzeReply struct {
	Analysis        string    `json:"analysis"`
	Recommendations string    `json:"recommendations"`
	Confidence      flexFloat `json:"confidence"`
}

// Analyze returns the model's confidence as given. A missing or non-numeric
// confidence is NaN.
func (a *Analyzer) Analyze(ctx context.Context, question string, rows []map[string]any) (workflow.Analysis, error) {
	total := len(rows)
	if len(rows) > MaxAnalysisRows {
		a.cfg.Logger.Info("capability: truncating rows for analysis", "rows", total, "limit", MaxAnalysisRows)
		rows = rows[:MaxAnalysisRows]
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return workflow.Analysis{}, fmt.Errorf("analyze: failed to encode rows: %w", err)
	}

	user := fmt.Sprintf("Question: %s\n\nQuery results (%d rows", question, total)
	if total > len(rows) {
		user += fmt.Sprintf(", showing first %d", len(rows))
	}
	user += "):\n" + string(data)

	text, err := a.cfg.complete(ctx, "analyze", llm.Request{
		System:      a.cfg.Prompts.Analyze,
		User:        user,
		Model:       a.cfg.Model,
		CacheSystem: true,
	})
	if err != nil {
		return workflow.Analysis{}, err
	}
	return parseAnalyzeResponse(text)
}

func parseAnalyzeResponse(response string) (workflow.Analysis, error) {
	reply := analyzeReply{Confidence: flexFloat(nan())}
	if err := decodeJSON(response, &reply); err != nil {
		return workflow.Analysis{}, newParseError("analyze", response, err)
	}
	if strings.TrimSpace(reply.Analysis) == "" {
		return workflow.Analysis{}, newParseError("analyze", response, errors.New("empty analysis"))
	}
	return workflow.Analysis{
		Analysis:        strings.TrimSpace(reply.Analysis),
		Recommendations: strings.TrimSpace(reply.Recommendations),
		Confidence:      float64(reply.Confidence),
	}, nil
}
