package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/executor"
	"github.com/malbeclabs/analyst/pkg/identity"
)

// Intent is the routing tag produced by classification.
type Intent string

const (
	IntentDataQuery          Intent = "data_query"
	IntentNeedsClarification Intent = "needs_clarification"
	IntentGeneralInfo        Intent = "general_info"
	IntentConversational     Intent = "conversational"
)

// ParseIntent normalizes a classifier label. Unknown labels map to
// IntentDataQuery.
func ParseIntent(s string) Intent {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "data_query", "db_query", "data-query":
		return IntentDataQuery
	case "needs_clarification", "clarify", "clarification", "needs-clarification":
		return IntentNeedsClarification
	case "general_info", "general-info", "info":
		return IntentGeneralInfo
	case "conversational", "chat":
		return IntentConversational
	default:
		return IntentDataQuery
	}
}

// ErrorCategory is the terminal error class of a turn.
type ErrorCategory string

const (
	ErrorNone             ErrorCategory = ""
	ErrorSQLGeneration    ErrorCategory = "sql_generation"
	ErrorQueryExecution   ErrorCategory = "query_execution"
	ErrorAnalysis         ErrorCategory = "analysis"
	ErrorRetriesExhausted ErrorCategory = "retries_exhausted"
)

// Soft error kinds recorded on a turn without failing it.
const (
	SoftClassificationDegraded  = "classification_degraded"
	SoftDomainSelectionDegraded = "domain_selection_degraded"
)

// Message is one prior conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Classification struct {
	Intent             Intent
	RequiresData       bool
	NeedsClarification bool
	ClarificationText  string
}

// DomainSelection lists the chosen domains. LLMCalls counts model calls the
// selector made, which is zero for rule hits.
type DomainSelection struct {
	Domains   []string
	Reasoning string
	LLMCalls  int
}

// GenerateInput carries the question and schema context. A non-empty
// Feedback switches generation into refinement of PreviousSQL.
type GenerateInput struct {
	Question      string
	SchemaContext string
	PreviousSQL   string
	Feedback      string
}

func (in GenerateInput) Refine() bool { return in.Feedback != "" }

type GeneratedSQL struct {
	SQL         string
	Explanation string
}

// Analysis is the analyzer output. Confidence is validated by the
// orchestrator, so adapters may pass through whatever the model returned.
type Analysis struct {
	Analysis        string
	Recommendations string
	Confidence      float64
}

type IntentClassifier interface {
	Classify(ctx context.Context, question, history string) (Classification, error)
}

type DomainSelector interface {
	SelectDomains(ctx context.Context, question string) (DomainSelection, error)
}

type SQLGenerator interface {
	GenerateSQL(ctx context.Context, in GenerateInput) (GeneratedSQL, error)
}

type ResultAnalyzer interface {
	Analyze(ctx context.Context, question string, rows []map[string]any) (Analysis, error)
}

type QueryExecutor interface {
	Execute(ctx context.Context, sql string, id identity.Identity) (*executor.Result, error)
}

type SQLValidator interface {
	Validate(sql string) (bool, string)
}

type SchemaRenderer interface {
	Render(domains []string) catalog.Context
	CoreDomains() []string
	SummaryDomains() string
}

// Node is a step of the turn state machine.
type Node string

const (
	NodeClassifyIntent      Node = "classify_intent"
	NodeSelectDomains       Node = "select_domains"
	NodeGenerateSQL         Node = "generate_sql"
	NodeValidateSQL         Node = "validate_sql"
	NodeExecuteQuery        Node = "execute_query"
	NodeAnalyze             Node = "analyze"
	NodeFormatResponse      Node = "format_response"
	NodeHandleClarification Node = "handle_clarification"
	NodeHandleGeneralInfo   Node = "handle_general_info"
	NodeHandleError         Node = "handle_error"
	nodeDone                Node = ""
)

// Progress is reported on entry to every node.
type Progress struct {
	Node    Node   `json:"node"`
	Attempt int    `json:"attempt"`
	Intent  Intent `json:"intent,omitempty"`
}

type ProgressCallback func(Progress)

// Result is the outcome of one turn.
type Result struct {
	ResponseText    string           `json:"response"`
	Analysis        string           `json:"analysis,omitempty"`
	Recommendations string           `json:"recommendations,omitempty"`
	Confidence      float64          `json:"confidence"`
	Rows            []map[string]any `json:"rows,omitempty"`
	Columns         []string         `json:"columns,omitempty"`
	RowCount        int              `json:"row_count"`
	GeneratedSQL    string           `json:"generated_sql,omitempty"`
	SQLExplanation  string           `json:"sql_explanation,omitempty"`
	Error           string           `json:"error,omitempty"`
	ErrorCategory   ErrorCategory    `json:"error_category,omitempty"`

	Intent          Intent   `json:"intent"`
	SelectedDomains []string `json:"selected_domains,omitempty"`
	SoftErrors      []string `json:"soft_errors,omitempty"`
	Retries         int      `json:"retries"`
	LLMCalls        int      `json:"llm_calls"`
	DBQueries       int      `json:"db_queries"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}
