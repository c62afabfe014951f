// Package workflow drives one question through classification, domain
// selection, SQL generation, validation, execution and analysis.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/executor"
	"github.com/malbeclabs/analyst/pkg/identity"
	"github.com/malbeclabs/analyst/pkg/metrics"
)

const (
	DefaultMaxRetries     = 3
	DefaultMinConfidence  = 0.7
	DefaultAdapterTimeout = 60 * time.Second
	DefaultQueryTimeout   = 30 * time.Second
	DefaultHistoryLimit   = 10

	// MaxAnalysisRows caps the rows handed to the analyzer.
	MaxAnalysisRows = 50

	// DefaultConfidence replaces a missing or out-of-range analyzer score.
	DefaultConfidence = 0.7
	emptyConfidence   = 0.3
)

const (
	retryValidation = "sql_validation_failed"
	retryExecution  = "query_execution_failed"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Classifier IntentClassifier
	Selector   DomainSelector
	Generator  SQLGenerator
	Validator  SQLValidator
	Executor   QueryExecutor
	Analyzer   ResultAnalyzer
	Schema     SchemaRenderer

	MaxRetries     int
	MinConfidence  float64
	AdapterTimeout time.Duration
	QueryTimeout   time.Duration
	HistoryLimit   int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Classifier == nil {
		return errors.New("classifier is required")
	}
	if c.Selector == nil {
		return errors.New("domain selector is required")
	}
	if c.Generator == nil {
		return errors.New("sql generator is required")
	}
	if c.Validator == nil {
		return errors.New("sql validator is required")
	}
	if c.Executor == nil {
		return errors.New("query executor is required")
	}
	if c.Analyzer == nil {
		return errors.New("result analyzer is required")
	}
	if c.Schema == nil {
		return errors.New("schema renderer is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = DefaultMinConfidence
	}
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = DefaultAdapterTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.HistoryLimit < 0 {
		return errors.New("history limit must be non-negative")
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return nil
}

// Orchestrator holds no per-turn state and is safe for concurrent use.
type Orchestrator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Orchestrator{log: cfg.Logger, cfg: cfg}, nil
}

// turn is the mutable state of one question. Retries overwrite the SQL and
// execution fields rather than appending.
type turn struct {
	question string
	history  string
	identity identity.Identity

	classification Classification
	schema         catalog.Context
	sql            GeneratedSQL
	previousSQL    string
	feedback       string
	query          *executor.Result
	analysis       Analysis

	res *Result
}

func (t *turn) fail(category ErrorCategory, msg string) {
	t.res.ErrorCategory = category
	t.res.Error = msg
}

// Run answers one question. The returned error is non-nil only when ctx is
// done; every other failure is reported through Result.
func (o *Orchestrator) Run(ctx context.Context, question string, history []Message, id identity.Identity) (*Result, error) {
	return o.RunWithProgress(ctx, question, history, id, nil)
}

// RunWithProgress is Run with a callback invoked on entry to every node.
func (o *Orchestrator) RunWithProgress(ctx context.Context, question string, history []Message, id identity.Identity, onProgress ProgressCallback) (*Result, error) {
	started := o.cfg.Clock.Now()
	t := &turn{
		question: strings.TrimSpace(question),
		history:  FormatHistory(history, o.cfg.HistoryLimit),
		identity: id,
		res:      &Result{StartedAt: started},
	}

	attempt := 0
	var terminal Node
	node := NodeClassifyIntent
	for node != nodeDone {
		if err := ctx.Err(); err != nil {
			o.log.Info("workflow: turn cancelled", "node", node, "error", err)
			return nil, err
		}
		if node == NodeGenerateSQL {
			attempt++
		}
		if onProgress != nil {
			onProgress(Progress{Node: node, Attempt: attempt, Intent: t.classification.Intent})
		}

		nodeStart := o.cfg.Clock.Now()
		next, err := o.step(ctx, t, node)
		metrics.NodeDuration.WithLabelValues(string(node)).Observe(o.cfg.Clock.Since(nodeStart).Seconds())
		if err != nil {
			o.log.Info("workflow: turn cancelled", "node", node, "error", err)
			return nil, err
		}
		terminal = node
		node = next
	}

	t.res.CompletedAt = o.cfg.Clock.Now()
	t.res.Duration = t.res.CompletedAt.Sub(started)
	metrics.TurnsTotal.WithLabelValues(string(terminal), string(t.res.ErrorCategory)).Inc()
	metrics.TurnDuration.Observe(t.res.Duration.Seconds())

	o.log.Info("workflow: turn complete",
		"terminal", terminal,
		"intent", t.res.Intent,
		"domains", t.res.SelectedDomains,
		"retries", t.res.Retries,
		"rows", t.res.RowCount,
		"llm_calls", t.res.LLMCalls,
		"db_queries", t.res.DBQueries,
		"error_category", t.res.ErrorCategory,
		"duration", t.res.Duration,
	)
	return t.res, nil
}

func (o *Orchestrator) step(ctx context.Context, t *turn, node Node) (Node, error) {
	switch node {
	case NodeClassifyIntent:
		return o.classifyIntent(ctx, t)
	case NodeSelectDomains:
		return o.selectDomains(ctx, t)
	case NodeGenerateSQL:
		return o.generateSQL(ctx, t)
	case NodeValidateSQL:
		return o.validateSQL(t), nil
	case NodeExecuteQuery:
		return o.executeQuery(ctx, t)
	case NodeAnalyze:
		return o.analyze(ctx, t)
	case NodeFormatResponse:
		o.formatResponse(t)
	case NodeHandleClarification:
		o.handleClarification(t)
	case NodeHandleGeneralInfo:
		o.handleGeneralInfo(t)
	case NodeHandleError:
		o.handleError(t)
	default:
		t.fail("", fmt.Sprintf("unknown node %q", node))
		o.handleError(t)
	}
	return nodeDone, nil
}

func (o *Orchestrator) soft(t *turn, kind string, err error) {
	t.res.SoftErrors = append(t.res.SoftErrors, kind)
	metrics.SoftErrorsTotal.WithLabelValues(kind).Inc()
	o.log.Warn("workflow: degraded", "kind", kind, "error", err)
}

func (o *Orchestrator) classifyIntent(ctx context.Context, t *turn) (Node, error) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AdapterTimeout)
	defer cancel()

	t.res.LLMCalls++
	c, err := o.cfg.Classifier.Classify(actx, t.question, t.history)
	if err != nil {
		if ctx.Err() != nil {
			return nodeDone, ctx.Err()
		}
		o.soft(t, SoftClassificationDegraded, err)
		c = Classification{Intent: IntentDataQuery, RequiresData: true}
	}
	c.Intent = ParseIntent(string(c.Intent))
	if c.NeedsClarification {
		c.Intent = IntentNeedsClarification
	}
	t.classification = c
	t.res.Intent = c.Intent

	switch c.Intent {
	case IntentNeedsClarification:
		return NodeHandleClarification, nil
	case IntentGeneralInfo, IntentConversational:
		return NodeHandleGeneralInfo, nil
	default:
		return NodeSelectDomains, nil
	}
}

func (o *Orchestrator) selectDomains(ctx context.Context, t *turn) (Node, error) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AdapterTimeout)
	defer cancel()

	sel, err := o.cfg.Selector.SelectDomains(actx, t.question)
	var domains []string
	if err != nil {
		if ctx.Err() != nil {
			return nodeDone, ctx.Err()
		}
		t.res.LLMCalls++
		o.soft(t, SoftDomainSelectionDegraded, err)
	} else {
		t.res.LLMCalls += sel.LLMCalls
		domains = sel.Domains
	}

	t.schema = o.cfg.Schema.Render(slices.Concat(domains, o.cfg.Schema.CoreDomains()))
	t.res.SelectedDomains = t.schema.Domains
	o.log.Debug("workflow: domains selected", "domains", t.schema.Domains,
		"reasoning", sel.Reasoning, "tokens", t.schema.TokenEstimate)
	return NodeGenerateSQL, nil
}

func (o *Orchestrator) generateSQL(ctx context.Context, t *turn) (Node, error) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AdapterTimeout)
	defer cancel()

	in := GenerateInput{
		Question:      t.question,
		SchemaContext: t.schema.Text,
		PreviousSQL:   t.previousSQL,
		Feedback:      t.feedback,
	}
	t.res.LLMCalls++
	gen, err := o.cfg.Generator.GenerateSQL(actx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nodeDone, ctx.Err()
		}
		o.log.Warn("workflow: sql generation failed", "refine", in.Refine(), "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			t.fail(ErrorSQLGeneration, "sql generation timed out")
		} else {
			t.fail(ErrorSQLGeneration, "sql generation failed")
		}
		return NodeHandleError, nil
	}

	t.sql = gen
	t.query = nil
	t.res.GeneratedSQL = gen.SQL
	t.res.SQLExplanation = gen.Explanation
	return NodeValidateSQL, nil
}

func (o *Orchestrator) validateSQL(t *turn) Node {
	ok, reason := o.cfg.Validator.Validate(t.sql.SQL)
	if ok {
		return NodeExecuteQuery
	}
	return o.retry(t, retryValidation, reason)
}

// retry spends one unit of the shared budget and loops back to generation
// with the failure as feedback, or ends the turn once the budget is gone.
func (o *Orchestrator) retry(t *turn, reason, feedback string) Node {
	t.res.Retries++
	metrics.RetriesTotal.WithLabelValues(reason).Inc()
	t.previousSQL = t.sql.SQL
	t.feedback = feedback

	if t.res.Retries < o.cfg.MaxRetries {
		o.log.Info("workflow: retrying sql generation", "reason", reason,
			"attempt", t.res.Retries+1, "max", o.cfg.MaxRetries, "feedback", feedback)
		return NodeGenerateSQL
	}
	o.log.Warn("workflow: retries exhausted", "reason", reason, "retries", t.res.Retries, "feedback", feedback)
	t.fail(ErrorRetriesExhausted, fmt.Sprintf("%s after %d attempts", reason, t.res.Retries))
	return NodeHandleError
}

func (o *Orchestrator) executeQuery(ctx context.Context, t *turn) (Node, error) {
	qctx, cancel := context.WithTimeout(ctx, o.cfg.QueryTimeout)
	defer cancel()

	t.res.DBQueries++
	res, err := o.cfg.Executor.Execute(qctx, t.sql.SQL, t.identity)
	if err != nil {
		if ctx.Err() != nil {
			return nodeDone, ctx.Err()
		}
		msg := err.Error()
		var execErr *executor.Error
		if errors.As(err, &execErr) {
			// A lost connection is not fixed by rewriting the query, so it
			// ends the turn here rather than spending the retry budget on
			// regeneration.
			if execErr.Category == executor.CategoryConnection {
				o.log.Error("workflow: database unavailable", "error", err)
				t.fail(ErrorQueryExecution, execErr.Message)
				return NodeHandleError, nil
			}
			msg = execErr.Message
		} else if errors.Is(err, context.DeadlineExceeded) {
			msg = "query timed out"
		}
		return o.retry(t, retryExecution, msg), nil
	}

	if res == nil {
		res = &executor.Result{}
	}
	t.query = res
	t.res.Rows = res.Rows
	t.res.Columns = res.Columns
	t.res.RowCount = res.RowCount
	if res.SQL != "" {
		t.res.GeneratedSQL = res.SQL
	}
	return NodeAnalyze, nil
}

func (o *Orchestrator) analyze(ctx context.Context, t *turn) (Node, error) {
	if len(t.query.Rows) == 0 {
		t.analysis = Analysis{
			Analysis:        "No data was returned from the query.",
			Recommendations: "Try rephrasing your question or specifying a different time period or project.",
			Confidence:      emptyConfidence,
		}
		o.setAnalysis(t)
		return NodeFormatResponse, nil
	}

	actx, cancel := context.WithTimeout(ctx, o.cfg.AdapterTimeout)
	defer cancel()

	t.res.LLMCalls++
	sample := t.query.Rows[:min(len(t.query.Rows), MaxAnalysisRows)]
	a, err := o.cfg.Analyzer.Analyze(actx, t.question, sample)
	if err != nil {
		if ctx.Err() != nil {
			return nodeDone, ctx.Err()
		}
		o.log.Warn("workflow: analysis failed", "rows", t.query.RowCount, "error", err)
		t.fail(ErrorAnalysis, "analysis failed")
		return NodeHandleError, nil
	}

	if !validConfidence(a.Confidence) {
		o.log.Debug("workflow: invalid confidence, using default", "confidence", a.Confidence)
		a.Confidence = DefaultConfidence
	}
	t.analysis = a
	o.setAnalysis(t)
	return NodeFormatResponse, nil
}

func validConfidence(c float64) bool {
	return !math.IsNaN(c) && !math.IsInf(c, 0) && c >= 0 && c <= 1
}

func (o *Orchestrator) setAnalysis(t *turn) {
	t.res.Analysis = t.analysis.Analysis
	t.res.Recommendations = t.analysis.Recommendations
	t.res.Confidence = t.analysis.Confidence
}

func (o *Orchestrator) formatResponse(t *turn) {
	parts := []string{t.analysis.Analysis}
	if t.analysis.Recommendations != "" {
		parts = append(parts, "\n### Recommendations\n", t.analysis.Recommendations)
	}
	if t.analysis.Confidence < o.cfg.MinConfidence {
		parts = append(parts, fmt.Sprintf(
			"\n\n*Note: Confidence level is %d%%. Results may be incomplete or require verification.*",
			int(math.Round(t.analysis.Confidence*100))))
	}
	t.res.ResponseText = strings.Join(parts, "\n")
}

const defaultClarification = "Could you please provide more details about what you'd like to know?"

func (o *Orchestrator) handleClarification(t *turn) {
	q := strings.TrimSpace(t.classification.ClarificationText)
	if q == "" {
		q = defaultClarification
	}
	t.res.ResponseText = "I need a bit more information to help you:\n\n" + q
}

const generalInfoTemplate = `I can help you with budget analysis for your Procast events. Here's what I can do:

**Budget Analysis:**
- View project budget summaries
- Identify overspending or at-risk budgets
- Analyze spending by category
- Track budget changes over time
- Compare budgets vs actuals (invoices/POs)

**Available Data Domains:**
%s

Please ask a specific question about your budget data, and I'll query the database to provide insights.`

func (o *Orchestrator) handleGeneralInfo(t *turn) {
	t.res.ResponseText = fmt.Sprintf(generalInfoTemplate, o.cfg.Schema.SummaryDomains())
}

const (
	msgSQLGeneration    = "I had trouble understanding how to query the database for your request. Could you try rephrasing your question?"
	msgQueryExecution   = "There was an issue executing the database query. This might be due to a temporary issue. Please try again."
	msgAnalysis         = "I was able to get the data but had trouble analyzing it. Here's what I found:\n\n"
	msgRetriesExhausted = "I wasn't able to build a working query for your question after several attempts. Could you try rephrasing it, for example by naming a specific project or time period?"
	msgUnknown          = "Something went wrong while processing your request. Please try again or rephrase your question."
)

func (o *Orchestrator) handleError(t *turn) {
	switch t.res.ErrorCategory {
	case ErrorSQLGeneration:
		t.res.ResponseText = msgSQLGeneration
	case ErrorQueryExecution:
		t.res.ResponseText = msgQueryExecution
	case ErrorAnalysis:
		var rows []map[string]any
		var columns []string
		total := 0
		if t.query != nil {
			rows, columns, total = t.query.Rows, t.query.Columns, max(t.query.RowCount, len(t.query.Rows))
		}
		if len(columns) == 0 {
			columns = rowKeys(rows)
		}
		t.res.ResponseText = msgAnalysis + formatPreview(columns, rows, total)
	case ErrorRetriesExhausted:
		t.res.ResponseText = msgRetriesExhausted
	default:
		t.res.ResponseText = msgUnknown
	}
}
