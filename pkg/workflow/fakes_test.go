package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/executor"
	"github.com/malbeclabs/analyst/pkg/identity"
	"github.com/malbeclabs/analyst/pkg/logger"
	"github.com/malbeclabs/analyst/pkg/sqlguard"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

const validSQL = `SELECT p."Name", SUM(e."Amount") AS total
FROM "EntryLines" e JOIN "Projects" p ON p."Id" = e."ProjectId"
WHERE e."IsDisabled" = false AND e."IsComputedInverse" = false
GROUP BY p."Name"`

type classifierFunc func(ctx context.Context, question, history string) (workflow.Classification, error)

func (f classifierFunc) Classify(ctx context.Context, question, history string) (workflow.Classification, error) {
	return f(ctx, question, history)
}

type selectorFunc func(ctx context.Context, question string) (workflow.DomainSelection, error)

func (f selectorFunc) SelectDomains(ctx context.Context, question string) (workflow.DomainSelection, error) {
	return f(ctx, question)
}

type analyzerFunc func(ctx context.Context, question string, rows []map[string]any) (workflow.Analysis, error)

func (f analyzerFunc) Analyze(ctx context.Context, question string, rows []map[string]any) (workflow.Analysis, error) {
	return f(ctx, question, rows)
}

type executorFunc func(ctx context.Context, sql string, id identity.Identity) (*executor.Result, error)

func (f executorFunc) Execute(ctx context.Context, sql string, id identity.Identity) (*executor.Result, error) {
	return f(ctx, sql, id)
}

// scriptedGenerator returns its replies in order and repeats the last one.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies []generatorReply
	inputs  []workflow.GenerateInput
}

type generatorReply struct {
	sql string
	err error
}

func (g *scriptedGenerator) GenerateSQL(ctx context.Context, in workflow.GenerateInput) (workflow.GeneratedSQL, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = append(g.inputs, in)
	r := g.replies[min(len(g.inputs), len(g.replies))-1]
	if r.err != nil {
		return workflow.GeneratedSQL{}, r.err
	}
	return workflow.GeneratedSQL{SQL: r.sql, Explanation: "totals per project"}, nil
}

func (g *scriptedGenerator) Inputs() []workflow.GenerateInput {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]workflow.GenerateInput(nil), g.inputs...)
}

func generating(sqls ...string) *scriptedGenerator {
	g := &scriptedGenerator{}
	for _, s := range sqls {
		g.replies = append(g.replies, generatorReply{sql: s})
	}
	return g
}

func dataQuery() classifierFunc {
	return func(context.Context, string, string) (workflow.Classification, error) {
		return workflow.Classification{Intent: workflow.IntentDataQuery, RequiresData: true}, nil
	}
}

func selecting(domains ...string) selectorFunc {
	return func(context.Context, string) (workflow.DomainSelection, error) {
		return workflow.DomainSelection{Domains: domains, Reasoning: "test", LLMCalls: 1}, nil
	}
}

func returning(rows ...map[string]any) executorFunc {
	return func(_ context.Context, sql string, _ identity.Identity) (*executor.Result, error) {
		return &executor.Result{Columns: []string{"Name", "total"}, Rows: rows, RowCount: len(rows), SQL: sql}, nil
	}
}

func analyzing(confidence float64) analyzerFunc {
	return func(context.Context, string, []map[string]any) (workflow.Analysis, error) {
		return workflow.Analysis{Analysis: "Gala is over budget.", Recommendations: "- Review catering.", Confidence: confidence}, nil
	}
}

var sampleRows = []map[string]any{
	{"Name": "Gala", "total": 1200.5},
	{"Name": "Summit", "total": 800.0},
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type fixture struct {
	t     *testing.T
	clock fakeClock
	cfg   workflow.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return &fixture{
		t:     t,
		clock: clock,
		cfg: workflow.Config{
			Logger:     logger.Discard(),
			Clock:      clock,
			Classifier: dataQuery(),
			Selector:   selecting("accounts"),
			Generator:  generating(validSQL),
			Validator:  sqlguard.New(0),
			Executor:   returning(sampleRows...),
			Analyzer:   analyzing(0.9),
			Schema:     catalog.Default(),
		},
	}
}

func (f *fixture) run(ctx context.Context, question string) *workflow.Result {
	f.t.Helper()
	o, err := workflow.New(f.cfg)
	require.NoError(f.t, err)
	res, err := o.Run(ctx, question, nil, identity.New("user-1", "user@example.com"))
	require.NoError(f.t, err)
	require.NotNil(f.t, res)
	return res
}
