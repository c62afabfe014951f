// Package eval runs a set of questions through the analyst workflow and
// checks each outcome against the expectations recorded with the question.
package eval

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/analyst/pkg/identity"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

const (
	DefaultMaxConcurrency = 4
	DefaultCaseTimeout    = 2 * time.Minute
)

//go:embed cases.yaml
var defaultCasesYAML []byte

// Case is one question and its expected outcome. Empty expectations are not
// checked.
type Case struct {
	Name                string   `yaml:"name"`
	Question            string   `yaml:"question"`
	ExpectIntent        string   `yaml:"expect_intent,omitempty"`
	ExpectDomains       []string `yaml:"expect_domains,omitempty"`
	ExpectSQLContains   []string `yaml:"expect_sql_contains,omitempty"`
	ExpectErrorCategory string   `yaml:"expect_error_category,omitempty"`
	MinConfidence       float64  `yaml:"min_confidence,omitempty"`
}

type caseFile struct {
	Cases []Case `yaml:"cases"`
}

// CaseResult is the checked outcome of a single case. Result is nil when the
// run itself failed.
type CaseResult struct {
	Case     Case
	Result   *workflow.Result
	Passed   bool
	Failures []string
	Duration time.Duration
}

func (r CaseResult) Reason() string {
	return strings.Join(r.Failures, "; ")
}

// ParseCases decodes a YAML case file.
func ParseCases(data []byte) ([]Case, error) {
	var f caseFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse cases: %w", err)
	}
	if len(f.Cases) == 0 {
		return nil, errors.New("no cases defined")
	}
	seen := make(map[string]bool, len(f.Cases))
	for i, c := range f.Cases {
		if c.Name == "" {
			return nil, fmt.Errorf("case %d: name is required", i)
		}
		if strings.TrimSpace(c.Question) == "" {
			return nil, fmt.Errorf("case %q: question is required", c.Name)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("case %q: duplicate name", c.Name)
		}
		if c.MinConfidence < 0 || c.MinConfidence > 1 {
			return nil, fmt.Errorf("case %q: min_confidence must be between 0 and 1", c.Name)
		}
		seen[c.Name] = true
	}
	return f.Cases, nil
}

func LoadCases(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cases: %w", err)
	}
	return ParseCases(data)
}

// DefaultCases returns the embedded case set.
func DefaultCases() []Case {
	cases, err := ParseCases(defaultCasesYAML)
	if err != nil {
		panic(fmt.Sprintf("eval: embedded cases are invalid: %v", err))
	}
	return cases
}

type Runner interface {
	Run(ctx context.Context, question string, history []workflow.Message, id identity.Identity) (*workflow.Result, error)
}

type Config struct {
	Logger         *slog.Logger
	Runner         Runner
	Identity       identity.Identity
	MaxConcurrency int
	CaseTimeout    time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	if c.Identity.UserID == "" {
		return errors.New("identity user id is required")
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.CaseTimeout <= 0 {
		c.CaseTimeout = DefaultCaseTimeout
	}
	return nil
}

type Evaluator struct {
	log  *slog.Logger
	cfg  Config
	pool pond.ResultPool[CaseResult]
}

func New(cfg Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Evaluator{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewResultPool[CaseResult](cfg.MaxConcurrency),
	}, nil
}

// Run evaluates every case and returns results in case order. A failing case
// does not stop the others; only cancellation of ctx is returned as an error.
func (e *Evaluator) Run(ctx context.Context, cases []Case) ([]CaseResult, error) {
	group := e.pool.NewGroupContext(ctx)
	for _, c := range cases {
		group.SubmitErr(func() (CaseResult, error) {
			return e.runCase(ctx, c), nil
		})
	}

	results, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to run cases: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// Close stops the worker pool after queued cases finish.
func (e *Evaluator) Close() {
	e.pool.StopAndWait()
}

func (e *Evaluator) runCase(ctx context.Context, c Case) CaseResult {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CaseTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.cfg.Runner.Run(ctx, c.Question, nil, e.cfg.Identity)
	out := CaseResult{Case: c, Result: res, Duration: time.Since(start)}
	if err != nil {
		out.Failures = []string{fmt.Sprintf("run failed: %v", err)}
		e.log.Warn("eval: case failed to run", "case", c.Name, "error", err)
		return out
	}
	out.Failures = Check(c, res)
	out.Passed = len(out.Failures) == 0
	e.log.Debug("eval: case finished", "case", c.Name, "passed", out.Passed, "duration", out.Duration)
	return out
}

// Check compares a turn result with the expectations of c and returns one
// message per unmet expectation.
func Check(c Case, res *workflow.Result) []string {
	if res == nil {
		return []string{"no result"}
	}
	var failures []string
	if c.ExpectIntent != "" && workflow.ParseIntent(c.ExpectIntent) != res.Intent {
		failures = append(failures, fmt.Sprintf("intent %s, want %s", res.Intent, c.ExpectIntent))
	}
	for _, d := range c.ExpectDomains {
		if !slices.Contains(res.SelectedDomains, strings.ToLower(d)) {
			failures = append(failures, fmt.Sprintf("domain %s not selected", d))
		}
	}
	sql := strings.ToLower(res.GeneratedSQL)
	for _, frag := range c.ExpectSQLContains {
		if !strings.Contains(sql, strings.ToLower(frag)) {
			failures = append(failures, fmt.Sprintf("sql missing %s", frag))
		}
	}
	switch {
	case c.ExpectErrorCategory != "":
		if string(res.ErrorCategory) != c.ExpectErrorCategory {
			failures = append(failures, fmt.Sprintf("error category %q, want %q", res.ErrorCategory, c.ExpectErrorCategory))
		}
	case res.ErrorCategory != workflow.ErrorNone:
		failures = append(failures, fmt.Sprintf("unexpected %s error: %s", res.ErrorCategory, res.Error))
	}
	if c.MinConfidence > 0 && res.Confidence < c.MinConfidence {
		failures = append(failures, fmt.Sprintf("confidence %.2f below %.2f", res.Confidence, c.MinConfidence))
	}
	return failures
}

// Passed counts passing results.
func Passed(results []CaseResult) int {
	n := 0
	for _, r := range results {
		if r.Passed {
			n++
		}
	}
	return n
}

// Report writes a table of results followed by a pass summary.
func Report(w io.Writer, results []CaseResult) error {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader([]string{
		"Case", "Intent", "Domains", "Retries", "Rows", "Confidence", "Result", "Reason",
	})

	for _, r := range results {
		row := []string{r.Case.Name, "-", "-", "-", "-", "-", "FAIL", r.Reason()}
		if res := r.Result; res != nil {
			row[1] = string(res.Intent)
			row[2] = strings.Join(res.SelectedDomains, ",")
			row[3] = strconv.Itoa(res.Retries)
			row[4] = strconv.Itoa(res.RowCount)
			row[5] = fmt.Sprintf("%.2f", res.Confidence)
		}
		if r.Passed {
			row[6] = "PASS"
		}
		table.Append(row)
	}
	table.Render()

	_, err := fmt.Fprintf(w, "passed %d/%d\n", Passed(results), len(results))
	return err
}
