package capability

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/malbeclabs/analyst/pkg/catalog"
	"github.com/malbeclabs/analyst/pkg/llm"
	"github.com/malbeclabs/analyst/pkg/workflow"
)

// LLMSelector asks the auxiliary model which domains a question needs.
type LLMSelector struct {
	cfg    Config
	system string
}

func NewLLMSelector(cfg Config) (*LLMSelector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	system := strings.Replace(cfg.Prompts.SelectDomains, "{{DOMAINS_OVERVIEW}}", cfg.Catalog.DomainsOverview(), 1)
	return &LLMSelector{cfg: cfg, system: system}, nil
}

type selectReply struct {
	Domains   commaList `json:"domains"`
	Reasoning string    `json:"reasoning"`
}

func (s *LLMSelector) SelectDomains(ctx context.Context, question string) (workflow.DomainSelection, error) {
	user := fmt.Sprintf("Database summary:\n%s\n\nQuestion: %s", s.cfg.Catalog.Summary(), question)
	text, err := s.cfg.complete(ctx, "select_domains", llm.Request{
		System:      s.system,
		User:        user,
		Model:       s.cfg.AuxModel,
		MaxTokens:   512,
		CacheSystem: true,
	})
	if err != nil {
		return workflow.DomainSelection{}, err
	}
	sel, err := parseSelectResponse(text)
	if err != nil {
		return workflow.DomainSelection{}, err
	}
	sel.Domains = s.cfg.Catalog.WithCore(sel.Domains)
	sel.LLMCalls = 1
	return sel, nil
}

// parseSelectResponse accepts the JSON reply or, failing that, a bare
// comma-separated list on the first line.
func parseSelectResponse(response string) (workflow.DomainSelection, error) {
	var reply selectReply
	if err := decodeJSON(response, &reply); err == nil {
		return workflow.DomainSelection{Domains: reply.Domains, Reasoning: strings.TrimSpace(reply.Reasoning)}, nil
	}
	line, _, _ := strings.Cut(strings.TrimSpace(response), "\n")
	if domains := splitList(line); len(domains) > 0 && allNames(domains) {
		return workflow.DomainSelection{Domains: domains}, nil
	}
	return workflow.DomainSelection{}, newParseError("select_domains", response, errNoJSON)
}

var domainNameRe = regexp.MustCompile(`^[a-z_]+$`)

func allNames(names []string) bool {
	for _, n := range names {
		if !domainNameRe.MatchString(n) {
			return false
		}
	}
	return true
}

type keywordRule struct {
	keyword string
	domain  string
	re      *regexp.Regexp
}

// RuleSelector matches catalog keywords against the question and only
// consults the fallback when nothing beyond the core domains matched.
type RuleSelector struct {
	catalog  *catalog.Catalog
	fallback workflow.DomainSelector
	rules    [][]keywordRule // per domain, catalog order
}

// NewRuleSelector builds keyword rules from cat. fallback may be nil, in
// which case unmatched questions get the core domains.
func NewRuleSelector(cat *catalog.Catalog, fallback workflow.DomainSelector) *RuleSelector {
	s := &RuleSelector{catalog: cat, fallback: fallback}
	for _, name := range cat.AllDomains() {
		d, _ := cat.Describe(name)
		var rules []keywordRule
		for _, kw := range d.Keywords {
			rules = append(rules, keywordRule{keyword: kw, domain: d.Name, re: keywordPattern(kw)})
		}
		if len(rules) > 0 {
			s.rules = append(s.rules, rules)
		}
	}
	return s
}

// keywordPattern matches kw at a word start. Keywords of three characters or
// fewer must match a whole word so "po" does not hit "report".
func keywordPattern(kw string) *regexp.Regexp {
	pattern := `(?i)\b` + regexp.QuoteMeta(strings.ToLower(kw))
	if len(kw) <= 3 {
		pattern += `\b`
	}
	return regexp.MustCompile(pattern)
}

func (s *RuleSelector) SelectDomains(ctx context.Context, question string) (workflow.DomainSelection, error) {
	var matched, hits []string
	for _, rules := range s.rules {
		for _, r := range rules {
			if r.re.MatchString(question) {
				matched = append(matched, r.domain)
				hits = append(hits, r.keyword+"→"+r.domain)
				break
			}
		}
	}

	core := s.catalog.CoreDomains()
	domains := s.catalog.WithCore(matched)
	if len(domains) > len(core) {
		return workflow.DomainSelection{
			Domains:   domains,
			Reasoning: "Rule-based selection: " + strings.Join(hits, ", "),
		}, nil
	}

	if s.fallback != nil {
		return s.fallback.SelectDomains(ctx, question)
	}
	return workflow.DomainSelection{
		Domains:   s.catalog.WithCore(nil),
		Reasoning: "Default selection: base domains only",
	}, nil
}
