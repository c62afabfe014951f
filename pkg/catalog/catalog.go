// Package catalog holds the static description of the Procast budget
// database: a compact summary, the schema domains and their tables, the
// common join paths and query patterns. It renders the schema context that
// is handed to SQL generation for a chosen set of domains.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed domains.yaml
var domainsYAML []byte

// Domain is a named group of related tables.
type Domain struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	UseFor      string   `yaml:"use_for" json:"use_for"`
	Tables      []string `yaml:"tables" json:"tables"`
	Keywords    []string `yaml:"keywords" json:"keywords,omitempty"`
	Schema      string   `yaml:"schema" json:"schema"`
}

// Context is the rendered schema context for a set of domains. The token
// estimate is informational only.
type Context struct {
	Domains       []string `json:"domains"`
	Text          string   `json:"text"`
	TokenEstimate int      `json:"token_estimate"`
}

type file struct {
	Summary       string   `yaml:"summary"`
	Relationships string   `yaml:"relationships"`
	QueryPatterns string   `yaml:"query_patterns"`
	Core          []string `yaml:"core"`
	Domains       []Domain `yaml:"domains"`
}

// Catalog is immutable after Load and safe for concurrent use.
type Catalog struct {
	summary       string
	relationships string
	queryPatterns string
	core          []string
	domains       []Domain
	index         map[string]int
}

var defaultCatalog = sync.OnceValues(func() (*Catalog, error) {
	return Load(domainsYAML)
})

// Default returns the catalog built from the embedded domain file.
func Default() *Catalog {
	c, err := defaultCatalog()
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded domains are invalid: %v", err))
	}
	return c
}

// Load parses a catalog from YAML. Domain order in the file is the stable
// order used for rendering.
func Load(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(f.Domains) == 0 {
		return nil, errors.New("catalog has no domains")
	}

	c := &Catalog{
		summary:       strings.TrimSpace(f.Summary),
		relationships: strings.TrimSpace(f.Relationships),
		queryPatterns: strings.TrimSpace(f.QueryPatterns),
		index:         make(map[string]int, len(f.Domains)),
	}
	for i, d := range f.Domains {
		d.Name = strings.ToLower(strings.TrimSpace(d.Name))
		if d.Name == "" {
			return nil, fmt.Errorf("domain %d has no name", i)
		}
		if _, ok := c.index[d.Name]; ok {
			return nil, fmt.Errorf("duplicate domain %q", d.Name)
		}
		if strings.TrimSpace(d.Schema) == "" {
			return nil, fmt.Errorf("domain %q has no schema", d.Name)
		}
		d.Schema = strings.TrimSpace(d.Schema)
		c.index[d.Name] = len(c.domains)
		c.domains = append(c.domains, d)
	}
	for _, name := range f.Core {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, ok := c.index[name]; !ok {
			return nil, fmt.Errorf("core domain %q is not defined", name)
		}
		c.core = append(c.core, name)
	}
	if len(c.core) == 0 {
		return nil, errors.New("catalog has no core domains")
	}
	return c, nil
}

// AllDomains returns every domain name in catalog order.
func (c *Catalog) AllDomains() []string {
	names := make([]string, len(c.domains))
	for i, d := range c.domains {
		names[i] = d.Name
	}
	return names
}

// CoreDomains returns the minimal domain set always included in SQL generation.
func (c *Catalog) CoreDomains() []string {
	return append([]string(nil), c.core...)
}

func (c *Catalog) IsValid(name string) bool {
	_, ok := c.index[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Describe looks up a domain by name, case-insensitively.
func (c *Catalog) Describe(name string) (Domain, bool) {
	i, ok := c.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Domain{}, false
	}
	return c.domains[i], true
}

func (c *Catalog) Tables(name string) []string {
	d, ok := c.Describe(name)
	if !ok {
		return nil
	}
	return append([]string(nil), d.Tables...)
}

func (c *Catalog) Summary() string { return c.summary }

func (c *Catalog) Relationships() string { return c.relationships }

func (c *Catalog) QueryPatterns() string { return c.queryPatterns }

// Normalize lowercases names, drops unknown and duplicate domains, and
// orders the result by catalog order.
func (c *Catalog) Normalize(names []string) []string {
	seen := make([]bool, len(c.domains))
	for _, name := range names {
		if i, ok := c.index[strings.ToLower(strings.TrimSpace(name))]; ok {
			seen[i] = true
		}
	}
	out := make([]string, 0, len(names))
	for i, ok := range seen {
		if ok {
			out = append(out, c.domains[i].Name)
		}
	}
	return out
}

// WithCore returns names unioned with the core domains, normalized.
func (c *Catalog) WithCore(names []string) []string {
	return c.Normalize(append(append([]string(nil), names...), c.core...))
}

// Render builds the schema context for the given domains. The same set
// always yields byte-identical text regardless of input order.
func (c *Catalog) Render(names []string) Context {
	domains := c.Normalize(names)

	schemas := make([]string, 0, len(domains))
	for _, name := range domains {
		schemas = append(schemas, c.domains[c.index[name]].Schema)
	}

	var sb strings.Builder
	sb.WriteString(c.summary)
	sb.WriteString("\n\n")
	sb.WriteString(strings.Join(schemas, "\n\n"))
	sb.WriteString("\n\n")
	sb.WriteString(c.relationships)
	sb.WriteString("\n\n")
	sb.WriteString(c.queryPatterns)
	text := sb.String()

	return Context{
		Domains:       domains,
		Text:          text,
		TokenEstimate: EstimateTokens(text),
	}
}

// EstimateTokens approximates tokens as one per four characters.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// DomainsOverview lists every domain with its tables and typical use, for
// domain-selection prompts.
func (c *Catalog) DomainsOverview() string {
	var sb strings.Builder
	sb.WriteString("AVAILABLE DOMAINS:\n")
	for i, d := range c.domains {
		fmt.Fprintf(&sb, "\n%d. %s - %s\n", i+1, d.Name, d.Description)
		if d.UseFor != "" {
			fmt.Fprintf(&sb, "   USE FOR: %s\n", d.UseFor)
		}
		fmt.Fprintf(&sb, "   TABLES: %s\n", strings.Join(d.Tables, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// SummaryDomains returns the DOMAINS block of the summary, or a short
// fallback when the summary does not have one.
func (c *Catalog) SummaryDomains() string {
	_, rest, ok := strings.Cut(c.summary, "DOMAINS:")
	if !ok {
		return "- Projects, Budgets, Accounts, Invoices, and more"
	}
	block, _, _ := strings.Cut(rest, "KEY FACTS")
	return strings.TrimSpace(block)
}
