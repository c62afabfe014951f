package capability

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/analyst/pkg/capability/prompts"
)

// Prompts contains the adapter system prompts loaded from embedded files.
type Prompts struct {
	Classify      string // intent classification
	SelectDomains string // domain selection; {{DOMAINS_OVERVIEW}} is filled per catalog
	Generate      string // SQL generation, schema context appended per call
	Analyze       string // result analysis
}

// LoadPrompts loads all prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.Classify, err = loadPrompt("CLASSIFY.md"); err != nil {
		return nil, fmt.Errorf("failed to load CLASSIFY: %w", err)
	}
	if p.SelectDomains, err = loadPrompt("SELECT_DOMAINS.md"); err != nil {
		return nil, fmt.Errorf("failed to load SELECT_DOMAINS: %w", err)
	}
	if p.Generate, err = loadPrompt("GENERATE.md"); err != nil {
		return nil, fmt.Errorf("failed to load GENERATE: %w", err)
	}
	if p.Analyze, err = loadPrompt("ANALYZE.md"); err != nil {
		return nil, fmt.Errorf("failed to load ANALYZE: %w", err)
	}

	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
