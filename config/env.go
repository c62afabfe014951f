package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvLocal      = "local"
	EnvStaging    = "staging"
	EnvProduction = "production"
)

var (
	ErrInvalidEnvironment = errors.New("invalid environment")
)

// Settings holds process-wide configuration shared by the analyst commands.
type Settings struct {
	Env string

	DatabaseURL         string // sessions and migrations
	ReadOnlyDatabaseURL string // analyst role used for generated queries

	AnthropicAPIKey string
	LLMModel        string
	LLMAuxModel     string // cheaper model for classification and domain selection
	LLMMaxTokens    int64
	LLMTemperature  float64
	LLMCacheEnabled bool

	ListenAddr    string
	MCPListenAddr string
	MetricsAddr   string
	CORSOrigins   []string

	// MCP clients authenticate with a static bearer token and query as a
	// fixed service identity.
	MCPAuthToken    string
	MCPServiceEmail string

	// Mock auth falls back to a fixed identity when no X-User-ID header is sent.
	MockAuth      bool
	MockUserID    string
	MockUserEmail string

	MaxQueryResults int
	QueryTimeout    time.Duration
	AdapterTimeout  time.Duration
	MaxRetries      int
	MinConfidence   float64
	HistoryLimit    int
}

func SettingsForEnv(env string) (*Settings, error) {
	base := Settings{
		Env:             env,
		LLMModel:        DefaultLLMModel,
		LLMAuxModel:     DefaultLLMAuxModel,
		LLMMaxTokens:    DefaultLLMMaxTokens,
		LLMCacheEnabled: true,
		MetricsAddr:     DefaultMetricsAddr,
		MaxQueryResults: DefaultMaxQueryResults,
		QueryTimeout:    DefaultQueryTimeout,
		AdapterTimeout:  DefaultAdapterTimeout,
		MaxRetries:      DefaultMaxRetries,
		MinConfidence:   DefaultMinConfidence,
		HistoryLimit:    DefaultHistoryLimit,
	}

	switch env {
	case EnvLocal:
		base.DatabaseURL = LocalDatabaseURL
		base.ReadOnlyDatabaseURL = LocalReadOnlyDatabaseURL
		base.ListenAddr = LocalListenAddr
		base.MCPListenAddr = LocalMCPListenAddr
		base.CORSOrigins = splitCSV(LocalCORSOrigins)
		base.MockAuth = true
		base.MockUserID = LocalMockUserID
		base.MockUserEmail = LocalMockUserEmail
		base.MCPServiceEmail = LocalMockUserEmail
	case EnvStaging, EnvProduction:
		base.ListenAddr = DeployedListenAddr
		base.MCPListenAddr = DeployedMCPListenAddr
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEnvironment, env)
	}
	return &base, nil
}

// Load builds settings for env and applies ANALYST_* and ANTHROPIC_API_KEY
// overrides from the process environment.
func Load(env string) (*Settings, error) {
	s, err := SettingsForEnv(env)
	if err != nil {
		return nil, err
	}

	s.DatabaseURL = getenv("ANALYST_DATABASE_URL", s.DatabaseURL)
	s.ReadOnlyDatabaseURL = getenv("ANALYST_READONLY_DATABASE_URL", s.ReadOnlyDatabaseURL)
	s.AnthropicAPIKey = getenv("ANTHROPIC_API_KEY", s.AnthropicAPIKey)
	s.LLMModel = getenv("ANALYST_LLM_MODEL", s.LLMModel)
	s.LLMAuxModel = getenv("ANALYST_LLM_AUX_MODEL", s.LLMAuxModel)
	s.LLMCacheEnabled = getenvBool("ANALYST_LLM_CACHE_ENABLED", s.LLMCacheEnabled)
	s.ListenAddr = getenv("ANALYST_LISTEN_ADDR", s.ListenAddr)
	s.MCPListenAddr = getenv("ANALYST_MCP_LISTEN_ADDR", s.MCPListenAddr)
	s.MetricsAddr = getenv("ANALYST_METRICS_ADDR", s.MetricsAddr)
	if v := getenv("ANALYST_CORS_ORIGINS", ""); v != "" {
		s.CORSOrigins = splitCSV(v)
	}
	s.MCPAuthToken = getenv("ANALYST_MCP_AUTH_TOKEN", s.MCPAuthToken)
	s.MCPServiceEmail = getenv("ANALYST_MCP_SERVICE_EMAIL", s.MCPServiceEmail)
	s.MockAuth = getenvBool("ANALYST_MOCK_AUTH", s.MockAuth)
	s.MockUserID = getenv("ANALYST_MOCK_USER_ID", s.MockUserID)
	s.MockUserEmail = getenv("ANALYST_MOCK_USER_EMAIL", s.MockUserEmail)

	if s.LLMMaxTokens, err = getenvInt64("ANALYST_LLM_MAX_TOKENS", s.LLMMaxTokens); err != nil {
		return nil, err
	}
	if s.MaxQueryResults, err = getenvInt("ANALYST_MAX_QUERY_RESULTS", s.MaxQueryResults); err != nil {
		return nil, err
	}
	if s.MaxRetries, err = getenvInt("ANALYST_MAX_RETRIES", s.MaxRetries); err != nil {
		return nil, err
	}
	if s.HistoryLimit, err = getenvInt("ANALYST_HISTORY_LIMIT", s.HistoryLimit); err != nil {
		return nil, err
	}
	if s.QueryTimeout, err = getenvDuration("ANALYST_QUERY_TIMEOUT", s.QueryTimeout); err != nil {
		return nil, err
	}
	if s.AdapterTimeout, err = getenvDuration("ANALYST_ADAPTER_TIMEOUT", s.AdapterTimeout); err != nil {
		return nil, err
	}
	if s.MinConfidence, err = getenvFloat("ANALYST_MIN_CONFIDENCE", s.MinConfidence); err != nil {
		return nil, err
	}
	if s.LLMTemperature, err = getenvFloat("ANALYST_LLM_TEMPERATURE", s.LLMTemperature); err != nil {
		return nil, err
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if s.MaxRetries < 0 || s.MaxRetries > 10 {
		return fmt.Errorf("max retries must be between 0 and 10, got %d", s.MaxRetries)
	}
	if s.QueryTimeout < 5*time.Second || s.QueryTimeout > 120*time.Second {
		return fmt.Errorf("query timeout must be between 5s and 120s, got %s", s.QueryTimeout)
	}
	if s.MaxQueryResults < 1 || s.MaxQueryResults > 10000 {
		return fmt.Errorf("max query results must be between 1 and 10000, got %d", s.MaxQueryResults)
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be between 0 and 1, got %v", s.MinConfidence)
	}
	if s.LLMMaxTokens < 256 || s.LLMMaxTokens > 8192 {
		return fmt.Errorf("llm max tokens must be between 256 and 8192, got %d", s.LLMMaxTokens)
	}
	if s.LLMTemperature < 0 || s.LLMTemperature > 1 {
		return fmt.Errorf("llm temperature must be between 0 and 1, got %v", s.LLMTemperature)
	}
	if s.HistoryLimit < 0 {
		return fmt.Errorf("history limit must not be negative, got %d", s.HistoryLimit)
	}
	if s.MockAuth && s.MockUserID == "" {
		return errors.New("mock user id is required when mock auth is enabled")
	}
	return nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func getenvInt64(key string, def int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return f, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return d, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
