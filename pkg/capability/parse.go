package capability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var errNoJSON = errors.New("no JSON object found in response")

// ParseError is returned when a model reply cannot be turned into the
// adapter's output.
type ParseError struct {
	Step     string
	Response string // truncated model reply
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: failed to parse response: %v", e.Step, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func newParseError(step, response string, err error) *ParseError {
	return &ParseError{Step: step, Response: truncateString(response, 200), Err: err}
}

// fenced returns the body of the first ``` block, optionally tagged with
// lang. A lang of "" matches an untagged or any-tagged block.
func fenced(s, lang string) (string, bool) {
	open := "```" + lang
	start := strings.Index(s, open)
	if start == -1 {
		return "", false
	}
	start += len(open)
	if lang == "" {
		// Skip a language tag on the opening fence.
		if nl := strings.IndexByte(s[start:], '\n'); nl != -1 && !strings.Contains(s[start:start+nl], "`") {
			start += nl + 1
		}
	}
	end := strings.Index(s[start:], "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(s[start : start+end]), true
}

// extractJSON finds the JSON object in a reply that may wrap it in markdown
// or prose.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	if body, ok := fenced(response, "json"); ok {
		return body
	}
	if body, ok := fenced(response, ""); ok && strings.HasPrefix(body, "{") {
		return extractJSONObject(body, 0)
	}
	if start := strings.IndexByte(response, '{'); start != -1 {
		return extractJSONObject(response, start)
	}
	return ""
}

// extractJSONObject returns the balanced object starting at start, skipping
// braces inside strings. Unbalanced input yields "".
func extractJSONObject(s string, start int) string {
	if start >= len(s) || s[start] != '{' {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func decodeJSON(response string, v any) error {
	raw := extractJSON(response)
	if raw == "" {
		return errNoJSON
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

type generateReply struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

// parseGenerateResponse pulls SQL and an explanation out of a generation
// reply: JSON first, then a sql code block, then a bare statement.
func parseGenerateResponse(response string) (sql, explanation string, err error) {
	response = strings.TrimSpace(response)

	var reply generateReply
	if decodeJSON(response, &reply) == nil && strings.TrimSpace(reply.SQL) != "" {
		return cleanSQL(reply.SQL), strings.TrimSpace(reply.Explanation), nil
	}

	if sql = extractSQLFromCodeBlocks(response); sql != "" {
		return sql, extractExplanation(response), nil
	}

	if looksLikeSQL(response) {
		return cleanSQL(response), "", nil
	}

	return "", "", errors.New("could not extract SQL from response")
}

func extractSQLFromCodeBlocks(response string) string {
	if body, ok := fenced(response, "sql"); ok {
		return cleanSQL(body)
	}
	if body, ok := fenced(response, ""); ok && looksLikeSQL(body) {
		return cleanSQL(body)
	}
	return ""
}

// looksLikeSQL reports whether text starts with a statement keyword. Write
// statements count so the validator can reject them with feedback.
func looksLikeSQL(text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	for _, kw := range []string{"SELECT", "WITH", "INSERT", "UPDATE", "DELETE", "CREATE", "ALTER", "DROP", "TRUNCATE"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

// cleanSQL trims whitespace and trailing semicolons.
func cleanSQL(sql string) string {
	sql = strings.TrimSpace(sql)
	for strings.HasSuffix(sql, ";") {
		sql = strings.TrimSpace(strings.TrimSuffix(sql, ";"))
	}
	return sql
}

// extractExplanation returns the prose outside code blocks.
func extractExplanation(response string) string {
	var rest strings.Builder
	s := response
	for {
		start := strings.Index(s, "```")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+3:], "```")
		if end == -1 {
			break
		}
		rest.WriteString(s[:start])
		s = s[start+3+end+3:]
	}
	rest.WriteString(s)
	return truncateString(strings.TrimSpace(rest.String()), 500)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// flexBool accepts JSON booleans and the strings "true", "yes" and "1".
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = flexBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "1":
			*b = true
		default:
			*b = false
		}
		return nil
	}
	if bytes.Equal(data, []byte("1")) {
		*b = true
		return nil
	}
	*b = false
	return nil
}

// flexFloat accepts numbers and numeric strings. Anything else decodes to
// NaN so the caller can apply its own default.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = flexFloat(nan())
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*f = flexFloat(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			*f = flexFloat(v)
			return nil
		}
	}
	*f = flexFloat(nan())
	return nil
}

func nan() float64 { return math.NaN() }

// commaList accepts either a JSON array of strings or one comma-separated
// string.
type commaList []string

func (l *commaList) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = splitList(strings.Join(arr, ","))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("domains must be a string or array: %w", err)
	}
	*l = splitList(s)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
