// Package sqlguard decides whether generated SQL is safe to run against the
// budget database. Only read-only SELECT statements and set operations over
// them are accepted; everything else is rejected with a reason that can be
// fed back into SQL generation.
package sqlguard

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

const DefaultMaxLength = 10000

// Rule identifies which check rejected a query.
type Rule string

const (
	RuleEmpty         Rule = "empty"
	RuleLength        Rule = "length"
	RuleSelectInto    Rule = "select_into"
	RuleParse         Rule = "parse"
	RuleStatementType Rule = "statement_type"
	RuleKeyword       Rule = "keyword"
	RuleFunction      Rule = "function"
	RuleLocking       Rule = "locking"
)

// RejectionError is returned by Check when a query is not allowed.
type RejectionError struct {
	Rule   Rule
	Detail string
}

func (e *RejectionError) Error() string { return e.Detail }

func reject(rule Rule, format string, args ...any) *RejectionError {
	return &RejectionError{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

var forbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER", "TRUNCATE",
	"GRANT", "REVOKE", "EXECUTE", "EXEC", "CALL",
	"COPY", "VACUUM", "ANALYZE", "CLUSTER", "REINDEX",
	"SET", "RESET", "SHOW",
	"LOCK", "UNLOCK",
	"BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT",
	"NOTIFY", "LISTEN", "UNLISTEN",
	"LOAD", "UNLOAD",
	"EXPLAIN", "MERGE",
}

var forbiddenFunctions = []string{
	"pg_sleep", "pg_terminate_backend", "pg_cancel_backend",
	"pg_read_file", "pg_read_binary_file", "pg_write_file",
	"lo_import", "lo_export",
	"dblink", "dblink_exec",
	"set_config",
}

var (
	keywordPatterns = compileKeywords(forbiddenKeywords)
	limitRe         = regexp.MustCompile(`\bLIMIT\b`)
	identifierRe    = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

type keywordPattern struct {
	keyword string
	re      *regexp.Regexp
}

func compileKeywords(keywords []string) []keywordPattern {
	out := make([]keywordPattern, len(keywords))
	for i, kw := range keywords {
		out[i] = keywordPattern{keyword: kw, re: regexp.MustCompile(`\b` + kw + `\b`)}
	}
	return out
}

// Validator checks SQL text. The zero value uses DefaultMaxLength and is
// safe for concurrent use.
type Validator struct {
	MaxLength int
}

func New(maxLength int) *Validator {
	return &Validator{MaxLength: maxLength}
}

var defaultValidator = &Validator{MaxLength: DefaultMaxLength}

// Validate reports whether sql is allowed, with the rejection reason when it
// is not.
func Validate(sql string) (bool, string) {
	return defaultValidator.Validate(sql)
}

func (v *Validator) Validate(sql string) (bool, string) {
	if err := v.Check(sql); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// Check runs every rule in order and returns the first rejection, or nil.
func (v *Validator) Check(sql string) error {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return reject(RuleEmpty, "Empty SQL query")
	}

	maxLength := v.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if len(sql) > maxLength {
		return reject(RuleLength, "Query too long (max %d chars)", maxLength)
	}

	if err := checkStatements(sql); err != nil {
		return err
	}

	upper := strings.ToUpper(sql)

	for _, kw := range keywordPatterns {
		if kw.re.MatchString(upper) {
			return reject(RuleKeyword, "Forbidden keyword: %s", kw.keyword)
		}
	}

	lower := strings.ToLower(sql)
	for _, fn := range forbiddenFunctions {
		if strings.Contains(lower, fn) {
			return reject(RuleFunction, "Forbidden function: %s", fn)
		}
	}

	return nil
}

func checkStatements(sql string) error {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return reject(RuleParse, "SQL parse error: %v", err)
	}
	if len(result.Stmts) == 0 {
		return reject(RuleParse, "Failed to parse SQL")
	}

	for _, raw := range result.Stmts {
		if raw.Stmt == nil {
			continue
		}
		sel := raw.Stmt.GetSelectStmt()
		if sel == nil {
			return reject(RuleStatementType, "Only SELECT statements allowed, got: %s", statementName(raw.Stmt))
		}
		switch sel.Op {
		case pg_query.SetOperation_SETOP_NONE,
			pg_query.SetOperation_SETOP_UNION,
			pg_query.SetOperation_SETOP_INTERSECT,
			pg_query.SetOperation_SETOP_EXCEPT:
		default:
			return reject(RuleStatementType, "Only SELECT statements allowed, got: %s", sel.Op.String())
		}
	}
	return walk(result.ProtoReflect(), checkNode)
}

// checkNode applies the rules that must see the parsed tree rather than the
// raw text: function names arrive with quoting and U& escapes decoded, and
// locking or INTO clauses may sit in any nested SELECT.
func checkNode(m proto.Message) error {
	switch n := m.(type) {
	case *pg_query.SelectStmt:
		if n.IntoClause != nil {
			return reject(RuleSelectInto, "SELECT INTO is not allowed")
		}
		if len(n.LockingClause) > 0 {
			return reject(RuleLocking, "Row locking clauses are not allowed")
		}
	case *pg_query.FuncCall:
		for _, part := range n.Funcname {
			name := strings.ToLower(part.GetString_().GetSval())
			if slices.Contains(forbiddenFunctions, name) {
				return reject(RuleFunction, "Forbidden function: %s", name)
			}
		}
	}
	return nil
}

// walk visits m and every message reachable from it, depth first, stopping
// at the first error.
func walk(m protoreflect.Message, visit func(proto.Message) error) error {
	if err := visit(m.Interface()); err != nil {
		return err
	}
	var err error
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.IsMap() || fd.Message() == nil:
		case fd.IsList():
			list := v.List()
			for i := 0; i < list.Len() && err == nil; i++ {
				err = walk(list.Get(i).Message(), visit)
			}
		default:
			err = walk(v.Message(), visit)
		}
		return err == nil
	})
	return err
}

// statementName turns *pg_query.Node_InsertStmt into InsertStmt.
func statementName(n *pg_query.Node) string {
	name := fmt.Sprintf("%T", n.GetNode())
	if i := strings.LastIndex(name, "Node_"); i >= 0 {
		return name[i+len("Node_"):]
	}
	return name
}

// AddLimitIfMissing appends a LIMIT clause when the query has none. The
// clause goes on its own line so a trailing line comment cannot swallow it.
func AddLimitIfMissing(sql string, limit int) string {
	if limitRe.MatchString(strings.ToUpper(sql)) {
		return sql
	}
	trimmed := strings.TrimRight(strings.TrimSpace(sql), "; \t\r\n")
	return fmt.Sprintf("%s\nLIMIT %d", trimmed, limit)
}

// SanitizeIdentifier strips everything but ASCII letters, digits and
// underscore.
func SanitizeIdentifier(identifier string) string {
	return identifierRe.ReplaceAllString(identifier, "")
}
