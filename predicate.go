package qcarchive

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// predicate is a compiled attribute filter.
type predicate struct {
	program *vm.Program
	source  string
}

// compilePredicate accepts expr syntax plus the common SQL spellings: = and
// <> comparisons, AND/OR/NOT, IS [NOT] NULL, IN (...), [NOT] LIKE and ''
// inside quoted strings. Column names are matched case-insensitively.
func (t *Table) compilePredicate(where string) (*predicate, error) {
	src, err := normalizePredicate(where, t.canonicalName)
	if err != nil {
		return nil, fmt.Errorf("where %q: %v: %w", where, err, ErrQueryEvaluation)
	}
	program, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("where %q: %v: %w", where, err, ErrQueryEvaluation)
	}
	return &predicate{program: program, source: src}, nil
}

// match runs the predicate over one row. Runtime errors, such as comparing a
// null column with a number, are a non-match.
func (p *predicate) match(env map[string]interface{}) bool {
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func (t *Table) canonicalName(ident string) (string, bool) {
	i, ok := t.column(ident)
	if !ok {
		return "", false
	}
	return t.fields[i].Name, true
}

// rowEnv exposes the attribute values of a row to the predicate. The shape
// column is left out.
func (t *Table) rowEnv(row []Value) map[string]interface{} {
	env := make(map[string]interface{}, len(row))
	for i, c := range t.fields {
		if c.Role == RoleGeometry {
			continue
		}
		env[c.Name] = row[i].Interface()
	}
	return env
}

// evaluate returns the ids of all rows matching where, ordered by orderBy.
func (t *Table) evaluate(where, orderBy string) ([]int32, error) {
	p, err := t.compilePredicate(where)
	if err != nil {
		return nil, err
	}
	keys, err := t.parseOrderBy(orderBy)
	if err != nil {
		return nil, err
	}

	var matched [][]Value
	for _, row := range t.rows {
		if p.match(t.rowEnv(row)) {
			matched = append(matched, row)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		for _, k := range keys {
			c := matched[i][k.col].compare(matched[j][k.col])
			if c == 0 {
				continue
			}
			if k.desc {
				return c > 0
			}
			return c < 0
		}
		return matched[i][t.oidCol].Int < matched[j][t.oidCol].Int
	})

	oids := make([]int32, len(matched))
	for i, row := range matched {
		oids[i] = int32(row[t.oidCol].Int)
	}
	return oids, nil
}

type sortKey struct {
	col  int
	desc bool
}

// parseOrderBy reads "COL [ASC|DESC], ..." with an optional ORDER BY prefix.
// An empty spec sorts by object id.
func (t *Table) parseOrderBy(spec string) ([]sortKey, error) {
	spec = strings.TrimSpace(spec)
	if len(spec) >= 8 && strings.EqualFold(strings.Join(strings.Fields(spec[:8]), " "), "ORDER BY") {
		spec = strings.TrimSpace(spec[8:])
	}
	if spec == "" {
		return []sortKey{{col: t.oidCol}}, nil
	}

	var keys []sortKey
	for _, part := range strings.Split(spec, ",") {
		words := strings.Fields(part)
		if len(words) == 0 || len(words) > 2 {
			return nil, fmt.Errorf("order by %q: %w", spec, ErrQueryEvaluation)
		}
		col, ok := t.column(words[0])
		if !ok {
			return nil, fmt.Errorf("order by %q: unknown column %s: %w", spec, words[0], ErrQueryEvaluation)
		}
		k := sortKey{col: col}
		if len(words) == 2 {
			switch strings.ToUpper(words[1]) {
			case "ASC":
			case "DESC":
				k.desc = true
			default:
				return nil, fmt.Errorf("order by %q: bad direction %s: %w", spec, words[1], ErrQueryEvaluation)
			}
		}
		keys = append(keys, k)
	}
	return keys, nil
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokOp
	tokSpace
)

type token struct {
	kind tokenKind
	text string
}

// tokenize splits a predicate into words, quoted strings, operators and
// whitespace, keeping every byte of the input.
func tokenize(s string) ([]token, error) {
	var toks []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			j := i
			for j < len(rs) && unicode.IsSpace(rs[j]) {
				j++
			}
			toks = append(toks, token{tokSpace, string(rs[i:j])})
			i = j
		case r == '\'' || r == '"':
			j := i + 1
			for ; j < len(rs); j++ {
				if rs[j] == '\\' {
					j++
					continue
				}
				if rs[j] == r {
					if j+1 < len(rs) && rs[j+1] == r {
						j++
						continue
					}
					break
				}
			}
			if j >= len(rs) {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			toks = append(toks, token{tokString, string(rs[i : j+1])})
			i = j + 1
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.') {
				j++
			}
			toks = append(toks, token{tokWord, string(rs[i:j])})
			i = j
		default:
			j := i + 1
			if j < len(rs) && strings.ContainsRune("=<>!&|", r) && strings.ContainsRune("=>&|", rs[j]) {
				j++
			}
			toks = append(toks, token{tokOp, string(rs[i:j])})
			i = j
		}
	}
	return toks, nil
}

// normalizePredicate rewrites SQL spellings into expr syntax.
func normalizePredicate(where string, resolve func(string) (string, bool)) (string, error) {
	toks, err := tokenize(where)
	if err != nil {
		return "", err
	}

	// next returns the index of the next non-space token after i
	next := func(i int) int {
		for j := i + 1; j < len(toks); j++ {
			if toks[j].kind != tokSpace {
				return j
			}
		}
		return -1
	}

	var out strings.Builder
	var parens []bool // true for a paren opened by IN (
	inList := false
	negate := false // NOT LIKE
	for i := 0; i < len(toks); i++ {
		tk := toks[i]
		switch tk.kind {
		case tokSpace:
			out.WriteString(tk.text)

		case tokString:
			out.WriteString(escapeDoubledQuotes(tk.text))

		case tokOp:
			switch tk.text {
			case "=":
				out.WriteString("==")
			case "<>":
				out.WriteString("!=")
			case "(":
				parens = append(parens, inList)
				if inList {
					out.WriteString("[")
					inList = false
				} else {
					out.WriteString("(")
				}
			case ")":
				if len(parens) == 0 {
					return "", fmt.Errorf("unbalanced parenthesis")
				}
				wasList := parens[len(parens)-1]
				parens = parens[:len(parens)-1]
				if wasList {
					out.WriteString("]")
				} else {
					out.WriteString(")")
				}
			default:
				out.WriteString(tk.text)
			}

		case tokWord:
			switch strings.ToUpper(tk.text) {
			case "NOT":
				if j := next(i); j >= 0 && strings.EqualFold(toks[j].text, "LIKE") {
					negate = true
					continue
				}
				out.WriteString("not")
			case "AND", "OR":
				out.WriteString(strings.ToLower(tk.text))
			case "LIKE":
				j := next(i)
				if j < 0 || toks[j].kind != tokString {
					return "", fmt.Errorf("LIKE must be followed by a quoted pattern")
				}
				out.WriteString("matches " + strconv.Quote(likePattern(toks[j].text)))
				if negate {
					out.WriteString(" == false")
					negate = false
				}
				i = j
			case "NULL":
				out.WriteString("nil")
			case "TRUE", "FALSE":
				out.WriteString(strings.ToLower(tk.text))
			case "IN":
				out.WriteString("in")
				if j := next(i); j >= 0 && toks[j].text == "(" {
					inList = true
				}
			case "IS":
				j := next(i)
				if j >= 0 && strings.EqualFold(toks[j].text, "NOT") {
					if k := next(j); k >= 0 && strings.EqualFold(toks[k].text, "NULL") {
						out.WriteString("!= nil")
						i = k
						continue
					}
				}
				if j >= 0 && strings.EqualFold(toks[j].text, "NULL") {
					out.WriteString("== nil")
					i = j
					continue
				}
				return "", fmt.Errorf("IS must be followed by [NOT] NULL")
			default:
				if name, ok := resolve(tk.text); ok {
					out.WriteString(name)
				} else {
					out.WriteString(tk.text)
				}
			}
		}
	}
	if len(parens) != 0 {
		return "", fmt.Errorf("unbalanced parenthesis")
	}
	return out.String(), nil
}

// unquote returns the content of a quoted string token with doubled quotes
// collapsed.
func unquote(text string) string {
	q := text[:1]
	return strings.ReplaceAll(text[1:len(text)-1], q+q, q)
}

// escapeDoubledQuotes rewrites the SQL '' escape as \'.
func escapeDoubledQuotes(text string) string {
	q := text[:1]
	inner := text[1 : len(text)-1]
	if !strings.Contains(inner, q+q) {
		return text
	}
	return q + strings.ReplaceAll(inner, q+q, `\`+q) + q
}

// likePattern translates a LIKE pattern into an anchored, case-insensitive
// regular expression: % is any run of characters, _ is one character.
func likePattern(text string) string {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range unquote(text) {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}
