package reflex

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Predicate is a compiled boolean expression over a sensor payload. The
// source language is deliberately tiny: comparisons between a payload field
// and a literal, combined with && and ||, with && binding tighter. No
// arbitrary code is ever evaluated.
//
//	value >= 0.9
//	state == "open" && battery > 10
type Predicate struct {
	source string
	root   node
}

// CompilePredicate parses and compiles a predicate expression.
func CompilePredicate(source string) (*Predicate, error) {
	p := &parser{tokens: tokenize(source)}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("predicate %q: %w", source, err)
	}
	if !p.done() {
		return nil, fmt.Errorf("predicate %q: unexpected trailing input %q", source, p.peek())
	}
	return &Predicate{source: source, root: root}, nil
}

// String returns the original expression.
func (p *Predicate) String() string { return p.source }

// Eval evaluates the predicate against a payload. Missing fields make their
// comparison false, never an error: sensors with sparse payloads must not
// wedge the reflex path.
func (p *Predicate) Eval(payload map[string]any) bool {
	return p.root.eval(payload)
}

type node interface {
	eval(payload map[string]any) bool
}

type orNode struct{ left, right node }

func (n orNode) eval(payload map[string]any) bool {
	return n.left.eval(payload) || n.right.eval(payload)
}

type andNode struct{ left, right node }

func (n andNode) eval(payload map[string]any) bool {
	return n.left.eval(payload) && n.right.eval(payload)
}

type cmpNode struct {
	field string
	op    string
	lit   any
}

func (n cmpNode) eval(payload map[string]any) bool {
	actual, ok := lookup(payload, n.field)
	if !ok {
		return false
	}
	switch want := n.lit.(type) {
	case float64:
		got, ok := asNumber(actual)
		if !ok {
			return false
		}
		switch n.op {
		case "==":
			return got == want
		case "!=":
			return got != want
		case ">":
			return got > want
		case ">=":
			return got >= want
		case "<":
			return got < want
		case "<=":
			return got <= want
		}
	case string:
		got, ok := actual.(string)
		if !ok {
			return false
		}
		switch n.op {
		case "==":
			return got == want
		case "!=":
			return got != want
		}
	case bool:
		got, ok := actual.(bool)
		if !ok {
			return false
		}
		switch n.op {
		case "==":
			return got == want
		case "!=":
			return got != want
		}
	}
	return false
}

// lookup resolves a possibly dotted field path in the payload.
func lookup(payload map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = payload
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asNumber(v any) (float64, bool) {
	switch typed := v.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		f, err := typed.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek() == "&&" {
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

var comparisonOps = map[string]bool{
	"==": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true,
}

func (p *parser) parseComparison() (node, error) {
	if p.peek() == "(" {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return inner, nil
	}

	field := p.next()
	if field == "" {
		return nil, fmt.Errorf("expected field name")
	}
	if !isFieldName(field) {
		return nil, fmt.Errorf("invalid field name %q", field)
	}
	op := p.next()
	if !comparisonOps[op] {
		return nil, fmt.Errorf("invalid operator %q after %q", op, field)
	}
	raw := p.next()
	if raw == "" {
		return nil, fmt.Errorf("expected literal after %q %s", field, op)
	}
	lit, err := parseLiteral(raw)
	if err != nil {
		return nil, err
	}
	if _, isString := lit.(string); isString && op != "==" && op != "!=" {
		return nil, fmt.Errorf("operator %s is not defined for strings", op)
	}
	if _, isBool := lit.(bool); isBool && op != "==" && op != "!=" {
		return nil, fmt.Errorf("operator %s is not defined for booleans", op)
	}
	return cmpNode{field: field, op: op, lit: lit}, nil
}

func isFieldName(s string) bool {
	for i, r := range s {
		switch {
		case unicode.IsLetter(r) || r == '_':
		case r == '.' && i > 0:
		case unicode.IsDigit(r) && i > 0:
		default:
			return false
		}
	}
	return s != "" && !strings.HasSuffix(s, ".")
}

func parseLiteral(raw string) (any, error) {
	switch {
	case raw == "true":
		return true, nil
	case raw == "false":
		return false, nil
	case strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) && len(raw) >= 2:
		return raw[1 : len(raw)-1], nil
	default:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid literal %q", raw)
		}
		return f, nil
	}
}

// tokenize splits the expression into field names, operators, literals, and
// parentheses. Quoted strings keep embedded spaces.
func tokenize(source string) []string {
	var tokens []string
	i := 0
	for i < len(source) {
		c := source[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(' || c == ')':
			tokens = append(tokens, string(c))
			i++
		case c == '"':
			j := i + 1
			for j < len(source) && source[j] != '"' {
				j++
			}
			if j < len(source) {
				j++
			}
			tokens = append(tokens, source[i:j])
			i = j
		case c == '&' || c == '|':
			if i+1 < len(source) && source[i+1] == c {
				tokens = append(tokens, source[i:i+2])
				i += 2
			} else {
				tokens = append(tokens, string(c))
				i++
			}
		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < len(source) && source[i+1] == '=' {
				tokens = append(tokens, source[i:i+2])
				i += 2
			} else {
				tokens = append(tokens, string(c))
				i++
			}
		default:
			j := i
			for j < len(source) && !strings.ContainsRune(" \t()&|=!<>\"", rune(source[j])) {
				j++
			}
			tokens = append(tokens, source[i:j])
			i = j
		}
	}
	return tokens
}
