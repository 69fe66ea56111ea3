// Package expr evaluates the declarative condition strings and templated
// payloads that agent profiles attach to observers, segments and flow decider
// rules. Conditions are a restricted boolean language over state lookups of
// the form v['team.work_modules']; templates interpolate {{ path }} markers.
//
// The evaluator is pure: the only inputs are the expression text and a
// read-only state view, and runtime lookup failures degrade to falsey/empty
// rather than escaping as errors. Only syntactically malformed expressions
// fail, with *EvaluatorError.
package expr

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/orchestrahq/orchestra/state"
)

// EvaluatorError reports a syntactically malformed condition or template.
type EvaluatorError struct {
	Expression string
	Pos        int
	Reason     string
}

// Error implements error.
func (e *EvaluatorError) Error() string {
	return fmt.Sprintf("evaluator error at offset %d in %q: %s", e.Pos, e.Expression, e.Reason)
}

// Evaluate parses and evaluates a boolean condition against the view.
func Evaluate(cond string, view state.View) (bool, error) {
	node, err := Parse(cond)
	if err != nil {
		return false, err
	}
	return node.Eval(view), nil
}

// Parse compiles a condition to an AST for repeated evaluation.
func Parse(cond string) (*Expr, error) {
	p := &parser{src: cond}
	p.next()
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errorf("unexpected trailing input %q", p.tok.text)
	}
	return &Expr{src: cond, root: node}, nil
}

// Expr is a compiled condition.
type Expr struct {
	src  string
	root node
}

// Eval evaluates the compiled condition against a view.
func (e *Expr) Eval(view state.View) bool { return state.Truthy(e.root.eval(view)) }

// String returns the source text of the condition.
func (e *Expr) String() string { return e.src }

var templateRe = regexp.MustCompile(`\{\{\s*([\w\.\-]+)\s*\}\}`)

// RenderTemplate substitutes {{ path.to.value }} markers with the string form
// of the resolved value, or the empty string when the path is absent.
func RenderTemplate(text string, view state.View) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return templateRe.ReplaceAllStringFunc(text, func(m string) string {
		path := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(m, "{{"), "}}"))
		v, ok := view.Lookup(path)
		if !ok {
			return ""
		}
		return state.Stringify(v)
	})
}

// ---- AST ----

type node interface {
	eval(view state.View) any
}

type literalNode struct{ value any }

func (n literalNode) eval(state.View) any { return n.value }

type lookupNode struct{ path string }

func (n lookupNode) eval(view state.View) any {
	v, ok := view.Lookup(n.path)
	if !ok {
		return nil
	}
	return v
}

type notNode struct{ inner node }

func (n notNode) eval(view state.View) any { return !state.Truthy(n.inner.eval(view)) }

type binaryNode struct {
	op          string
	left, right node
}

func (n binaryNode) eval(view state.View) any {
	switch n.op {
	case "and":
		l := n.left.eval(view)
		if !state.Truthy(l) {
			return l
		}
		return n.right.eval(view)
	case "or":
		l := n.left.eval(view)
		if state.Truthy(l) {
			return l
		}
		return n.right.eval(view)
	}
	return compare(n.op, n.left.eval(view), n.right.eval(view))
}

func compare(op string, l, r any) bool {
	lf, lNum := state.AsNumber(l)
	rf, rNum := state.AsNumber(r)
	switch op {
	case "==":
		if l == nil || r == nil {
			return l == nil && r == nil
		}
		if lNum && rNum {
			return lf == rf
		}
		return state.Stringify(l) == state.Stringify(r)
	case "!=":
		return !compare("==", l, r)
	}
	// Ordering: numeric when both sides coerce, lexical for strings,
	// absent/incomparable operands are never ordered.
	if lNum && rNum {
		switch op {
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		}
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs
		case "<=":
			return ls <= rs
		case ">":
			return ls > rs
		case ">=":
			return ls >= rs
		}
	}
	return false
}

// ---- Lexer / parser ----

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokLookup
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

type parser struct {
	src string
	off int
	tok token
	err *EvaluatorError
}

func (p *parser) errorf(format string, args ...any) *EvaluatorError {
	if p.err != nil {
		return p.err
	}
	p.err = &EvaluatorError{Expression: p.src, Pos: p.tok.pos, Reason: fmt.Sprintf(format, args...)}
	return p.err
}

func (p *parser) next() {
	for p.off < len(p.src) && (p.src[p.off] == ' ' || p.src[p.off] == '\t' || p.src[p.off] == '\n') {
		p.off++
	}
	start := p.off
	if p.off >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}
	c := p.src[p.off]
	switch {
	case c == '(':
		p.off++
		p.tok = token{kind: tokLParen, text: "(", pos: start}
	case c == ')':
		p.off++
		p.tok = token{kind: tokRParen, text: ")", pos: start}
	case c == '\'' || c == '"':
		quote := c
		p.off++
		for p.off < len(p.src) && p.src[p.off] != quote {
			p.off++
		}
		if p.off >= len(p.src) {
			p.tok = token{kind: tokEOF, pos: start}
			p.errorf("unterminated string literal")
			return
		}
		text := p.src[start+1 : p.off]
		p.off++
		p.tok = token{kind: tokString, text: text, pos: start}
	case c >= '0' && c <= '9' || c == '-' && p.off+1 < len(p.src) && p.src[p.off+1] >= '0' && p.src[p.off+1] <= '9':
		p.off++
		for p.off < len(p.src) && (p.src[p.off] >= '0' && p.src[p.off] <= '9' || p.src[p.off] == '.') {
			p.off++
		}
		text := p.src[start:p.off]
		var f float64
		if _, err := fmt.Sscanf(text, "%g", &f); err != nil {
			p.tok = token{kind: tokEOF, pos: start}
			p.errorf("malformed number %q", text)
			return
		}
		p.tok = token{kind: tokNumber, text: text, num: f, pos: start}
	case isIdentStart(c):
		for p.off < len(p.src) && isIdentPart(p.src[p.off]) {
			p.off++
		}
		p.tok = token{kind: tokIdent, text: p.src[start:p.off], pos: start}
	case strings.ContainsRune("=!<>", rune(c)):
		op := string(c)
		p.off++
		if p.off < len(p.src) && p.src[p.off] == '=' {
			op += "="
			p.off++
		}
		if op == "=" || op == "!" {
			p.tok = token{kind: tokEOF, pos: start}
			p.errorf("malformed operator %q", op)
			return
		}
		p.tok = token{kind: tokOp, text: op, pos: start}
	default:
		p.tok = token{kind: tokEOF, pos: start}
		p.errorf("unexpected character %q", string(c))
	}
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && p.tok.text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && p.tok.text == "and" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.tok.kind == tokIdent && p.tok.text == "not" {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp {
		op := p.tok.text
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	switch p.tok.kind {
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, p.errorf("expected closing parenthesis")
		}
		p.next()
		return inner, nil
	case tokNumber:
		n := literalNode{value: p.tok.num}
		p.next()
		return n, nil
	case tokString:
		n := literalNode{value: p.tok.text}
		p.next()
		return n, nil
	case tokIdent:
		switch p.tok.text {
		case "True", "true":
			p.next()
			return literalNode{value: true}, nil
		case "False", "false":
			p.next()
			return literalNode{value: false}, nil
		case "None", "null":
			p.next()
			return literalNode{value: nil}, nil
		case "v":
			return p.parseLookup()
		}
		return nil, p.errorf("unknown identifier %q", p.tok.text)
	default:
		if p.err != nil {
			return nil, p.err
		}
		return nil, p.errorf("unexpected token %q", p.tok.text)
	}
}

// parseLookup consumes the v['path'] form. The current token is the "v" ident.
func (p *parser) parseLookup() (node, error) {
	start := p.off
	if start >= len(p.src) || p.src[start] != '[' {
		return nil, p.errorf("expected '[' after v")
	}
	p.off++ // consume '['
	if p.off >= len(p.src) || (p.src[p.off] != '\'' && p.src[p.off] != '"') {
		return nil, p.errorf("expected quoted path in v[...]")
	}
	quote := p.src[p.off]
	p.off++
	pathStart := p.off
	for p.off < len(p.src) && p.src[p.off] != quote {
		p.off++
	}
	if p.off >= len(p.src) {
		return nil, p.errorf("unterminated path in v[...]")
	}
	path := p.src[pathStart:p.off]
	p.off++ // closing quote
	if p.off >= len(p.src) || p.src[p.off] != ']' {
		return nil, p.errorf("expected ']' after path")
	}
	p.off++
	p.next()
	return lookupNode{path: path}, nil
}
