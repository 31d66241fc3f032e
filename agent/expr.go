package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Condition expressions route conditional edges. The grammar is small and
// closed on purpose: graphs stay portable and an expression can never run
// host code.
//
//	expr    := or
//	or      := and ("or" and)*
//	and     := not ("and" not)*
//	not     := "not" not | cmp
//	cmp     := term (("=="|"!="|"<"|"<="|">"|">=") term)?
//	term    := literal | path | "(" expr ")"
//	path    := ident ("." ident | "." method "(" args? ")")*
//	literal := string | number | "true" | "false" | "null"
//
// Paths resolve against the evaluation context (output, error, plus named
// execution-scope keys). The only callable methods are lower, upper,
// contains and startswith.

type exprNode interface {
	eval(ctx map[string]any) (any, error)
}

// ParseCondition compiles a condition expression. Errors fail closed: the
// caller treats an unparseable expression as non-matching.
func ParseCondition(src string) (*Condition, error) {
	toks, err := lexExpr(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("unexpected token %q", p.peek().text)
	}
	return &Condition{src: src, root: root}, nil
}

// Condition is a compiled edge expression.
type Condition struct {
	src  string
	root exprNode
}

// Evaluate runs the expression against ctx and coerces the result to bool.
// Non-bool results follow truthiness: empty string, zero and nil are false.
func (c *Condition) Evaluate(ctx map[string]any) (bool, error) {
	v, err := c.root.eval(ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func (c *Condition) String() string { return c.src }

// lexer

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokDot
	tokComma
)

type exprToken struct {
	kind tokKind
	text string
}

func lexExpr(src string) ([]exprToken, error) {
	var toks []exprToken
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '(':
			toks = append(toks, exprToken{tokLParen, "("})
			i++
		case ch == ')':
			toks = append(toks, exprToken{tokRParen, ")"})
			i++
		case ch == '.':
			toks = append(toks, exprToken{tokDot, "."})
			i++
		case ch == ',':
			toks = append(toks, exprToken{tokComma, ","})
			i++
		case ch == '\'' || ch == '"':
			quote := ch
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, exprToken{tokString, src[i+1 : j]})
			i = j + 1
		case ch == '=' || ch == '!' || ch == '<' || ch == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, exprToken{tokOp, src[i : i+2]})
				i += 2
			} else if ch == '<' || ch == '>' {
				toks = append(toks, exprToken{tokOp, string(ch)})
				i++
			} else {
				return nil, fmt.Errorf("unexpected character %q at offset %d", ch, i)
			}
		case ch >= '0' && ch <= '9' || ch == '-':
			j := i + 1
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, exprToken{tokNumber, src[i:j]})
			i = j
		case unicode.IsLetter(rune(ch)) || ch == '_':
			j := i + 1
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			toks = append(toks, exprToken{tokIdent, src[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", ch, i)
		}
	}
	return toks, nil
}

// parser

type exprParser struct {
	toks []exprToken
	pos  int
}

func (p *exprParser) atEnd() bool        { return p.pos >= len(p.toks) }
func (p *exprParser) peek() exprToken    { return p.toks[p.pos] }
func (p *exprParser) advance() exprToken { t := p.toks[p.pos]; p.pos++; return t }

func (p *exprParser) matchIdent(word string) bool {
	if !p.atEnd() && p.peek().kind == tokIdent && p.peek().text == word {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.matchIdent("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &boolOp{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.matchIdent("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &boolOp{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseNot() (exprNode, error) {
	if p.matchIdent("not") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notOp{inner: inner}, nil
	}
	return p.parseCmp()
}

func (p *exprParser) parseCmp() (exprNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() && p.peek().kind == tokOp {
		op := p.advance().text
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return &cmpOp{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *exprParser) parseTerm() (exprNode, error) {
	if p.atEnd() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch tok := p.peek(); tok.kind {
	case tokLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.atEnd() || p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.advance()
		return inner, nil
	case tokString:
		p.advance()
		return &literal{value: tok.text}, nil
	case tokNumber:
		p.advance()
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", tok.text)
		}
		return &literal{value: f}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			p.advance()
			return &literal{value: true}, nil
		case "false":
			p.advance()
			return &literal{value: false}, nil
		case "null", "none":
			p.advance()
			return &literal{value: nil}, nil
		}
		return p.parsePath()
	default:
		return nil, fmt.Errorf("unexpected token %q", tok.text)
	}
}

var allowedMethods = map[string]int{
	"lower":      0,
	"upper":      0,
	"contains":   1,
	"startswith": 1,
}

func (p *exprParser) parsePath() (exprNode, error) {
	root := p.advance().text
	node := exprNode(&pathRef{segments: []string{root}})

	for !p.atEnd() && p.peek().kind == tokDot {
		p.advance()
		if p.atEnd() || p.peek().kind != tokIdent {
			return nil, fmt.Errorf("expected identifier after '.'")
		}
		name := p.advance().text

		// A following '(' makes this a method call, otherwise a field.
		if !p.atEnd() && p.peek().kind == tokLParen {
			argc, ok := allowedMethods[name]
			if !ok {
				return nil, fmt.Errorf("method %q is not allowed", name)
			}
			p.advance()
			var args []exprNode
			for p.atEnd() || p.peek().kind != tokRParen {
				arg, err := p.parseTerm()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if !p.atEnd() && p.peek().kind == tokComma {
					p.advance()
				}
			}
			if p.atEnd() {
				return nil, fmt.Errorf("missing closing parenthesis in %s()", name)
			}
			p.advance()
			if len(args) != argc {
				return nil, fmt.Errorf("method %s expects %d argument(s)", name, argc)
			}
			node = &methodCall{recv: node, name: name, args: args}
			continue
		}

		if ref, ok := node.(*pathRef); ok {
			ref.segments = append(ref.segments, name)
		} else {
			return nil, fmt.Errorf("field access after method call is not allowed")
		}
	}
	return node, nil
}

// AST nodes

type literal struct{ value any }

func (l *literal) eval(map[string]any) (any, error) { return l.value, nil }

type pathRef struct{ segments []string }

func (r *pathRef) eval(ctx map[string]any) (any, error) {
	var cur any = ctx
	for i, seg := range r.segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s is not a record", strings.Join(r.segments[:i], "."))
		}
		cur, ok = m[seg]
		if !ok {
			return nil, nil
		}
	}
	return cur, nil
}

type boolOp struct {
	op          string
	left, right exprNode
}

func (b *boolOp) eval(ctx map[string]any) (any, error) {
	lv, err := b.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	// Short circuit.
	if b.op == "and" && !truthy(lv) {
		return false, nil
	}
	if b.op == "or" && truthy(lv) {
		return true, nil
	}
	rv, err := b.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return truthy(rv), nil
}

type notOp struct{ inner exprNode }

func (n *notOp) eval(ctx map[string]any) (any, error) {
	v, err := n.inner.eval(ctx)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type cmpOp struct {
	op          string
	left, right exprNode
}

func (c *cmpOp) eval(ctx map[string]any) (any, error) {
	lv, err := c.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	rv, err := c.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch c.op {
	case "==":
		return looseEqual(lv, rv), nil
	case "!=":
		return !looseEqual(lv, rv), nil
	}

	lf, lok := asNumber(lv)
	rf, rok := asNumber(rv)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %q requires numeric operands", c.op)
	}
	switch c.op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("unknown operator %q", c.op)
}

type methodCall struct {
	recv exprNode
	name string
	args []exprNode
}

func (m *methodCall) eval(ctx map[string]any) (any, error) {
	rv, err := m.recv.eval(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := rv.(string)
	if !ok {
		if rv == nil {
			s = ""
		} else {
			return nil, fmt.Errorf("method %s requires a string receiver", m.name)
		}
	}

	argStr := func(i int) (string, error) {
		av, err := m.args[i].eval(ctx)
		if err != nil {
			return "", err
		}
		as, ok := av.(string)
		if !ok {
			return "", fmt.Errorf("method %s requires a string argument", m.name)
		}
		return as, nil
	}

	switch m.name {
	case "lower":
		return strings.ToLower(s), nil
	case "upper":
		return strings.ToUpper(s), nil
	case "contains":
		a, err := argStr(0)
		if err != nil {
			return nil, err
		}
		return strings.Contains(s, a), nil
	case "startswith":
		a, err := argStr(0)
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(s, a), nil
	}
	return nil, fmt.Errorf("method %q is not allowed", m.name)
}

// helpers

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	default:
		if f, ok := asNumber(v); ok {
			return f != 0
		}
		return true
	}
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// looseEqual compares across the JSON value kinds without panicking on
// non-comparable types.
func looseEqual(a, b any) bool {
	if af, aok := asNumber(a); aok {
		if bf, bok := asNumber(b); bok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}
