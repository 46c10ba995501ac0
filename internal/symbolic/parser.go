package symbolic

import (
	"fmt"
	"strconv"
	"unicode"
)

// The input grammar is the fixed infix form used by problem documents:
// identifiers, numeric literals, + - * / ^, parentheses, unary minus,
// named calls NAME(expr), the derivative form diff(x(t), t), and the
// relational operators == <= >= < > (plus a single = in equations).

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNum
	tokIdent
	tokOp    // + - * / ^
	tokRel   // == <= >= < > =
	tokLPar
	tokRPar
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		switch {
		case ch == ' ' || ch == '\t':
			l.pos++
		case ch >= '0' && ch <= '9' || ch == '.':
			start := l.pos
			for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.' ||
				l.src[l.pos] == 'e' || l.src[l.pos] == 'E' ||
				((l.src[l.pos] == '+' || l.src[l.pos] == '-') && l.pos > start &&
					(l.src[l.pos-1] == 'e' || l.src[l.pos-1] == 'E'))) {
				l.pos++
			}
			l.emit(tokNum, l.src[start:l.pos], start)
		case isIdentStart(rune(ch)):
			start := l.pos
			for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
				l.pos++
			}
			l.emit(tokIdent, l.src[start:l.pos], start)
		case ch == '+' || ch == '-' || ch == '*' || ch == '/' || ch == '^':
			l.emit(tokOp, string(ch), l.pos)
			l.pos++
		case ch == '(':
			l.emit(tokLPar, "(", l.pos)
			l.pos++
		case ch == ')':
			l.emit(tokRPar, ")", l.pos)
			l.pos++
		case ch == ',':
			l.emit(tokComma, ",", l.pos)
			l.pos++
		case ch == '=' || ch == '<' || ch == '>':
			start := l.pos
			l.pos++
			if l.pos < len(l.src) && l.src[l.pos] == '=' {
				l.pos++
			}
			l.emit(tokRel, l.src[start:l.pos], start)
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", ch, l.pos)
		}
	}
	l.emit(tokEOF, "", l.pos)
	return l.toks, nil
}

func (l *lexer) emit(k tokenKind, text string, pos int) {
	l.toks = append(l.toks, token{kind: k, text: text, pos: pos})
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isIdentStart(r rune) bool { return unicode.IsLetter(r) || r == '_' }

func isIdentPart(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' }

type parser struct {
	toks []token
	pos  int
	src  string
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errf(t token, format string, args ...any) error {
	return fmt.Errorf("%s at %d in %q", fmt.Sprintf(format, args...), t.pos, p.src)
}

// ParseExpr parses a single expression.
func ParseExpr(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("%v in %q", err, src)
	}
	p := &parser{toks: toks, src: src}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errf(t, "trailing input %q", t.text)
	}
	return e, nil
}

// ParseRelation parses "expr OP expr" where OP is one of == <= >= < >.
func ParseRelation(src string) (Relation, error) {
	rel, hasOp, err := parseMaybeRelation(src)
	if err != nil {
		return Relation{}, err
	}
	if !hasOp {
		return Relation{}, fmt.Errorf("missing relational operator in %q", src)
	}
	return rel, nil
}

// ParseEquation parses an equation: either "lhs = rhs" (single = accepted,
// matching the document grammar) or a bare expression meaning expr = 0.
func ParseEquation(src string) (Relation, error) {
	rel, hasOp, err := parseMaybeRelation(src)
	if err != nil {
		return Relation{}, err
	}
	if !hasOp {
		return Relation{Op: RelEq, L: rel.L, R: Const{Value: 0}}, nil
	}
	if rel.Op != RelEq {
		return Relation{}, fmt.Errorf("equation must use = or ==, got %s in %q", rel.Op, src)
	}
	return rel, nil
}

func parseMaybeRelation(src string) (Relation, bool, error) {
	toks, err := lex(src)
	if err != nil {
		return Relation{}, false, fmt.Errorf("%v in %q", err, src)
	}
	p := &parser{toks: toks, src: src}
	l, err := p.expr()
	if err != nil {
		return Relation{}, false, err
	}
	t := p.peek()
	if t.kind == tokEOF {
		return Relation{L: l}, false, nil
	}
	if t.kind != tokRel {
		return Relation{}, false, p.errf(t, "unexpected %q", t.text)
	}
	p.next()
	var op RelOp
	switch t.text {
	case "=", "==":
		op = RelEq
	case "<=":
		op = RelLe
	case ">=":
		op = RelGe
	case "<":
		op = RelLt
	case ">":
		op = RelGt
	}
	r, err := p.expr()
	if err != nil {
		return Relation{}, false, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return Relation{}, false, p.errf(t, "trailing input %q", t.text)
	}
	return Relation{Op: op, L: l, R: r}, true, nil
}

func (p *parser) expr() (Expr, error) {
	l, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return l, nil
		}
		p.next()
		r, err := p.term()
		if err != nil {
			return nil, err
		}
		op := OpAdd
		if t.text == "-" {
			op = OpSub
		}
		l = Binary{Op: op, L: l, R: r}
	}
}

func (p *parser) term() (Expr, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/") {
			return l, nil
		}
		p.next()
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		op := OpMul
		if t.text == "/" {
			op = OpDiv
		}
		l = Binary{Op: op, L: l, R: r}
	}
}

func (p *parser) unary() (Expr, error) {
	t := p.peek()
	if t.kind == tokOp && t.text == "-" {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return Neg{X: x}, nil
	}
	if t.kind == tokOp && t.text == "+" {
		p.next()
		return p.unary()
	}
	return p.power()
}

func (p *parser) power() (Expr, error) {
	base, err := p.primary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp && t.text == "^" {
		p.next()
		// right associative
		exp, err := p.unary()
		if err != nil {
			return nil, err
		}
		return Binary{Op: OpPow, L: base, R: exp}, nil
	}
	return base, nil
}

func (p *parser) primary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errf(t, "bad number %q", t.text)
		}
		return Const{Value: v}, nil
	case tokLPar:
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		if cl := p.next(); cl.kind != tokRPar {
			return nil, p.errf(cl, "expected ')'")
		}
		return e, nil
	case tokIdent:
		if p.peek().kind != tokLPar {
			return Ref{Name: t.text}, nil
		}
		p.next() // (
		if t.text == "diff" {
			return p.derivative(t)
		}
		arg, err := p.expr()
		if err != nil {
			return nil, err
		}
		if cl := p.next(); cl.kind != tokRPar {
			return nil, p.errf(cl, "expected ')' after call argument")
		}
		return Call{Name: t.text, Arg: arg}, nil
	default:
		return nil, p.errf(t, "unexpected %q", t.text)
	}
}

// derivative parses the remainder of diff(x(t), t) with the opening
// paren already consumed.
func (p *parser) derivative(at token) (Expr, error) {
	name := p.next()
	if name.kind != tokIdent {
		return nil, p.errf(name, "diff expects a state function")
	}
	malformed := func() error {
		return p.errf(at, "malformed derivative, want diff(%s(t), t)", name.text)
	}
	if t := p.next(); t.kind != tokLPar {
		return nil, malformed()
	}
	if t := p.next(); t.kind != tokIdent || t.text != "t" {
		return nil, malformed()
	}
	if t := p.next(); t.kind != tokRPar {
		return nil, malformed()
	}
	if t := p.next(); t.kind != tokComma {
		return nil, malformed()
	}
	if t := p.next(); t.kind != tokIdent || t.text != "t" {
		return nil, malformed()
	}
	if t := p.next(); t.kind != tokRPar {
		return nil, malformed()
	}
	return Deriv{State: name.text}, nil
}
