// Package expr parses and evaluates consolidation rule formulas.
//
// A formula is an arithmetic expression over decimal numbers and identifiers
// declared by the caller, with the functions abs, min, max and round:
//
//	round(acct_4000 * 0.1 - abs(acct_5000), 2)
//
// Identifiers are checked at parse time so a saved rule cannot reference an
// account it does not declare.
package expr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrSyntax            = errors.New("expr: syntax error")
	ErrUnknownIdentifier = errors.New("expr: unknown identifier")
	ErrUnknownFunction   = errors.New("expr: unknown function")
	ErrArity             = errors.New("expr: wrong number of arguments")
	ErrDivisionByZero    = errors.New("expr: division by zero")
	ErrUnbound           = errors.New("expr: identifier has no value")
)

// divisionPrecision bounds the scale of quotients.
const divisionPrecision = 10

// Env binds identifiers to values during evaluation.
type Env map[string]decimal.Decimal

// Node is a formula AST node.
type Node interface {
	Eval(env Env) (decimal.Decimal, error)
	String() string
}

// Number is a literal.
type Number struct{ Value decimal.Decimal }

// Ident references a declared identifier.
type Ident struct{ Name string }

// Unary is a prefix minus or plus.
type Unary struct {
	Op      byte
	Operand Node
}

// Binary is an infix arithmetic operation.
type Binary struct {
	Op          byte
	Left, Right Node
}

// Call applies a built-in function.
type Call struct {
	Func string
	Args []Node
}

func (n Number) Eval(Env) (decimal.Decimal, error) { return n.Value, nil }
func (n Number) String() string                   { return n.Value.String() }

func (n Ident) Eval(env Env) (decimal.Decimal, error) {
	v, ok := env[n.Name]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnbound, n.Name)
	}
	return v, nil
}
func (n Ident) String() string { return n.Name }

func (n Unary) Eval(env Env) (decimal.Decimal, error) {
	v, err := n.Operand.Eval(env)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if n.Op == '-' {
		return v.Neg(), nil
	}
	return v, nil
}
func (n Unary) String() string { return "(" + string(n.Op) + n.Operand.String() + ")" }

func (n Binary) Eval(env Env) (decimal.Decimal, error) {
	l, err := n.Left.Eval(env)
	if err != nil {
		return decimal.Decimal{}, err
	}
	r, err := n.Right.Eval(env)
	if err != nil {
		return decimal.Decimal{}, err
	}
	switch n.Op {
	case '+':
		return l.Add(r), nil
	case '-':
		return l.Sub(r), nil
	case '*':
		return l.Mul(r), nil
	case '/':
		if r.IsZero() {
			return decimal.Decimal{}, ErrDivisionByZero
		}
		return l.DivRound(r, divisionPrecision), nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: operator %q", ErrSyntax, n.Op)
}
func (n Binary) String() string {
	return "(" + n.Left.String() + " " + string(n.Op) + " " + n.Right.String() + ")"
}

func (n Call) Eval(env Env) (decimal.Decimal, error) {
	args := make([]decimal.Decimal, len(n.Args))
	for i, a := range n.Args {
		v, err := a.Eval(env)
		if err != nil {
			return decimal.Decimal{}, err
		}
		args[i] = v
	}
	switch n.Func {
	case "abs":
		return args[0].Abs(), nil
	case "min":
		return decimal.Min(args[0], args[1:]...), nil
	case "max":
		return decimal.Max(args[0], args[1:]...), nil
	case "round":
		places := int32(2)
		if len(args) == 2 {
			places = int32(args[1].IntPart())
		}
		return args[0].Round(places), nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnknownFunction, n.Func)
}
func (n Call) String() string {
	parts := make([]string, len(n.Args))
	for i, a := range n.Args {
		parts[i] = a.String()
	}
	return n.Func + "(" + strings.Join(parts, ", ") + ")"
}

// arity lists min and max argument counts; max < 0 means variadic.
var arity = map[string][2]int{
	"abs":   {1, 1},
	"min":   {2, -1},
	"max":   {2, -1},
	"round": {1, 2},
}

// Expr is a parsed formula.
type Expr struct {
	Source string
	Root   Node
	idents []string
}

// Identifiers returns the distinct identifiers the formula references, sorted.
func (e *Expr) Identifiers() []string {
	return append([]string(nil), e.idents...)
}

// Eval evaluates the formula against env.
func (e *Expr) Eval(env Env) (decimal.Decimal, error) {
	return e.Root.Eval(env)
}

// Parse parses src. declared reports whether an identifier may be used; a nil
// func accepts every identifier.
func Parse(src string, declared func(name string) bool) (*Expr, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, declared: declared, seen: map[string]struct{}{}}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, tok.text, tok.pos)
	}
	idents := make([]string, 0, len(p.seen))
	for name := range p.seen {
		idents = append(idents, name)
	}
	sort.Strings(idents)
	return &Expr{Source: src, Root: root, idents: idents}, nil
}

// MustParse is Parse that panics; for fixed formulas in tests.
func MustParse(src string) *Expr {
	e, err := Parse(src, nil)
	if err != nil {
		panic(err)
	}
	return e
}
