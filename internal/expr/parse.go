// Package expr evaluates the condition language used by decision nodes.
//
// An expression is a flat list of comparisons joined by AND/OR:
//
//	status === 'approved' AND customFields.severity >= 3 OR priority === 'high'
//
// Connectors associate strictly left to right with no precedence, so
// A AND B OR C is ((A AND B) OR C). This is the form the graph editor emits.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ExpressionError reports a malformed or unresolvable condition.
type ExpressionError struct {
	Expr   string
	Pos    int
	Reason string
}

func (e *ExpressionError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("expression %q at %d: %s", e.Expr, e.Pos, e.Reason)
	}
	return fmt.Sprintf("expression %q: %s", e.Expr, e.Reason)
}

type Op string

const (
	OpEq  Op = "==="
	OpNeq Op = "!=="
	OpGt  Op = ">"
	OpLt  Op = "<"
	OpGte Op = ">="
	OpLte Op = "<="
)

func (o Op) ordering() bool { return o == OpGt || o == OpLt || o == OpGte || o == OpLte }

type Connector string

const (
	And Connector = "AND"
	Or  Connector = "OR"
)

type LiteralKind int

const (
	LitString LiteralKind = iota
	LitNumber
	LitBool
	LitUndefined
	LitNull
)

type Literal struct {
	Kind LiteralKind
	Str  string
	Num  float64
	Bool bool
}

func (l Literal) String() string {
	switch l.Kind {
	case LitString:
		return strconv.Quote(l.Str)
	case LitNumber:
		return strconv.FormatFloat(l.Num, 'g', -1, 64)
	case LitBool:
		return strconv.FormatBool(l.Bool)
	case LitNull:
		return "null"
	}
	return "undefined"
}

// Term is one `<field> <op> <value>` comparison.
type Term struct {
	Field string
	Op    Op
	Value Literal
	Pos   int
}

// Program is a compiled expression: Terms[i+1] joins the accumulated result
// through Connectors[i].
type Program struct {
	Source     string
	Terms      []Term
	Connectors []Connector
}

// Fields returns the field references in order of appearance.
func (p *Program) Fields() []string {
	out := make([]string, 0, len(p.Terms))
	for _, t := range p.Terms {
		out = append(out, t.Field)
	}
	return out
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp
	tokConnector
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// Compile parses src into a Program.
func Compile(src string) (*Program, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, &ExpressionError{Expr: src, Pos: -1, Reason: "empty expression"}
	}
	p := &Program{Source: src}
	i := 0
	for {
		term, next, err := parseTerm(src, toks, i)
		if err != nil {
			return nil, err
		}
		p.Terms = append(p.Terms, term)
		i = next
		if i == len(toks) {
			return p, nil
		}
		if toks[i].kind != tokConnector {
			return nil, &ExpressionError{Expr: src, Pos: toks[i].pos, Reason: fmt.Sprintf("expected AND/OR, found %q", toks[i].text)}
		}
		p.Connectors = append(p.Connectors, Connector(toks[i].text))
		i++
		if i == len(toks) {
			return nil, &ExpressionError{Expr: src, Pos: len(src), Reason: "dangling connector"}
		}
	}
}

func parseTerm(src string, toks []token, i int) (Term, int, error) {
	if i+2 >= len(toks) {
		return Term{}, 0, &ExpressionError{Expr: src, Pos: toks[i].pos, Reason: "incomplete comparison, expected <field> <op> <value>"}
	}
	field, op, val := toks[i], toks[i+1], toks[i+2]
	if field.kind != tokIdent || isKeyword(field.text) {
		return Term{}, 0, &ExpressionError{Expr: src, Pos: field.pos, Reason: fmt.Sprintf("expected field name, found %q", field.text)}
	}
	if op.kind != tokOp {
		return Term{}, 0, &ExpressionError{Expr: src, Pos: op.pos, Reason: fmt.Sprintf("expected comparison operator, found %q", op.text)}
	}
	lit, err := parseLiteral(src, val)
	if err != nil {
		return Term{}, 0, err
	}
	return Term{Field: field.text, Op: Op(op.text), Value: lit, Pos: field.pos}, i + 3, nil
}

func isKeyword(s string) bool {
	switch s {
	case "true", "false", "undefined", "null":
		return true
	}
	return false
}

func parseLiteral(src string, t token) (Literal, error) {
	switch t.kind {
	case tokString:
		return Literal{Kind: LitString, Str: t.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return Literal{}, &ExpressionError{Expr: src, Pos: t.pos, Reason: fmt.Sprintf("invalid number %q", t.text)}
		}
		return Literal{Kind: LitNumber, Num: f}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return Literal{Kind: LitBool, Bool: true}, nil
		case "false":
			return Literal{Kind: LitBool, Bool: false}, nil
		case "undefined":
			return Literal{Kind: LitUndefined}, nil
		case "null":
			return Literal{Kind: LitNull}, nil
		}
	}
	return Literal{}, &ExpressionError{Expr: src, Pos: t.pos, Reason: fmt.Sprintf("expected literal value, found %q", t.text)}
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'' || c == '"':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(src) {
				if src[i] == '\\' && i+1 < len(src) {
					sb.WriteByte(src[i+1])
					i += 2
					continue
				}
				if src[i] == c {
					closed = true
					i++
					break
				}
				sb.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, &ExpressionError{Expr: src, Pos: start, Reason: "unterminated string literal"}
			}
			toks = append(toks, token{kind: tokString, text: sb.String(), pos: start})
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})
		case isIdentStart(runeAt(src, i)):
			start := i
			for i < len(src) {
				r, size := utf8.DecodeRuneInString(src[i:])
				if !isIdentPart(r) {
					break
				}
				i += size
			}
			word := src[start:i]
			if word == "AND" || word == "OR" {
				toks = append(toks, token{kind: tokConnector, text: word, pos: start})
			} else {
				toks = append(toks, token{kind: tokIdent, text: word, pos: start})
			}
		case c == '&' || c == '|':
			if i+1 < len(src) && src[i+1] == c {
				conn := And
				if c == '|' {
					conn = Or
				}
				toks = append(toks, token{kind: tokConnector, text: string(conn), pos: i})
				i += 2
				continue
			}
			return nil, &ExpressionError{Expr: src, Pos: i, Reason: fmt.Sprintf("unexpected character %q", c)}
		case c == '=' || c == '!' || c == '<' || c == '>':
			op, n := scanOp(src[i:])
			if n == 0 {
				return nil, &ExpressionError{Expr: src, Pos: i, Reason: fmt.Sprintf("unknown operator near %q", src[i:min(i+3, len(src))])}
			}
			toks = append(toks, token{kind: tokOp, text: string(op), pos: i})
			i += n
		default:
			return nil, &ExpressionError{Expr: src, Pos: i, Reason: fmt.Sprintf("unexpected character %q", runeAt(src, i))}
		}
	}
	return toks, nil
}

// scanOp reads the longest operator prefix. == and != are accepted as
// aliases of === and !==.
func scanOp(s string) (Op, int) {
	switch {
	case strings.HasPrefix(s, "==="):
		return OpEq, 3
	case strings.HasPrefix(s, "!=="):
		return OpNeq, 3
	case strings.HasPrefix(s, "=="):
		return OpEq, 2
	case strings.HasPrefix(s, "!="):
		return OpNeq, 2
	case strings.HasPrefix(s, ">="):
		return OpGte, 2
	case strings.HasPrefix(s, "<="):
		return OpLte, 2
	case strings.HasPrefix(s, ">"):
		return OpGt, 1
	case strings.HasPrefix(s, "<"):
		return OpLt, 1
	}
	return "", 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func runeAt(src string, i int) rune {
	r, _ := utf8.DecodeRuneInString(src[i:])
	return r
}

func isIdentStart(r rune) bool { return r == '_' || r == '$' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return isIdentStart(r) || unicode.IsDigit(r) || r == '.' }
