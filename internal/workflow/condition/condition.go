// Package condition implements the restricted boolean expression language
// used by workflow transition conditions. Expressions are evaluated against
// an issue attribute bag and support comparisons, and/or/not, membership
// tests and the builtins len() and today(). There is no general evaluation
// mechanism: the grammar below is all there is.
//
//	expr       = or
//	or         = and { "or" and }
//	and        = not { "and" not }
//	not        = "not" not | comparison
//	comparison = term [ ( "==" | "!=" | "<" | "<=" | ">" | ">=" ) term
//	                  | [ "not" ] "in" term ]
//	term       = NUMBER | STRING | "null" | "true" | "false"
//	           | IDENT | IDENT "(" [ expr { "," expr } ] ")"
//	           | "[" [ term { "," term } ] "]" | "(" expr ")"
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a parsed condition, safe for concurrent evaluation.
type Expr struct {
	src  string
	root node
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.src }

// Parse compiles a condition. Empty or blank input yields an expression
// that always evaluates to true.
func Parse(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return &Expr{src: src}, nil
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.atEOF() {
		return nil, fmt.Errorf("condition: unexpected %q", p.peek().text)
	}
	return &Expr{src: src, root: root}, nil
}

// --- AST ---

type node interface{}

type binaryNode struct {
	op          string
	left, right node
}

type notNode struct {
	operand node
}

type literalNode struct {
	value any
}

type attrNode struct {
	name string
}

type callNode struct {
	fn   string
	args []node
}

type listNode struct {
	items []node
}

// --- lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(' || c == ')' || c == '[' || c == ']' || c == ',':
			toks = append(toks, token{tokPunct, string(c)})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			op := string(c)
			if i+1 < len(runes) && runes[i+1] == '=' {
				op += "="
				i++
			}
			i++
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("condition: invalid operator %q (use == or !=)", op)
			}
			toks = append(toks, token{tokOp, op})
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < len(runes) && runes[j] != quote {
				if runes[j] == '\\' && j+1 < len(runes) {
					j++
				}
				sb.WriteRune(runes[j])
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("condition: unterminated string")
			}
			toks = append(toks, token{tokString, sb.String()})
			i = j + 1
		case unicode.IsDigit(c) || (c == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			text := string(runes[i:j])
			if _, err := strconv.ParseFloat(text, 64); err != nil {
				return nil, fmt.Errorf("condition: invalid number %q", text)
			}
			toks = append(toks, token{tokNumber, text})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}
			toks = append(toks, token{tokIdent, string(runes[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("condition: unexpected character %q", string(c))
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

// --- parser ---

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) atEOF() bool { return p.peek().kind == tokEOF }

func (p *parser) acceptIdent(word string) bool {
	if t := p.peek(); t.kind == tokIdent && t.text == word {
		p.pos++
		return true
	}
	return false
}

func (p *parser) acceptPunct(s string) bool {
	if t := p.peek(); t.kind == tokPunct && t.text == s {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectPunct(s string) error {
	if !p.acceptPunct(s) {
		return fmt.Errorf("condition: expected %q, got %q", s, p.peek().text)
	}
	return nil
}

func (p *parser) parseExpr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptIdent("or") {
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
	for p.acceptIdent("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.acceptIdent("not") {
		// "not in" never reaches here: parseComparison consumes it.
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokOp {
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: t.text, left: left, right: right}, nil
	}
	if p.acceptIdent("in") {
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: "in", left: left, right: right}, nil
	}
	if t := p.peek(); t.kind == tokIdent && t.text == "not" && p.toks[p.pos+1].kind == tokIdent && p.toks[p.pos+1].text == "in" {
		p.pos += 2
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return notNode{operand: binaryNode{op: "in", left: left, right: right}}, nil
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	t := p.peek()
	switch {
	case t.kind == tokNumber:
		p.next()
		f, _ := strconv.ParseFloat(t.text, 64)
		return literalNode{value: f}, nil
	case t.kind == tokString:
		p.next()
		return literalNode{value: t.text}, nil
	case p.acceptPunct("("):
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return inner, nil
	case p.acceptPunct("["):
		var items []node
		if !p.acceptPunct("]") {
			for {
				item, err := p.parseTerm()
				if err != nil {
					return nil, err
				}
				items = append(items, item)
				if p.acceptPunct("]") {
					break
				}
				if err := p.expectPunct(","); err != nil {
					return nil, err
				}
			}
		}
		return listNode{items: items}, nil
	case t.kind == tokIdent:
		p.next()
		switch t.text {
		case "null":
			return literalNode{value: nil}, nil
		case "true":
			return literalNode{value: true}, nil
		case "false":
			return literalNode{value: false}, nil
		case "and", "or", "not", "in":
			return nil, fmt.Errorf("condition: unexpected keyword %q", t.text)
		}
		if p.acceptPunct("(") {
			if t.text != "len" && t.text != "today" {
				return nil, fmt.Errorf("condition: unknown function %q", t.text)
			}
			var args []node
			if !p.acceptPunct(")") {
				for {
					arg, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.acceptPunct(")") {
						break
					}
					if err := p.expectPunct(","); err != nil {
						return nil, err
					}
				}
			}
			return callNode{fn: t.text, args: args}, nil
		}
		return attrNode{name: t.text}, nil
	default:
		return nil, fmt.Errorf("condition: unexpected %q", t.text)
	}
}
