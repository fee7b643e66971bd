package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// FHIRPathEngine evaluates FHIRPath expressions against FHIR resources
// represented as map[string]interface{}. It implements the navigation subset
// of the FHIRPath specification needed for patient-compartment extraction:
// dotted field access, a resource-type head, indexing, union, where() with
// equality predicates, and the exists/first/count collection functions.
type FHIRPathEngine struct{}

// NewFHIRPathEngine creates a new FHIRPath evaluation engine.
func NewFHIRPathEngine() *FHIRPathEngine {
	return &FHIRPathEngine{}
}

// Evaluate evaluates a FHIRPath expression against a resource and returns
// the result collection. An empty collection is returned when the path
// resolves to nothing.
func (e *FHIRPathEngine) Evaluate(resource map[string]interface{}, expression string) ([]interface{}, error) {
	if resource == nil {
		return []interface{}{}, nil
	}
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}

	tokens, err := fpTokenize(expression)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: tokenize: %w", err)
	}
	p := &fpParser{tokens: tokens}
	ast, err := p.parseUnion()
	if err != nil {
		return nil, fmt.Errorf("fhirpath: parse: %w", err)
	}
	if p.peek().kind != fpEOF {
		return nil, fmt.Errorf("fhirpath: unexpected token %q", p.peek().value)
	}

	ctx := &fpEval{resource: resource}
	return ctx.eval(ast, []interface{}{resource})
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

type fpTokenKind int

const (
	fpIdent fpTokenKind = iota
	fpString
	fpNumber
	fpDot
	fpLParen
	fpRParen
	fpLBrack
	fpRBrack
	fpComma
	fpPipe
	fpEq
	fpNe
	fpEOF
)

type fpToken struct {
	kind  fpTokenKind
	value string
}

func fpTokenize(input string) ([]fpToken, error) {
	var tokens []fpToken
	i, n := 0, len(input)
	for i < n {
		ch := input[i]
		switch {
		case ch == ' ' || ch == '\t':
			i++
		case ch == '.':
			tokens = append(tokens, fpToken{fpDot, "."})
			i++
		case ch == '(':
			tokens = append(tokens, fpToken{fpLParen, "("})
			i++
		case ch == ')':
			tokens = append(tokens, fpToken{fpRParen, ")"})
			i++
		case ch == '[':
			tokens = append(tokens, fpToken{fpLBrack, "["})
			i++
		case ch == ']':
			tokens = append(tokens, fpToken{fpRBrack, "]"})
			i++
		case ch == ',':
			tokens = append(tokens, fpToken{fpComma, ","})
			i++
		case ch == '|':
			tokens = append(tokens, fpToken{fpPipe, "|"})
			i++
		case ch == '=':
			tokens = append(tokens, fpToken{fpEq, "="})
			i++
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, fpToken{fpNe, "!="})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected character '!' at %d", i)
			}
		case ch == '\'':
			i++
			j := i
			for j < n && input[j] != '\'' {
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("unterminated string at %d", i-1)
			}
			tokens = append(tokens, fpToken{fpString, input[i:j]})
			i = j + 1
		case ch >= '0' && ch <= '9':
			j := i
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			tokens = append(tokens, fpToken{fpNumber, input[i:j]})
			i = j
		case ch == '_' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && (input[j] == '_' || unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			tokens = append(tokens, fpToken{fpIdent, input[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", string(ch), i)
		}
	}
	tokens = append(tokens, fpToken{fpEOF, ""})
	return tokens, nil
}

// ---------------------------------------------------------------------------
// AST and parser
// ---------------------------------------------------------------------------

type fpNodeKind int

const (
	fpNdPath fpNodeKind = iota
	fpNdLiteral
	fpNdDot
	fpNdIndex
	fpNdFunction
	fpNdUnion
	fpNdCompare
)

type fpNode struct {
	kind     fpNodeKind
	value    interface{}
	children []*fpNode
}

type fpParser struct {
	tokens []fpToken
	pos    int
}

func (p *fpParser) peek() fpToken {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return fpToken{kind: fpEOF}
}

func (p *fpParser) advance() fpToken {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *fpParser) expect(kind fpTokenKind) (fpToken, error) {
	t := p.advance()
	if t.kind != kind {
		return t, fmt.Errorf("unexpected token %q", t.value)
	}
	return t, nil
}

func (p *fpParser) parseUnion() (*fpNode, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == fpPipe {
		p.advance()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = &fpNode{kind: fpNdUnion, children: []*fpNode{left, right}}
	}
	return left, nil
}

func (p *fpParser) parseCompare() (*fpNode, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	if k := p.peek().kind; k == fpEq || k == fpNe {
		op := p.advance().value
		right, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}
		return &fpNode{kind: fpNdCompare, value: op, children: []*fpNode{left, right}}, nil
	}
	return left, nil
}

func (p *fpParser) parsePostfix() (*fpNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case fpDot:
			p.advance()
			ident, err := p.expect(fpIdent)
			if err != nil {
				return nil, err
			}
			if p.peek().kind == fpLParen {
				p.advance()
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				if _, err := p.expect(fpRParen); err != nil {
					return nil, err
				}
				node = &fpNode{kind: fpNdFunction, value: ident.value, children: append([]*fpNode{node}, args...)}
			} else {
				field := &fpNode{kind: fpNdPath, value: ident.value}
				node = &fpNode{kind: fpNdDot, children: []*fpNode{node, field}}
			}
		case fpLBrack:
			p.advance()
			idxTok, err := p.expect(fpNumber)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(fpRBrack); err != nil {
				return nil, err
			}
			idx, _ := strconv.Atoi(idxTok.value)
			node = &fpNode{kind: fpNdIndex, value: idx, children: []*fpNode{node}}
		default:
			return node, nil
		}
	}
}

func (p *fpParser) parsePrimary() (*fpNode, error) {
	tok := p.advance()
	switch tok.kind {
	case fpIdent:
		return &fpNode{kind: fpNdPath, value: tok.value}, nil
	case fpString:
		return &fpNode{kind: fpNdLiteral, value: tok.value}, nil
	case fpNumber:
		i, _ := strconv.Atoi(tok.value)
		return &fpNode{kind: fpNdLiteral, value: i}, nil
	case fpLParen:
		inner, err := p.parseUnion()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(fpRParen); err != nil {
			return nil, err
		}
		return inner, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", tok.value)
	}
}

func (p *fpParser) parseArgs() ([]*fpNode, error) {
	var args []*fpNode
	if p.peek().kind == fpRParen {
		return args, nil
	}
	for {
		arg, err := p.parseUnion()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != fpComma {
			return args, nil
		}
		p.advance()
	}
}

// ---------------------------------------------------------------------------
// Evaluator
// ---------------------------------------------------------------------------

type fpEval struct {
	resource map[string]interface{}
}

func (ctx *fpEval) eval(node *fpNode, input []interface{}) ([]interface{}, error) {
	switch node.kind {
	case fpNdLiteral:
		return []interface{}{node.value}, nil

	case fpNdPath:
		name := node.value.(string)
		// A leading resource-type name matches the root resource only.
		if isResourceTypeSegment(name) {
			rt, _ := ctx.resource["resourceType"].(string)
			if rt == name {
				return []interface{}{ctx.resource}, nil
			}
			// Fall through to field navigation for uppercase field names
			// inside predicates; FHIR field names are lowercase so this
			// only matters at the root.
			if len(input) == 1 {
				if m, ok := input[0].(map[string]interface{}); ok && m["resourceType"] != nil {
					return []interface{}{}, nil
				}
			}
		}
		var result []interface{}
		for _, item := range input {
			result = append(result, fpNavigate(item, name)...)
		}
		return result, nil

	case fpNdDot:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		return ctx.eval(node.children[1], left)

	case fpNdIndex:
		coll, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		idx := node.value.(int)
		if idx < 0 || idx >= len(coll) {
			return []interface{}{}, nil
		}
		return []interface{}{coll[idx]}, nil

	case fpNdUnion:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		right, err := ctx.eval(node.children[1], input)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool)
		var result []interface{}
		for _, v := range append(left, right...) {
			key := fmt.Sprintf("%v", v)
			if !seen[key] {
				seen[key] = true
				result = append(result, v)
			}
		}
		return result, nil

	case fpNdCompare:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		right, err := ctx.eval(node.children[1], input)
		if err != nil {
			return nil, err
		}
		if len(left) == 0 || len(right) == 0 {
			return []interface{}{}, nil
		}
		eq := fmt.Sprintf("%v", left[0]) == fmt.Sprintf("%v", right[0])
		if node.value.(string) == "!=" {
			eq = !eq
		}
		return []interface{}{eq}, nil

	case fpNdFunction:
		return ctx.evalFunction(node, input)

	default:
		return nil, fmt.Errorf("unknown node kind %d", node.kind)
	}
}

func (ctx *fpEval) evalFunction(node *fpNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)
	receiver, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	args := node.children[1:]

	switch name {
	case "where":
		if len(args) == 0 {
			return receiver, nil
		}
		var result []interface{}
		for _, item := range receiver {
			val, err := ctx.eval(args[0], []interface{}{item})
			if err != nil {
				return nil, err
			}
			if fpTruthy(val) {
				result = append(result, item)
			}
		}
		return result, nil
	case "exists":
		if len(args) == 0 {
			return []interface{}{len(receiver) > 0}, nil
		}
		for _, item := range receiver {
			val, err := ctx.eval(args[0], []interface{}{item})
			if err != nil {
				return nil, err
			}
			if fpTruthy(val) {
				return []interface{}{true}, nil
			}
		}
		return []interface{}{false}, nil
	case "first":
		if len(receiver) == 0 {
			return []interface{}{}, nil
		}
		return receiver[:1], nil
	case "count":
		return []interface{}{len(receiver)}, nil
	case "empty":
		return []interface{}{len(receiver) == 0}, nil
	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

// fpNavigate extracts a named field from a value, flattening arrays.
func fpNavigate(item interface{}, field string) []interface{} {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil
	}
	val, ok := m[field]
	if !ok {
		return nil
	}
	if arr, isArr := val.([]interface{}); isArr {
		return arr
	}
	return []interface{}{val}
}

// fpTruthy converts a collection to a boolean: empty is false, a single
// boolean is itself, any other non-empty collection is true.
func fpTruthy(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		if b, ok := coll[0].(bool); ok {
			return b
		}
	}
	return true
}
