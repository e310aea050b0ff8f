package dynamotest

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// The evaluator understands the expression subset the stores emit:
//
//	conditions: AND, OR, NOT, parentheses, attribute_exists(p), attribute_not_exists(p),
//	            comparisons (= <> < <= > >=) between paths and :values
//	updates:    SET p = operand [+|- operand], if_not_exists(p, :v); REMOVE p, ...
//
// Paths are top-level attribute names or #aliases.

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokValue
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var out []token
	i := 0
	for i < len(s) {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			out = append(out, token{tokLParen, "("})
			i++
		case c == ')':
			out = append(out, token{tokRParen, ")"})
			i++
		case c == ',':
			out = append(out, token{tokComma, ","})
			i++
		case c == '=' || c == '+' || c == '-':
			out = append(out, token{tokOp, string(c)})
			i++
		case c == '<' || c == '>':
			op := string(c)
			if i+1 < len(s) && (s[i+1] == '=' || (c == '<' && s[i+1] == '>')) {
				op += string(s[i+1])
				i++
			}
			out = append(out, token{tokOp, op})
			i++
		case c == ':' || c == '#' || c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c):
			j := i + 1
			for j < len(s) && (s[j] == '_' || s[j] == '.' || unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j]))) {
				j++
			}
			kind := tokIdent
			if c == ':' {
				kind = tokValue
			}
			out = append(out, token{kind, s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q in %q", c, s)
		}
	}
	out = append(out, token{tokEOF, ""})
	return out, nil
}

type evaluator struct {
	toks   []token
	pos    int
	item   map[string]types.AttributeValue
	names  map[string]string
	values map[string]types.AttributeValue
}

func (e *evaluator) peek() token { return e.toks[e.pos] }

func (e *evaluator) next() token {
	t := e.toks[e.pos]
	if t.kind != tokEOF {
		e.pos++
	}
	return t
}

func (e *evaluator) expect(kind tokenKind) (token, error) {
	t := e.next()
	if t.kind != kind {
		return t, fmt.Errorf("unexpected token %q", t.text)
	}
	return t, nil
}

func isKeyword(t token, kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (e *evaluator) resolveName(t token) string {
	if strings.HasPrefix(t.text, "#") {
		return e.names[t.text]
	}
	return t.text
}

// evalCondition evaluates a condition or filter expression against item.
func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	toks, err := tokenize(expr)
	if err != nil {
		return false, err
	}
	e := &evaluator{toks: toks, item: item, names: names, values: values}
	ok, err := e.parseOr()
	if err != nil {
		return false, err
	}
	if e.peek().kind != tokEOF {
		return false, fmt.Errorf("trailing tokens in %q", expr)
	}
	return ok, nil
}

func (e *evaluator) parseOr() (bool, error) {
	left, err := e.parseAnd()
	if err != nil {
		return false, err
	}
	for isKeyword(e.peek(), "OR") {
		e.next()
		right, err := e.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (e *evaluator) parseAnd() (bool, error) {
	left, err := e.parseNot()
	if err != nil {
		return false, err
	}
	for isKeyword(e.peek(), "AND") {
		e.next()
		right, err := e.parseNot()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (e *evaluator) parseNot() (bool, error) {
	if isKeyword(e.peek(), "NOT") {
		e.next()
		v, err := e.parseNot()
		return !v, err
	}
	return e.parsePrimary()
}

func (e *evaluator) parsePrimary() (bool, error) {
	t := e.peek()
	if t.kind == tokLParen {
		e.next()
		v, err := e.parseOr()
		if err != nil {
			return false, err
		}
		if _, err := e.expect(tokRParen); err != nil {
			return false, err
		}
		return v, nil
	}
	if isKeyword(t, "attribute_exists") || isKeyword(t, "attribute_not_exists") {
		e.next()
		if _, err := e.expect(tokLParen); err != nil {
			return false, err
		}
		p, err := e.expect(tokIdent)
		if err != nil {
			return false, err
		}
		if _, err := e.expect(tokRParen); err != nil {
			return false, err
		}
		_, exists := e.item[e.resolveName(p)]
		if strings.EqualFold(t.text, "attribute_exists") {
			return exists, nil
		}
		return !exists, nil
	}

	left, lok, err := e.operand()
	if err != nil {
		return false, err
	}
	op, err := e.expect(tokOp)
	if err != nil {
		return false, err
	}
	right, rok, err := e.operand()
	if err != nil {
		return false, err
	}
	if !lok || !rok {
		// comparisons against a missing attribute are false
		return false, nil
	}
	cmp, comparable := compare(left, right)
	if !comparable {
		return op.text == "<>", nil
	}
	switch op.text {
	case "=":
		return cmp == 0, nil
	case "<>":
		return cmp != 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op.text)
}

func (e *evaluator) operand() (types.AttributeValue, bool, error) {
	t := e.next()
	switch t.kind {
	case tokValue:
		v, ok := e.values[t.text]
		if !ok {
			return nil, false, fmt.Errorf("missing expression value %s", t.text)
		}
		return v, true, nil
	case tokIdent:
		v, ok := e.item[e.resolveName(t)]
		return v, ok, nil
	}
	return nil, false, fmt.Errorf("unexpected operand %q", t.text)
}

func compare(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		x, _ := strconv.ParseFloat(av.Value, 64)
		y, _ := strconv.ParseFloat(bv.Value, 64)
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok {
			return 0, false
		}
		if av.Value == bv.Value {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}

// applyUpdate applies a SET/REMOVE update expression to item in place.
func applyUpdate(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	toks, err := tokenize(expr)
	if err != nil {
		return err
	}
	e := &evaluator{toks: toks, item: item, names: names, values: values}
	for e.peek().kind != tokEOF {
		clause := e.next()
		switch {
		case isKeyword(clause, "SET"):
			if err := e.applySet(); err != nil {
				return err
			}
		case isKeyword(clause, "REMOVE"):
			if err := e.applyRemove(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported update clause %q", clause.text)
		}
	}
	return nil
}

func (e *evaluator) clauseEnd() bool {
	t := e.peek()
	return t.kind == tokEOF || isKeyword(t, "SET") || isKeyword(t, "REMOVE")
}

func (e *evaluator) applySet() error {
	type assignment struct {
		name  string
		value types.AttributeValue
	}
	var pending []assignment
	for {
		p, err := e.expect(tokIdent)
		if err != nil {
			return err
		}
		if op, err := e.expect(tokOp); err != nil || op.text != "=" {
			return fmt.Errorf("expected = in SET")
		}
		v, err := e.setValue()
		if err != nil {
			return err
		}
		pending = append(pending, assignment{e.resolveName(p), v})
		if e.peek().kind == tokComma {
			e.next()
			continue
		}
		if e.clauseEnd() {
			break
		}
		return fmt.Errorf("unexpected token %q in SET", e.peek().text)
	}
	// right-hand sides read the pre-update item
	for _, a := range pending {
		e.item[a.name] = a.value
	}
	return nil
}

func (e *evaluator) setValue() (types.AttributeValue, error) {
	left, err := e.setTerm()
	if err != nil {
		return nil, err
	}
	t := e.peek()
	if t.kind == tokOp && (t.text == "+" || t.text == "-") {
		e.next()
		right, err := e.setTerm()
		if err != nil {
			return nil, err
		}
		ln, lok := left.(*types.AttributeValueMemberN)
		rn, rok := right.(*types.AttributeValueMemberN)
		if !lok || !rok {
			return nil, fmt.Errorf("arithmetic on non-number")
		}
		x, _ := strconv.ParseFloat(ln.Value, 64)
		y, _ := strconv.ParseFloat(rn.Value, 64)
		if t.text == "+" {
			x += y
		} else {
			x -= y
		}
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(x, 'f', -1, 64)}, nil
	}
	return left, nil
}

func (e *evaluator) setTerm() (types.AttributeValue, error) {
	t := e.peek()
	if isKeyword(t, "if_not_exists") {
		e.next()
		if _, err := e.expect(tokLParen); err != nil {
			return nil, err
		}
		p, err := e.expect(tokIdent)
		if err != nil {
			return nil, err
		}
		if _, err := e.expect(tokComma); err != nil {
			return nil, err
		}
		def, _, err := e.operand()
		if err != nil {
			return nil, err
		}
		if _, err := e.expect(tokRParen); err != nil {
			return nil, err
		}
		if v, ok := e.item[e.resolveName(p)]; ok {
			return v, nil
		}
		return def, nil
	}
	v, ok, err := e.operand()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("SET operand %q does not exist", t.text)
	}
	return v, nil
}

func (e *evaluator) applyRemove() error {
	for {
		p, err := e.expect(tokIdent)
		if err != nil {
			return err
		}
		delete(e.item, e.resolveName(p))
		if e.peek().kind == tokComma {
			e.next()
			continue
		}
		if e.clauseEnd() {
			return nil
		}
		return fmt.Errorf("unexpected token %q in REMOVE", e.peek().text)
	}
}
