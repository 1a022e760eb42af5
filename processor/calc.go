package processor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EvaluateExpression evaluates a strictly numeric arithmetic expression:
// decimal constants, + - * / %, unary minus, and parentheses. Variable
// references must be interpolated before the call; any other token is
// rejected with ErrInvalidInput. There is deliberately no general
// expression evaluator here.
func EvaluateExpression(expr string) (float64, error) {
	p := &exprParser{input: expr}
	result, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("%w: unexpected %q in expression", ErrInvalidInput, p.input[p.pos:])
	}
	if math.IsInf(result, 0) || math.IsNaN(result) {
		return 0, fmt.Errorf("%w: expression result is not finite", ErrInvalidInput)
	}
	return result, nil
}

// exprParser is a recursive-descent parser over the grammar
//
//	expr   = term   (('+' | '-') term)*
//	term   = factor (('*' | '/' | '%') factor)*
//	factor = number | '-' factor | '(' expr ')'
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("%w: division by zero", ErrInvalidInput)
			}
			left /= right
		case '%':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("%w: modulo by zero", ErrInvalidInput)
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	switch c := p.peek(); {
	case c == '-':
		p.pos++
		v, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return -v, nil
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("%w: missing closing parenthesis", ErrInvalidInput)
		}
		p.pos++
		return v, nil
	case c >= '0' && c <= '9' || c == '.':
		return p.parseNumber()
	case c == 0:
		return 0, fmt.Errorf("%w: unexpected end of expression", ErrInvalidInput)
	default:
		return 0, fmt.Errorf("%w: unexpected character %q in expression", ErrInvalidInput, string(c))
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			p.pos++
			continue
		}
		break
	}
	token := p.input[start:p.pos]
	if strings.Count(token, ".") > 1 {
		return 0, fmt.Errorf("%w: malformed number %q", ErrInvalidInput, token)
	}
	v, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed number %q", ErrInvalidInput, token)
	}
	return v, nil
}
