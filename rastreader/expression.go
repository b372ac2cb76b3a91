package rastreader

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Expression is a compiled band math expression such as
// "B1,B2,(B1-B2)/(B1+B2)". Every comma separated term yields one output
// band; identifiers name input bands or assets.
type Expression struct {
	src      string
	vars     []string
	programs []cel.Program
}

var reserved = map[string]bool{"true": true, "false": true, "null": true, "in": true}

func ParseExpression(expr string) (*Expression, error) {
	terms := splitTerms(expr)
	if len(terms) == 0 {
		return nil, fmt.Errorf("empty expression")
	}

	e := &Expression{src: expr}
	seen := map[string]bool{}
	rewritten := make([]string, len(terms))
	for i, term := range terms {
		src, idents := scanTerm(term)
		rewritten[i] = src
		for _, id := range idents {
			if !seen[id] {
				seen[id] = true
				e.vars = append(e.vars, id)
			}
		}
	}

	opts := make([]cel.EnvOption, 0, len(e.vars))
	for _, v := range e.vars {
		opts = append(opts, cel.Variable(v, cel.DoubleType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("building expression env: %w", err)
	}

	for i, src := range rewritten {
		ast, issues := env.Compile(src)
		if issues.Err() != nil {
			return nil, fmt.Errorf("compiling %q: %w", terms[i], issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.DoubleType) {
			return nil, fmt.Errorf("expression %q yields %s, not a number", terms[i], ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("building program %q: %w", terms[i], err)
		}
		e.programs = append(e.programs, prg)
	}

	return e, nil
}

func (e *Expression) String() string { return e.src }

// Variables returns the input names in order of first use.
func (e *Expression) Variables() []string { return e.vars }

// Outputs is the number of bands the expression produces.
func (e *Expression) Outputs() int { return len(e.programs) }

// Evaluate runs the expression over every valid pixel. inputs holds one
// slice per variable, all of length len(mask); invalid pixels are left 0.
func (e *Expression) Evaluate(ctx context.Context, inputs map[string][]float32, mask []uint8) ([][]float32, error) {
	for _, v := range e.vars {
		if len(inputs[v]) != len(mask) {
			return nil, fmt.Errorf("expression input %q has %d pixels, want %d", v, len(inputs[v]), len(mask))
		}
	}

	out := make([][]float32, len(e.programs))
	for i := range out {
		out[i] = make([]float32, len(mask))
	}

	act := make(map[string]any, len(e.vars))
	for p := range mask {
		if p%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if mask[p] == Invalid {
			continue
		}
		for _, v := range e.vars {
			act[v] = float64(inputs[v][p])
		}
		for i, prg := range e.programs {
			val, _, err := prg.Eval(act)
			if err != nil {
				return nil, fmt.Errorf("evaluating %q: %w", e.src, err)
			}
			f, ok := val.Value().(float64)
			if !ok {
				return nil, fmt.Errorf("evaluating %q: got %T", e.src, val.Value())
			}
			out[i][p] = float32(f)
		}
	}

	return out, nil
}

// splitTerms splits on the commas that are not nested in parentheses.
func splitTerms(expr string) []string {
	var terms []string
	depth, start := 0, 0
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				terms = append(terms, expr[start:i])
				start = i + 1
			}
		}
	}
	terms = append(terms, expr[start:])

	out := terms[:0]
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// scanTerm returns term with integer literals turned into doubles, since
// CEL does not mix int and double arithmetic, and the band identifiers it
// references. Function names and member selections are not identifiers.
func scanTerm(term string) (string, []string) {
	var sb strings.Builder
	var idents []string

	for i := 0; i < len(term); {
		c := term[i]
		switch {
		case isDigit(c) || (c == '.' && i+1 < len(term) && isDigit(term[i+1])):
			j := i
			float := false
			for j < len(term) && (isDigit(term[j]) || term[j] == '.') {
				if term[j] == '.' {
					float = true
				}
				j++
			}
			if j < len(term) && (term[j] == 'e' || term[j] == 'E') {
				float = true
				j++
				if j < len(term) && (term[j] == '+' || term[j] == '-') {
					j++
				}
				for j < len(term) && isDigit(term[j]) {
					j++
				}
			}
			lit := term[i:j]
			if strings.HasPrefix(lit, ".") {
				lit = "0" + lit
			}
			sb.WriteString(lit)
			if !float {
				sb.WriteString(".0")
			}
			i = j
		case isIdentStart(c):
			j := i
			for j < len(term) && (isIdentStart(term[j]) || isDigit(term[j])) {
				j++
			}
			id := term[i:j]
			sb.WriteString(id)

			k := j
			for k < len(term) && term[k] == ' ' {
				k++
			}
			call := k < len(term) && term[k] == '('
			qualifier := k < len(term) && term[k] == '.'
			member := i > 0 && term[i-1] == '.'
			if !call && !qualifier && !member && !reserved[id] {
				idents = append(idents, id)
			}
			i = j
		default:
			sb.WriteByte(c)
			i++
		}
	}

	return sb.String(), idents
}
