package grid

import (
	"fmt"
	"strconv"
	"strings"
)

// FormulaOrLiteral is a resource value that's either a plain number or a
// small template string referencing the task's inputs and core count,
// grounded on anadama2's grid/grid.py GridJobRequires combined with
// helpers.py's format_command bracket substitution (e.g. a memory
// request of "[depends[0]]*1024" scaled by input count, or "12000" as a
// flat literal). taskloom supports the same two bracket variables,
// [depends] (len(inputs)) and [cores], since those are the only two
// anadama2 actually templates resource formulas against.
type FormulaOrLiteral struct {
	raw string
}

// NewFormulaOrLiteral wraps a raw spec string (from workflow task
// options or a config file) without evaluating it yet.
func NewFormulaOrLiteral(raw string) FormulaOrLiteral {
	return FormulaOrLiteral{raw: strings.TrimSpace(raw)}
}

// Eval resolves the formula against the task's dependency count and
// requested core count, returning an integer resource value (MB for
// mem, minutes for time, count for cores depending on field).
func (f FormulaOrLiteral) Eval(depends int, cores int) (int, error) {
	if f.raw == "" {
		return 0, fmt.Errorf("grid: empty resource formula")
	}
	if n, err := strconv.Atoi(f.raw); err == nil {
		return n, nil
	}
	expr := f.raw
	expr = strings.ReplaceAll(expr, "[depends]", strconv.Itoa(depends))
	expr = strings.ReplaceAll(expr, "[cores]", strconv.Itoa(cores))
	return evalArithmetic(expr)
}

// evalArithmetic handles the tiny subset of arithmetic anadama2's
// formulas actually use: integer +, -, *, / left-to-right, no
// parentheses or precedence. Good enough for "[depends]*2000" style
// resource scaling without pulling in a general expression parser.
func evalArithmetic(expr string) (int, error) {
	expr = strings.ReplaceAll(expr, " ", "")
	var tokens []string
	var cur strings.Builder
	for _, r := range expr {
		switch r {
		case '+', '-', '*', '/':
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
			tokens = append(tokens, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	if len(tokens) == 0 {
		return 0, fmt.Errorf("grid: empty resource expression")
	}
	result, err := strconv.Atoi(tokens[0])
	if err != nil {
		return 0, fmt.Errorf("grid: resource formula %q: %w", expr, err)
	}
	for i := 1; i+1 < len(tokens); i += 2 {
		op := tokens[i]
		operand, err := strconv.Atoi(tokens[i+1])
		if err != nil {
			return 0, fmt.Errorf("grid: resource formula %q: %w", expr, err)
		}
		switch op {
		case "+":
			result += operand
		case "-":
			result -= operand
		case "*":
			result *= operand
		case "/":
			if operand == 0 {
				return 0, fmt.Errorf("grid: resource formula %q: division by zero", expr)
			}
			result /= operand
		default:
			return 0, fmt.Errorf("grid: resource formula %q: unsupported operator %q", expr, op)
		}
	}
	return result, nil
}

// ResourceRequest is the resolved (time minutes, mem MB, cores) triple
// submitted with a grid job, matching anadama2's GridJobRequires.
type ResourceRequest struct {
	TimeMinutes FormulaOrLiteral
	MemMB       FormulaOrLiteral
	Cores       int
}

// Resolved is a ResourceRequest after formulas have been evaluated
// against a specific task's dependency count.
type Resolved struct {
	TimeMinutes int
	MemMB       int
	Cores       int
}

// Resolve evaluates both formulas against depends (len of the task's
// inputs) and the request's own Cores value.
func (r ResourceRequest) Resolve(depends int) (Resolved, error) {
	t, err := r.TimeMinutes.Eval(depends, r.Cores)
	if err != nil {
		return Resolved{}, err
	}
	m, err := r.MemMB.Eval(depends, r.Cores)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{TimeMinutes: t, MemMB: m, Cores: r.Cores}, nil
}

// ScaleFactor is applied to a Resolved request after a MEMKILL, matching
// anadama2 grid_worker.py's practice of growing the memory request on
// resubmission instead of retrying with the same (already insufficient)
// allocation.
const ScaleFactor = 1.3

// ScaleMem returns a Resolved with MemMB grown by ScaleFactor, used
// between MEMKILL retries.
func (r Resolved) ScaleMem() Resolved {
	r.MemMB = int(float64(r.MemMB) * ScaleFactor)
	return r
}

// StretchTime returns a Resolved with TimeMinutes grown by ScaleFactor,
// used between TIMEOUT retries.
func (r Resolved) StretchTime() Resolved {
	r.TimeMinutes = int(float64(r.TimeMinutes) * ScaleFactor)
	return r
}
