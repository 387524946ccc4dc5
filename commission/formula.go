package commission

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
)

// =============================================================================
// FORMULA EVALUATOR - custom_formula rules (CEL expressions)
// =============================================================================

// FormulaVariables are the names a custom formula may reference.
var FormulaVariables = []string{
	"gross", "net", "products", "services", "expenses", "displacement", "cost", "items", "percent",
}

// FormulaInput carries the values bound to FormulaVariables.
type FormulaInput struct {
	Gross        decimal.Decimal
	Net          decimal.Decimal
	Products     decimal.Decimal
	Services     decimal.Decimal
	Expenses     decimal.Decimal
	Displacement decimal.Decimal
	Cost         decimal.Decimal
	Items        decimal.Decimal
	Percent      decimal.Decimal
}

func (in FormulaInput) activation() map[string]any {
	return map[string]any{
		"gross":        in.Gross.InexactFloat64(),
		"net":          in.Net.InexactFloat64(),
		"products":     in.Products.InexactFloat64(),
		"services":     in.Services.InexactFloat64(),
		"expenses":     in.Expenses.InexactFloat64(),
		"displacement": in.Displacement.InexactFloat64(),
		"cost":         in.Cost.InexactFloat64(),
		"items":        in.Items.InexactFloat64(),
		"percent":      in.Percent.InexactFloat64(),
	}
}

// formulaPlaces is where a float formula result is snapped back to a decimal,
// finer than currency precision and coarse enough to drop float64 noise.
const formulaPlaces = 8

// FormulaEvaluator compiles formulas once and caches the programs.
// CEL evaluates in float64; the result is snapped to formulaPlaces decimals
// and rounded to currency precision by the caller.
type FormulaEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewFormulaEvaluator() (*FormulaEvaluator, error) {
	opts := make([]cel.EnvOption, 0, len(FormulaVariables))
	for _, name := range FormulaVariables {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create formula environment: %w", err)
	}
	return &FormulaEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile checks that formula is a valid numeric expression.
func (f *FormulaEvaluator) Compile(formula string) error {
	_, err := f.program(formula)
	return err
}

// Evaluate runs formula against in.
func (f *FormulaEvaluator) Evaluate(formula string, in FormulaInput) (decimal.Decimal, error) {
	prg, err := f.program(formula)
	if err != nil {
		return decimal.Zero, err
	}
	out, _, err := prg.Eval(in.activation())
	if err != nil {
		return decimal.Zero, fmt.Errorf("eval: %w", err)
	}
	switch v := out.Value().(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, fmt.Errorf("formula produced %v", v)
		}
		return decimal.NewFromFloat(v).Round(formulaPlaces), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint64:
		return decimal.NewFromInt(int64(v)), nil
	default:
		return decimal.Zero, fmt.Errorf("formula must produce a number, got %T", v)
	}
}

func (f *FormulaEvaluator) program(formula string) (cel.Program, error) {
	expr := normalizeLiterals(strings.TrimSpace(formula))
	if expr == "" {
		return nil, fmt.Errorf("formula is empty")
	}

	f.mu.RLock()
	prg, hit := f.programs[expr]
	f.mu.RUnlock()
	if hit {
		return prg, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if prg, hit = f.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := f.env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	f.programs[expr] = prg
	return prg, nil
}

// normalizeLiterals rewrites integer literals as doubles ("100" -> "100.0") so
// that "gross * percent / 100" type-checks: CEL has no implicit int/double
// promotion. Identifiers and quoted strings are left alone.
func normalizeLiterals(expr string) string {
	var b strings.Builder
	b.Grow(len(expr) + 8)
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(expr) && expr[j] != c {
				if expr[j] == '\\' {
					j++
				}
				j++
			}
			if j < len(expr) {
				j++
			}
			if j > len(expr) {
				j = len(expr)
			}
			b.WriteString(expr[i:j])
			i = j
		case isIdentStart(c):
			j := i
			for j < len(expr) && (isIdentStart(expr[j]) || isDigit(expr[j])) {
				j++
			}
			b.WriteString(expr[i:j])
			i = j
		case isDigit(c):
			j := i
			fractional := false
			for j < len(expr) && (isDigit(expr[j]) || expr[j] == '.' || expr[j] == 'e' || expr[j] == 'E') {
				if !isDigit(expr[j]) {
					fractional = true
				}
				j++
			}
			b.WriteString(expr[i:j])
			if !fractional {
				b.WriteString(".0")
			}
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
